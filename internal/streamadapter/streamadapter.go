// Package streamadapter implements the stream-store transport adapter
// (spec.md §4.6's Redis-Streams wire protocol, wired as an
// internal/adapter.Adapter): it pumps Command Envelopes addressed to this
// computer out of its inbox, dispatches them into the local Agent Tool
// Surface backend, mirrors local session output onto each session's
// output stream for remote observers, and drives the Peer Registry from
// heartbeat keys. Three independent background pumps run concurrently, per
// spec.md §5: an inbox pump, a heartbeat emitter, and a heartbeat scanner.
package streamadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/InstruktAI/teleclaude/internal/adapter"
	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/hub"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/peer"
	"github.com/InstruktAI/teleclaude/internal/poll"
	"github.com/InstruktAI/teleclaude/internal/remote"
	"github.com/InstruktAI/teleclaude/internal/toolsurface"
)

// Client is the slice of internal/remote.Client the adapter needs.
// Declared here (consumer side) so tests substitute a fake instead of
// running a real miniredis instance for every scenario.
type Client interface {
	SendCommand(ctx context.Context, computer string, env model.CommandEnvelope) error
	ReadInbox(ctx context.Context, computer, afterID string) ([]remote.InboxEntry, error)
	CheckAndMarkDelivered(ctx context.Context, correlationID string) (bool, error)
	AppendReply(ctx context.Context, streamKey string, v any) error
	ReadReplies(ctx context.Context, streamKey, afterID string) ([]remote.ReplyEntry, error)
	AppendOutput(ctx context.Context, sessionID string, chunk model.OutputChunk) (int64, error)
	ReadSince(ctx context.Context, sessionID string, checkpointSequence int64) ([]model.OutputChunk, bool, error)
	WriteHeartbeat(ctx context.Context, computer string, hb model.HeartbeatRecord) error
	ScanHeartbeats(ctx context.Context) ([]model.HeartbeatRecord, error)
	AppendPush(ctx context.Context, computer, topic string, chunk model.OutputChunk) error
}

// sessionsTopic is the interest-advertisement topic onOutputUpdated
// forwards under (spec.md §4.6's example interest set includes "sessions").
const sessionsTopic = "sessions"

const (
	defaultInboxPollInterval = 200 * time.Millisecond
	defaultScanInterval      = 10 * time.Second
	defaultCommandTimeout    = 30 * time.Second
)

// Adapter is the internal/adapter.Adapter implementation wrapping the
// Remote Execution Protocol.
type Adapter struct {
	client       Client
	computer     string
	backend      toolsurface.Backend
	surface      *toolsurface.Surface
	peers        *peer.Registry
	hub          *hub.Hub
	logger       *log.Logger
	capabilities []string
	interests    []string

	heartbeatInterval time.Duration
	scanInterval      time.Duration
	inboxPollInterval time.Duration

	mu          sync.Mutex
	lastInboxID string
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	subOutput     hub.Subscription
	subTerminated hub.Subscription
}

// New constructs an Adapter. heartbeatInterval <= 0 uses
// internal/peer's default cadence assumption (a third of DefaultFreshness).
func New(client Client, computerName string, backend toolsurface.Backend, peers *peer.Registry, h *hub.Hub, capabilities, interests []string, heartbeatInterval time.Duration) *Adapter {
	if heartbeatInterval <= 0 {
		heartbeatInterval = peer.DefaultFreshness / 3
	}
	return &Adapter{
		client:            client,
		computer:          computerName,
		backend:           backend,
		surface:           toolsurface.New(backend),
		peers:             peers,
		hub:               h,
		logger:            log.Default(),
		capabilities:      capabilities,
		interests:         interests,
		heartbeatInterval: heartbeatInterval,
		scanInterval:      defaultScanInterval,
		inboxPollInterval: defaultInboxPollInterval,
	}
}

func (a *Adapter) Name() string { return "streamadapter" }

func (a *Adapter) Capabilities() adapter.CapabilitySet {
	return adapter.NewCapabilitySet(adapter.RemoteExecution, adapter.Discovery)
}

// Start subscribes to local output/session-lifecycle events (to mirror
// them onto Redis for remote observers) and launches the three background
// pumps. Safe to call once; a second Start before Stop is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.subOutput = a.hub.Subscribe(hub.OutputUpdated, a.onOutputUpdated)
	a.subTerminated = a.hub.Subscribe(hub.SessionTerminated, a.onSessionTerminated)
	a.peers.Subscribe(func(event string, entry peer.Entry) {
		a.hub.Publish(hub.Event{Name: hub.Name(event), Data: entry})
	})

	a.wg.Add(3)
	go a.runInboxPump(runCtx)
	go a.runHeartbeatEmitter(runCtx)
	go a.runHeartbeatScanner(runCtx)
	return nil
}

// Stop cancels the background pumps and unsubscribes from the hub. It is
// idempotent: a call before Start, or a second call after Stop, is a
// harmless no-op.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	a.wg.Wait()
	a.hub.Unsubscribe(a.subOutput)
	a.hub.Unsubscribe(a.subTerminated)
	return nil
}

// onOutputUpdated mirrors a local session's freshly-polled bytes onto its
// Redis output stream, so a remote node's ObserveRemoteSession can read
// them, then forwards the same chunk onto each online peer's push stream
// that the peer's advertised interests actually cover (spec.md §4.6
// "uninterested peers do not generate outgoing traffic"). Every
// hub.OutputUpdated event is for a locally-owned session: the polling
// coordinator that emits it runs only against local terminal bridges
// (spec.md §3 "terminal handles are strictly tied to the node that
// created them").
func (a *Adapter) onOutputUpdated(e hub.Event) error {
	upd, ok := e.Data.(poll.OutputUpdate)
	if !ok || len(upd.NewBytes) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
	defer cancel()
	chunk := model.OutputChunk{
		Kind:      "output",
		SessionID: upd.SessionID,
		ChunkKind: model.ChunkData,
		Payload:   string(upd.NewBytes),
		Origin:    a.computer,
		Timestamp: time.Now().UnixMilli(),
	}
	if _, err := a.client.AppendOutput(ctx, upd.SessionID, chunk); err != nil {
		a.logger.Printf("streamadapter: mirror output for %s: %v", upd.SessionID, err)
	}
	a.forwardToInterestedPeers(ctx, chunk)
	return nil
}

// forwardToInterestedPeers writes chunk onto the push stream of every
// online peer whose advertised interests include sessionsTopic. Peers that
// never advertised it receive no push write at all, which is what makes
// them generate no outgoing traffic from this event.
func (a *Adapter) forwardToInterestedPeers(ctx context.Context, chunk model.OutputChunk) {
	for _, p := range a.peers.ListOnline(0) {
		if p.Computer == a.computer || !p.Interested(sessionsTopic) {
			continue
		}
		if err := a.client.AppendPush(ctx, p.Computer, sessionsTopic, chunk); err != nil {
			a.logger.Printf("streamadapter: push %s to %s: %v", sessionsTopic, p.Computer, err)
		}
	}
}

// onSessionTerminated appends a terminal sentinel chunk so a remote
// observer's output stream ends with an explicit agent_stop rather than
// silently going quiet.
func (a *Adapter) onSessionTerminated(e hub.Event) error {
	sessionID, ok := e.Data.(string)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
	defer cancel()
	_, err := a.client.AppendOutput(ctx, sessionID, model.OutputChunk{
		Kind:      "output",
		SessionID: sessionID,
		ChunkKind: model.ChunkAgentStop,
		Origin:    a.computer,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		a.logger.Printf("streamadapter: append agent_stop for %s: %v", sessionID, err)
	}
	return nil
}

// ObserveRemoteSession reads a remote computer's session output since
// checkpointSequence. On truncation it publishes hub.OutputTruncated so a
// locally attached observer (e.g. a TUI) can surface scenario 6's "exactly
// one output_truncated event, then fresh chunks".
func (a *Adapter) ObserveRemoteSession(ctx context.Context, sessionID string, checkpointSequence int64) ([]model.OutputChunk, error) {
	chunks, truncated, err := a.client.ReadSince(ctx, sessionID, checkpointSequence)
	if err != nil {
		return nil, err
	}
	if truncated {
		a.hub.Publish(hub.Event{Name: hub.OutputTruncated, Data: sessionID})
	}
	return chunks, nil
}

// SendRemoteCommand issues cmd to computer's inbox and polls its own
// correlation-tagged reply stream until a reply arrives or timeout
// elapses (spec.md Acceptance Scenario 2). timeout <= 0 uses
// defaultCommandTimeout.
func (a *Adapter) SendRemoteCommand(ctx context.Context, computer string, cmd model.CommandName, args any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	payload, err := toArgsMap(args)
	if err != nil {
		return nil, err
	}

	correlationID := model.NewCorrelationID()
	replyStream := "reply/" + correlationID
	env := model.CommandEnvelope{
		Kind:           "command",
		ID:             model.NewCorrelationID(),
		TargetComputer: computer,
		Command:        cmd,
		Args:           payload,
		ReplyStream:    replyStream,
		CorrelationID:  correlationID,
		Origin:         a.computer,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := a.client.SendCommand(ctx, computer, env); err != nil {
		return nil, err
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(a.inboxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errs.New(errs.TransientTransport, fmt.Sprintf("no reply from %s within %s", computer, timeout))
		case <-ticker.C:
			entries, err := a.client.ReadReplies(ctx, replyStream, "")
			if err != nil {
				return nil, err
			}
			for _, entry := range entries {
				var rep replyEnvelope
				if err := json.Unmarshal(entry.Payload, &rep); err != nil {
					continue
				}
				if rep.CorrelationID != correlationID {
					continue
				}
				if rep.Error != nil {
					return nil, errs.New(errs.Kind(rep.Error.Kind), rep.Error.Message)
				}
				return rep.Result, nil
			}
		}
	}
}

func toArgsMap(args any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal command args: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode command args: %w", err)
	}
	return m, nil
}

// replyEnvelope is the wire shape appended to a command's reply_stream.
type replyEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *replyErr       `json:"error,omitempty"`
}

type replyErr struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
