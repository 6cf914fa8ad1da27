// Package backend implements the daemon-local toolsurface.Backend: the
// glue between the Agent Tool Surface's eight operations (spec.md §4.7)
// and the concrete lifecycle/session/peer/poll components each computer
// runs. A request targeting this computer is served directly from
// internal/lifecycle and internal/session; a request targeting another
// computer is relayed through internal/streamadapter's Remote Execution
// Protocol client. This single type composes the daemon's lifecycle,
// session, peer, and poll components behind one RPC dispatch surface.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/hub"
	"github.com/InstruktAI/teleclaude/internal/identity"
	"github.com/InstruktAI/teleclaude/internal/lifecycle"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/peer"
	"github.com/InstruktAI/teleclaude/internal/poll"
	"github.com/InstruktAI/teleclaude/internal/session"
	"github.com/InstruktAI/teleclaude/internal/toolsurface"
)

// observeMaxDuration bounds how long a local ObserveSession/SendMessage
// channel producer stays subscribed to the hub when its caller never
// cancels ctx (e.g. a misbehaving colocated CLI). This is a safety net
// underneath the Agent Tool Surface's own interest-window timer, which
// only bounds how long the *caller* waits, not how long this backend's
// background goroutine runs.
const observeMaxDuration = 10 * time.Minute

// RemoteCommander is the slice of internal/streamadapter.Adapter this
// backend uses to reach a session owned by another computer. Declared
// consumer-side, and set after construction (SetRemote) to break the
// natural cycle: streamadapter.New itself takes a toolsurface.Backend to
// dispatch commands relayed *into* this computer.
type RemoteCommander interface {
	SendRemoteCommand(ctx context.Context, computer string, cmd model.CommandName, args any, timeout time.Duration) (json.RawMessage, error)
	ObserveRemoteSession(ctx context.Context, sessionID string, checkpointSequence int64) ([]model.OutputChunk, error)
}

const relayTimeout = 20 * time.Second

// Backend implements toolsurface.Backend for one computer.
type Backend struct {
	computer       string
	coord          *lifecycle.Coordinator
	store          session.Store
	peers          *peer.Registry
	poller         *poll.Coordinator
	h              *hub.Hub
	projects       []toolsurface.ProjectInfo
	agentCommands  map[string]string

	mu     sync.RWMutex
	remote RemoteCommander
}

// New constructs a Backend for computerName. projects is the fixed list
// list_projects(computer) returns for this computer (spec.md §4.7 names
// no discovery mechanism for projects; cmd/daemon.go builds the list from
// the configured `projects` entries). agentCommands maps an
// agent name (start_session's `agent` argument) to the shell command the
// terminal bridge launches (config.AgentsConfig.Commands); an agent name
// absent from the map is used directly as its own command.
func New(computerName string, coord *lifecycle.Coordinator, store session.Store, peers *peer.Registry, poller *poll.Coordinator, h *hub.Hub, projects []toolsurface.ProjectInfo, agentCommands map[string]string) *Backend {
	return &Backend{
		computer:      computerName,
		coord:         coord,
		store:         store,
		peers:         peers,
		poller:        poller,
		h:             h,
		projects:      projects,
		agentCommands: agentCommands,
	}
}

// SetRemote wires the streamadapter instance used to relay operations
// targeting a different computer. Safe to call once, after construction
// and before Start is called on any adapter.
func (b *Backend) SetRemote(r RemoteCommander) {
	b.mu.Lock()
	b.remote = r
	b.mu.Unlock()
}

func (b *Backend) remoteCommander() RemoteCommander {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.remote
}

func (b *Backend) ListComputers(ctx context.Context) ([]toolsurface.ComputerInfo, error) {
	out := []toolsurface.ComputerInfo{{
		Name:       b.computer,
		Status:     "online",
		LastSeenAt: time.Now().Unix(),
	}}
	for _, e := range b.peers.ListOnline(0) {
		out = append(out, toolsurface.ComputerInfo{
			Name:         e.Computer,
			Status:       string(e.Status),
			LastSeenAt:   e.LastSeenAt.Unix(),
			Capabilities: e.Capabilities,
		})
	}
	return out, nil
}

// ListProjects returns the configured project list when computer is this
// computer or unset; list_projects is never relayed cross-node (spec.md
// §4.7 lists it alongside list_computers as a local-only call).
func (b *Backend) ListProjects(ctx context.Context, computer string) ([]toolsurface.ProjectInfo, error) {
	if computer != "" && computer != b.computer {
		return nil, nil
	}
	return b.projects, nil
}

func (b *Backend) ListSessions(ctx context.Context, filter model.Filter) ([]model.SessionSummary, error) {
	if filter.Computer != "" && filter.Computer != b.computer {
		return b.relayListSessions(ctx, filter)
	}
	sessions, err := b.store.ListAll(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]model.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	return out, nil
}

func (b *Backend) relayListSessions(ctx context.Context, filter model.Filter) ([]model.SessionSummary, error) {
	remote := b.remoteCommander()
	if remote == nil {
		return nil, errs.New(errs.PermanentTransport, "no remote transport configured")
	}
	raw, err := remote.SendRemoteCommand(ctx, filter.Computer, model.CmdListSessions, filter, relayTimeout)
	if err != nil {
		return nil, err
	}
	var result struct {
		Sessions []model.SessionSummary `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errs.Wrap(errs.PermanentTransport, "decode relayed list_sessions result", err)
	}
	return result.Sessions, nil
}

func summarize(s model.Session) model.SessionSummary {
	return model.SessionSummary{
		ID:             s.ID,
		Computer:       s.Computer,
		ProjectPath:    s.ProjectPath,
		Agent:          s.Agent,
		Status:         s.Status,
		Role:           s.Role,
		Title:          s.Title,
		LastSummary:    s.LastOutputSummary,
		LastActivityAt: s.LastActivityAt,
	}
}

// StartSession resolves identity via internal/lifecycle when args.Computer
// is this computer (or unset), or relays start_session to the owning node
// otherwise (spec.md §4.6's five relayed commands).
func (b *Backend) StartSession(ctx context.Context, args toolsurface.StartSessionArgs, caller toolsurface.Caller) (string, error) {
	if args.Computer != "" && args.Computer != b.computer {
		return b.relayStartSession(ctx, args)
	}

	req := lifecycle.CreateRequest{
		Computer:        b.computer,
		ProjectPath:     args.ProjectPath,
		Agent:           args.Agent,
		Command:         b.agentCommands[args.Agent],
		ThinkingMode:    args.ThinkingMode,
		Title:           args.Title,
		ParentSessionID: args.ParentSessionID,
		Identity:        identityRequest(args, caller),
	}

	sess, err := b.coord.CreateSession(ctx, req, b.lookupInitiator)
	if err != nil {
		return "", err
	}
	if handle, ok := b.coord.Handle(sess.ID); ok {
		b.poller.StartPolling(context.Background(), sess.ID, handle)
	}
	return sess.ID, nil
}

func identityRequest(args toolsurface.StartSessionArgs, caller toolsurface.Caller) identity.Request {
	switch caller.Origin {
	case toolsurface.OriginAgentOfSession:
		return identity.Request{
			Origin:             identity.OriginRelayedNode,
			InitiatorSessionID: caller.CallerSessionID,
		}
	default:
		// OriginLocalTUI, and any other colocated caller: honor the
		// caller-chosen project path per spec.md §4.8 rule 3.
		return identity.Request{
			Origin:               identity.OriginToolSocket,
			RequestedProjectPath: args.ProjectPath,
		}
	}
}

// lookupInitiator satisfies identity.InitiatorLookup for relayed sessions
// (spec.md §4.8 rule 4): the initiator's resolved identity is derived from
// its own already-persisted session record rather than re-resolved, since
// re-resolving could disagree if the initiator's home changed mid-session.
func (b *Backend) lookupInitiator(sessionID string) (*identity.Resolution, error) {
	sess, err := b.store.Get(context.Background(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("lookup initiator %s: %w", sessionID, err)
	}
	if sess == nil {
		return nil, errs.New(errs.NotFound, "initiator session not found: "+sessionID)
	}
	return &identity.Resolution{ProjectPath: sess.ProjectPath, Profile: identity.ProfileDefault}, nil
}

func (b *Backend) relayStartSession(ctx context.Context, args toolsurface.StartSessionArgs) (string, error) {
	remote := b.remoteCommander()
	if remote == nil {
		return "", errs.New(errs.PermanentTransport, "no remote transport configured")
	}
	raw, err := remote.SendRemoteCommand(ctx, args.Computer, model.CmdStartSession, args, relayTimeout)
	if err != nil {
		return "", err
	}
	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", errs.Wrap(errs.PermanentTransport, "decode relayed start_session result", err)
	}
	return result.SessionID, nil
}

// SessionOwner returns sess.InitiatorSessionID, the owning session for an
// agent-delegated caller; "" for a human-owned session (spec.md §4.7's
// end-session-not-yours gate).
func (b *Backend) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if sess == nil {
		return "", errs.New(errs.NotFound, "session not found: "+sessionID)
	}
	return sess.InitiatorSessionID, nil
}

// SendMessage writes message to sessionID's terminal and returns a channel
// of subsequent output chunks, local or relayed depending on ownership.
// An empty message performs no terminal input and emits no chunks (spec.md
// §8's round-trip law for send_message(s, "")): neither WriteInput nor an
// observe subscription happens at all.
func (b *Backend) SendMessage(ctx context.Context, sessionID, message string) (<-chan model.OutputChunk, error) {
	if message == "" {
		ch := make(chan model.OutputChunk)
		close(ch)
		return ch, nil
	}
	owner, local, err := b.ownerComputer(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !local {
		return b.relayObserve(ctx, owner, sessionID, 0, model.CmdSendMessage, struct {
			SessionID string `json:"session_id"`
			Message   string `json:"message"`
		}{sessionID, message})
	}
	if err := b.coord.WriteInput(ctx, sessionID, []byte(message+"\n")); err != nil {
		return nil, err
	}
	return b.observeLocal(ctx, sessionID, 0), nil
}

func (b *Backend) ownerComputer(ctx context.Context, sessionID string) (computer string, local bool, err error) {
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return "", false, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if sess == nil {
		return "", false, errs.New(errs.NotFound, "session not found: "+sessionID)
	}
	return sess.Computer, sess.Computer == "" || sess.Computer == b.computer, nil
}

// relayObserve sends cmd (when non-empty) to computer via
// SendRemoteCommand for its side effect (e.g. delivering a message), then
// streams the session's subsequent output via
// streamadapter.ObserveRemoteSession, adapted onto a channel so it
// matches toolsurface.Backend's local shape.
func (b *Backend) relayObserve(ctx context.Context, computer, sessionID string, from int64, cmd model.CommandName, args any) (<-chan model.OutputChunk, error) {
	remote := b.remoteCommander()
	if remote == nil {
		return nil, errs.New(errs.PermanentTransport, "no remote transport configured")
	}
	if cmd != "" {
		if _, err := remote.SendRemoteCommand(ctx, computer, cmd, args, relayTimeout); err != nil {
			return nil, err
		}
	}
	ch := make(chan model.OutputChunk, 64)
	go func() {
		defer close(ch)
		cursor := from
		timeout := time.After(observeMaxDuration)
		for {
			select {
			case <-ctx.Done():
				return
			case <-timeout:
				return
			default:
			}
			chunks, err := remote.ObserveRemoteSession(ctx, sessionID, cursor)
			if err != nil {
				return
			}
			if len(chunks) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(500 * time.Millisecond):
				}
				continue
			}
			for _, c := range chunks {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
				if c.Sequence > cursor {
					cursor = c.Sequence
				}
				if c.ChunkKind == model.ChunkAgentStop {
					return
				}
			}
		}
	}()
	return ch, nil
}

// observeLocal subscribes to the hub for sessionID's output and lifecycle
// events, translating them into model.OutputChunk on ch until ctx is done,
// observeMaxDuration elapses, or the session terminates.
func (b *Backend) observeLocal(ctx context.Context, sessionID string, from int64) <-chan model.OutputChunk {
	ch := make(chan model.OutputChunk, 64)
	seq := from
	done := make(chan struct{})

	subOutput := b.h.Subscribe(hub.OutputUpdated, func(e hub.Event) error {
		upd, ok := e.Data.(poll.OutputUpdate)
		if !ok || upd.SessionID != sessionID {
			return nil
		}
		seq++
		chunk := model.OutputChunk{
			Kind:      "output",
			SessionID: sessionID,
			Sequence:  seq,
			ChunkKind: model.ChunkData,
			Payload:   string(upd.NewBytes),
			Timestamp: time.Now().UnixMilli(),
		}
		select {
		case ch <- chunk:
		case <-done:
		}
		return nil
	})
	subTerminated := b.h.Subscribe(hub.SessionTerminated, func(e hub.Event) error {
		sid, ok := e.Data.(string)
		if !ok || sid != sessionID {
			return nil
		}
		seq++
		select {
		case ch <- model.OutputChunk{Kind: "output", SessionID: sessionID, Sequence: seq, ChunkKind: model.ChunkAgentStop, Timestamp: time.Now().UnixMilli()}:
		case <-done:
		}
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(observeMaxDuration):
		}
		close(done)
		b.h.Unsubscribe(subOutput)
		b.h.Unsubscribe(subTerminated)
		close(ch)
	}()

	return ch
}

// GetSessionStatus reports the session's current status. new_output is
// always empty: this backend keeps no persistent chunk log beyond the
// terminal bridge's own scrollback, so a point-in-time status check never
// blocks waiting for output the way send_message/observe_session do.
func (b *Backend) GetSessionStatus(ctx context.Context, sessionID string, sinceSequence int64) (toolsurface.SessionStatusResult, error) {
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return toolsurface.SessionStatusResult{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if sess == nil {
		return toolsurface.SessionStatusResult{}, errs.New(errs.NotFound, "session not found: "+sessionID)
	}
	if sess.Computer != "" && sess.Computer != b.computer {
		remote := b.remoteCommander()
		if remote == nil {
			return toolsurface.SessionStatusResult{}, errs.New(errs.PermanentTransport, "no remote transport configured")
		}
		raw, err := remote.SendRemoteCommand(ctx, sess.Computer, model.CmdSessionStatus, struct {
			SessionID     string `json:"session_id"`
			SinceSequence int64  `json:"since_sequence"`
		}{sessionID, sinceSequence}, relayTimeout)
		if err != nil {
			return toolsurface.SessionStatusResult{}, err
		}
		var result toolsurface.SessionStatusResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return toolsurface.SessionStatusResult{}, errs.Wrap(errs.PermanentTransport, "decode relayed get_session_status result", err)
		}
		return result, nil
	}
	return toolsurface.SessionStatusResult{Status: sess.Status, NextSequence: sinceSequence}, nil
}

// EndSession stops the session's poller and terminal bridge, or relays
// end_session to the owning node.
func (b *Backend) EndSession(ctx context.Context, sessionID string) error {
	owner, local, err := b.ownerComputer(ctx, sessionID)
	if err != nil {
		return err
	}
	if !local {
		remote := b.remoteCommander()
		if remote == nil {
			return errs.New(errs.PermanentTransport, "no remote transport configured")
		}
		_, err := remote.SendRemoteCommand(ctx, owner, model.CmdEndSession, struct {
			SessionID string `json:"session_id"`
		}{sessionID}, relayTimeout)
		return err
	}
	b.poller.StopPolling(sessionID)
	return b.coord.EndSession(ctx, sessionID)
}

// ObserveSession streams sessionID's output from fromSequence without
// writing input, local or relayed depending on ownership.
func (b *Backend) ObserveSession(ctx context.Context, sessionID string, from int64) (<-chan model.OutputChunk, error) {
	owner, local, err := b.ownerComputer(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !local {
		return b.relayObserve(ctx, owner, sessionID, from, "", nil)
	}
	return b.observeLocal(ctx, sessionID, from), nil
}
