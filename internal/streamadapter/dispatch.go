package streamadapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/toolsurface"
)

// runInboxPump polls this computer's inbox at inboxPollInterval, dedups by
// correlation_id, dispatches each entry into the local Agent Tool Surface
// backend, and replies on the envelope's reply_stream.
func (a *Adapter) runInboxPump(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.inboxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pumpInboxOnce(ctx)
		}
	}
}

func (a *Adapter) pumpInboxOnce(ctx context.Context) {
	a.mu.Lock()
	after := a.lastInboxID
	a.mu.Unlock()

	entries, err := a.client.ReadInbox(ctx, a.computer, after)
	if err != nil {
		a.logger.Printf("streamadapter: read inbox: %v", err)
		return
	}
	for _, entry := range entries {
		a.mu.Lock()
		a.lastInboxID = entry.StreamID
		a.mu.Unlock()

		delivered, err := a.client.CheckAndMarkDelivered(ctx, entry.Envelope.CorrelationID)
		if err != nil {
			a.logger.Printf("streamadapter: dedup check: %v", err)
			continue
		}
		if delivered {
			continue // spec.md §4.6: at-least-once delivery, skip a re-applied command
		}
		a.handleCommand(ctx, entry.Envelope)
	}
}

// handleCommand dispatches env into the local backend and appends the
// result (or error) to env.ReplyStream, the caller-supplied stream key a
// relayed command's issuer polls for its response.
func (a *Adapter) handleCommand(ctx context.Context, env model.CommandEnvelope) {
	result, err := a.dispatch(ctx, env)
	reply := replyEnvelope{CorrelationID: env.CorrelationID}
	if err != nil {
		kind, ok := errs.KindOf(err)
		if !ok {
			kind = errs.InternalInvariant
		}
		reply.Error = &replyErr{Kind: string(kind), Message: err.Error()}
	} else if result != nil {
		raw, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			reply.Error = &replyErr{Kind: string(errs.InternalInvariant), Message: marshalErr.Error()}
		} else {
			reply.Result = raw
		}
	}
	if env.ReplyStream == "" {
		return
	}
	if err := a.client.AppendReply(ctx, env.ReplyStream, reply); err != nil {
		a.logger.Printf("streamadapter: append reply for %s: %v", env.CorrelationID, err)
	}
}

// dispatch translates one of the five cross-node command names (spec.md
// §3's Command Envelope) into the matching toolsurface.Backend call. A
// relayed command's caller is always treated as an agent delegating on
// behalf of the session that issued it (spec.md §4.8 "inherit the
// identity of the initiator_session_id").
func (a *Adapter) dispatch(ctx context.Context, env model.CommandEnvelope) (any, error) {
	caller := toolsurface.Caller{
		Origin:          toolsurface.OriginAgentOfSession,
		CallerSessionID: stringArg(env.Args, "parent_session_id"),
	}

	switch env.Command {
	case model.CmdStartSession:
		var args toolsurface.StartSessionArgs
		if err := decodeArgs(env.Args, &args); err != nil {
			return nil, err
		}
		sessionID, err := a.backend.StartSession(ctx, args, caller)
		if err != nil {
			return nil, err
		}
		return struct {
			SessionID string `json:"session_id"`
		}{SessionID: sessionID}, nil

	case model.CmdSendMessage:
		var args struct {
			SessionID             string `json:"session_id"`
			Message               string `json:"message"`
			InterestWindowSeconds int    `json:"interest_window_seconds"`
		}
		if err := decodeArgs(env.Args, &args); err != nil {
			return nil, err
		}
		chunks, err := a.surface.SendMessage(ctx, args.SessionID, args.Message, args.InterestWindowSeconds)
		if err != nil {
			return nil, err
		}
		return struct {
			Chunks []model.OutputChunk `json:"chunks"`
		}{Chunks: chunks}, nil

	case model.CmdEndSession:
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeArgs(env.Args, &args); err != nil {
			return nil, err
		}
		return struct{}{}, a.surface.EndSession(ctx, args.SessionID, caller)

	case model.CmdListSessions:
		var filter model.Filter
		if err := decodeArgs(env.Args, &filter); err != nil {
			return nil, err
		}
		sessions, err := a.backend.ListSessions(ctx, filter)
		if err != nil {
			return nil, err
		}
		return struct {
			Sessions []model.SessionSummary `json:"sessions"`
		}{Sessions: sessions}, nil

	case model.CmdSessionStatus:
		var args struct {
			SessionID     string `json:"session_id"`
			SinceSequence int64  `json:"since_sequence"`
		}
		if err := decodeArgs(env.Args, &args); err != nil {
			return nil, err
		}
		return a.backend.GetSessionStatus(ctx, args.SessionID, args.SinceSequence)

	default:
		return nil, errs.New(errs.PermanentTransport, "unknown command: "+string(env.Command))
	}
}

func decodeArgs(args map[string]any, v any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.PermanentTransport, "marshal command args", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errs.Wrap(errs.PermanentTransport, "decode command args", err)
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key].(string)
	if !ok {
		return ""
	}
	return v
}

// runHeartbeatEmitter writes this computer's heartbeat key at
// heartbeatInterval, carrying the adapter-declared capabilities/interests
// (spec.md §3 "Peer-Interest Advertisement").
func (a *Adapter) runHeartbeatEmitter(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	a.writeHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.writeHeartbeat(ctx)
		}
	}
}

func (a *Adapter) writeHeartbeat(ctx context.Context) {
	hb := model.HeartbeatRecord{
		Kind:      "heartbeat",
		Computer:  a.computer,
		Caps:      a.capabilities,
		Interests: a.interests,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := a.client.WriteHeartbeat(ctx, a.computer, hb); err != nil {
		a.logger.Printf("streamadapter: write heartbeat: %v", err)
	}
}

// runHeartbeatScanner periodically pulls every live heartbeat key into the
// peer registry and sweeps for expirations, republishing peer_seen and
// peer_lost onto the hub (spec.md §4.9). Since Redis key-TTL expiry has no
// push notification in this pack's usage, liveness is refreshed by
// polling, grounded on internal/peer.Registry's own Sweep doc comment.
func (a *Adapter) runHeartbeatScanner(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scanHeartbeatsOnce(ctx)
		}
	}
}

func (a *Adapter) scanHeartbeatsOnce(ctx context.Context) {
	records, err := a.client.ScanHeartbeats(ctx)
	if err != nil {
		a.logger.Printf("streamadapter: scan heartbeats: %v", err)
		return
	}
	for _, hb := range records {
		a.peers.Upsert(hb)
	}
	a.peers.Sweep()
}
