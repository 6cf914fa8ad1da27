// Package model holds the daemon's shared data-model types: the plain
// struct definitions and pure validation helpers used by every other
// component. Factoring these into one leaf package avoids the import
// cycles that would otherwise exist between the session store, the event
// hub, and the remote execution protocol.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns a new globally-unique session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewCorrelationID returns a new correlation identifier for a cross-node
// command envelope.
func NewCorrelationID() string {
	return uuid.NewString()
}

// ComputerStatus is the liveness of a node as seen by the local peer
// registry.
type ComputerStatus string

const (
	ComputerOnline  ComputerStatus = "online"
	ComputerOffline ComputerStatus = "offline"
)

// Computer is a node on the mesh, identified by a stable name. It is
// created the first time its heartbeat is observed and is never deleted
// (it may become offline).
type Computer struct {
	Name         string         `json:"name"`
	IsLocal      bool           `json:"is_local"`
	Status       ComputerStatus `json:"status"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Interests    []string       `json:"interests,omitempty"`
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionStarting   SessionStatus = "starting"
	SessionRunning    SessionStatus = "running"
	SessionHeadless   SessionStatus = "headless"
	SessionTerminated SessionStatus = "terminated"
)

// SessionRole distinguishes who is driving a session.
type SessionRole string

const (
	RoleHuman    SessionRole = "human"
	RoleAIOrigin SessionRole = "ai_origin"
	RoleAIWorker SessionRole = "ai_worker"
)

// legalTransitions enumerates the state-machine edges from spec §4.4.
// terminated has no outgoing edges: it is the sole terminal state.
var legalTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionStarting: {SessionRunning: true, SessionTerminated: true},
	SessionRunning:  {SessionHeadless: true, SessionTerminated: true},
	SessionHeadless: {SessionRunning: true, SessionTerminated: true},
}

// CanTransition reports whether moving a session from `from` to `to` is a
// legal state-machine edge. A session that has reached terminated never
// returns to any other state (testable property #8).
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	if from == SessionTerminated {
		return false
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Session is one logical terminal conversation, owned by exactly one
// computer at a time. A session on a remote computer has no local
// terminal bridge; it is a mirror record updated by observed events.
type Session struct {
	ID                  string            `json:"session_id"`
	Computer            string            `json:"computer"`
	ProjectPath         string            `json:"project_path"`
	Agent               string            `json:"agent"`
	ThinkingMode        string            `json:"thinking_mode,omitempty"`
	Status              SessionStatus     `json:"status"`
	Role                SessionRole       `json:"role"`
	InitiatorSessionID  string            `json:"initiator_session_id,omitempty"`
	HumanIdentity       string            `json:"human_identity,omitempty"`
	Title               string            `json:"title,omitempty"`
	OriginAdapter       string            `json:"origin_adapter"`
	AdapterMetadata     map[string]string `json:"adapter_metadata,omitempty"` // adapter name -> JSON blob
	LastOutputSummary   string            `json:"last_output_summary,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	LastActivityAt      time.Time         `json:"last_activity_at"`
	TerminatedAt        *time.Time        `json:"terminated_at,omitempty"`
}

// SessionSummary is a lightweight view of a Session for listing and for
// the activity cache.
type SessionSummary struct {
	ID              string        `json:"session_id"`
	Computer        string        `json:"computer"`
	ProjectPath     string        `json:"project_path"`
	Agent           string        `json:"agent"`
	Status          SessionStatus `json:"status"`
	Role            SessionRole   `json:"role"`
	Title           string        `json:"title,omitempty"`
	LastSummary     string        `json:"last_summary,omitempty"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
}

// Filter narrows session queries. Zero-value fields are unconstrained.
type Filter struct {
	Computer string
	Status   SessionStatus
	Role     SessionRole
	Agent    string
}

// TerminalHandle is an opaque reference to a live multiplexer session,
// owned exclusively by the Session record on the local node.
type TerminalHandle string

// PeerInterestAdvertisement is the interest set carried in each heartbeat.
// It determines whether a publishing node forwards session events to the
// advertising peer.
type PeerInterestAdvertisement struct {
	Computer  string    `json:"computer"`
	Interests []string  `json:"interests"`
	At        time.Time `json:"at"`
}

// HasInterest reports whether the advertisement includes the given topic.
func (p PeerInterestAdvertisement) HasInterest(topic string) bool {
	for _, i := range p.Interests {
		if i == topic {
			return true
		}
	}
	return false
}

// CommandName enumerates the cross-node command envelope's command field.
type CommandName string

const (
	CmdStartSession  CommandName = "start_session"
	CmdSendMessage   CommandName = "send_message"
	CmdEndSession    CommandName = "end_session"
	CmdListSessions  CommandName = "list_sessions"
	CmdSessionStatus CommandName = "get_session_status"
)

// CommandEnvelope is the cross-node wire request. The receiver dedups by
// CorrelationID if the inbox stream is re-read, which makes delivery
// safely at-least-once.
type CommandEnvelope struct {
	Kind          string         `json:"kind"` // always "command"
	ID            string         `json:"id"`
	TargetComputer string        `json:"target"`
	Command       CommandName    `json:"command"`
	Args          map[string]any `json:"args"`
	ReplyStream   string         `json:"reply_stream"`
	CorrelationID string         `json:"correlation_id"`
	Origin        string         `json:"origin"`
	Timestamp     int64          `json:"ts"` // monotonic node time, milliseconds
}

// OutputChunkKind classifies an Output Chunk's payload.
type OutputChunkKind string

const (
	ChunkData               OutputChunkKind = "chunk"
	ChunkToolUse             OutputChunkKind = "tool_use"
	ChunkToolDone            OutputChunkKind = "tool_done"
	ChunkAgentStop           OutputChunkKind = "agent_stop"
	ChunkAgentNotification   OutputChunkKind = "agent_notification"
	ChunkError               OutputChunkKind = "error"
	ChunkInterestWindowClosed OutputChunkKind = "interest_window_closed"
	ChunkOutputTruncated     OutputChunkKind = "output_truncated"
)

// OutputChunk is the cross-node wire entry appended to a session's output
// stream. Sequence increases monotonically within that stream, by
// construction of the single writer (the owning node).
type OutputChunk struct {
	Kind          string          `json:"kind"` // always "output"
	SessionID     string          `json:"session_id"`
	Sequence      int64           `json:"sequence"`
	ChunkKind     OutputChunkKind `json:"chunk_kind"`
	Payload       string          `json:"payload"`
	Origin        string          `json:"origin"`
	Timestamp     int64           `json:"ts"` // monotonic node time, milliseconds
}

// HeartbeatRecord is the short-lived stream-store key a node writes at a
// fixed cadence, TTL approximately 60 seconds.
type HeartbeatRecord struct {
	Kind      string   `json:"kind"` // always "heartbeat"
	Computer  string   `json:"computer"`
	Caps      []string `json:"caps,omitempty"`
	Interests []string `json:"interests,omitempty"`
	Timestamp int64    `json:"ts"` // monotonic node time, milliseconds
}

// NewErrorChunk builds the uniform error rendering every adapter surface
// uses for a failed operation (spec.md §7 "errors render uniformly"):
// kind is an errs.Kind string, kept here as a plain string rather than
// the errs.Kind type itself so this leaf package never needs to import
// internal/errs.
func NewErrorChunk(sessionID, kind, message string) OutputChunk {
	return OutputChunk{
		Kind:      "output",
		SessionID: sessionID,
		ChunkKind: ChunkError,
		Payload:   kind + ": " + message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ActivityCacheEntry is the in-memory, per-node snapshot of a session's
// last known summary, used by the activity cache (§3 "Activity Cache
// Entry"). Readers receive a stable copy; writers notify subscribers on
// change outside of any lock.
type ActivityCacheEntry struct {
	Summary   SessionSummary
	UpdatedAt time.Time
}
