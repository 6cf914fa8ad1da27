// Package toolsurface implements the Agent Tool Surface (spec.md §4.7): the
// RPC contract every adapter and colocated tool drives sessions through,
// plus the interest-window semantics that bound a synchronous streaming
// wait instead of holding it open indefinitely.
package toolsurface

import (
	"context"
	"fmt"
	"time"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/model"
)

// Origin identifies who is making an RPC call, per spec.md §4.7's
// permission model. The gating decision is made by the daemon from
// session records, never trusted from the caller beyond this tag.
type Origin string

const (
	OriginLocalTUI      Origin = "local_tui"
	OriginChatUser      Origin = "chat_user"
	OriginAgentOfSession Origin = "agent_of_session"
)

// ComputerInfo is the list_computers() result row.
type ComputerInfo struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	LastSeenAt   int64    `json:"last_seen_at"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ProjectInfo is the list_projects(computer) result row.
type ProjectInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// StartSessionArgs is the start_session() request body.
type StartSessionArgs struct {
	Computer        string `json:"computer"`
	ProjectPath     string `json:"project_path"`
	Agent           string `json:"agent"`
	ThinkingMode    string `json:"thinking_mode,omitempty"`
	Title           string `json:"title,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
}

// SessionStatusResult is the get_session_status() result body.
type SessionStatusResult struct {
	Status       model.SessionStatus `json:"status"`
	NewOutput    []model.OutputChunk `json:"new_output"`
	NextSequence int64               `json:"next_sequence"`
}

// Caller carries the identity attached to an RPC call: its origin and,
// when the caller is itself a session (an agent delegating further), the
// calling session's ID — needed for "end-session-not-yours" gating.
type Caller struct {
	Origin          Origin
	CallerSessionID string
}

// Backend is the set of session operations the tool surface dispatches
// into. Declared here (consumer side) rather than depending on
// internal/lifecycle, internal/session, and internal/peer concretely, so
// tests substitute a fake instead of wiring the full daemon.
type Backend interface {
	ListComputers(ctx context.Context) ([]ComputerInfo, error)
	ListProjects(ctx context.Context, computer string) ([]ProjectInfo, error)
	ListSessions(ctx context.Context, filter model.Filter) ([]model.SessionSummary, error)
	StartSession(ctx context.Context, args StartSessionArgs, caller Caller) (sessionID string, err error)
	SendMessage(ctx context.Context, sessionID, message string) (<-chan model.OutputChunk, error)
	SessionOwner(ctx context.Context, sessionID string) (string, error) // initiator session id, or "" for a human-owned session
	GetSessionStatus(ctx context.Context, sessionID string, sinceSequence int64) (SessionStatusResult, error)
	EndSession(ctx context.Context, sessionID string) error
	ObserveSession(ctx context.Context, sessionID string, fromSequence int64) (<-chan model.OutputChunk, error)
}

// DefaultInterestWindowSeconds is send_message's default per spec.md §4.7.
const DefaultInterestWindowSeconds = 15

// clock abstracts time.After so interest-window timing is deterministic in
// tests — a real clock in production, a fast fake in tests.
type clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Surface dispatches the eight spec.md §4.7 operations and enforces the
// origin-based permission gates.
type Surface struct {
	backend Backend
	clock   clock
	errors  *ErrorBudget
}

// New constructs a Surface backed by b.
func New(b Backend) *Surface {
	return &Surface{backend: b, clock: realClock{}, errors: NewErrorBudget()}
}

// errorChunks renders err as a single-element output-chunk slice (spec.md
// §7 "errors render uniformly"), suppressed once sessionID has exhausted
// its error budget for the current window — this is the one place
// send_message/observe_session turn a backend failure into the same
// kind:"error" chunk shape every adapter surface (tool socket, chat,
// WebSocket observer) renders.
func (s *Surface) errorChunks(sessionID string, err error) []model.OutputChunk {
	if !s.errors.Allow(sessionID) {
		return nil
	}
	kind, ok := errs.KindOf(err)
	if !ok {
		kind = errs.InternalInvariant
	}
	return []model.OutputChunk{model.NewErrorChunk(sessionID, string(kind), err.Error())}
}

func (s *Surface) ListComputers(ctx context.Context) ([]ComputerInfo, error) {
	return s.backend.ListComputers(ctx)
}

func (s *Surface) ListProjects(ctx context.Context, computer string) ([]ProjectInfo, error) {
	return s.backend.ListProjects(ctx, computer)
}

func (s *Surface) ListSessions(ctx context.Context, filter model.Filter) ([]model.SessionSummary, error) {
	return s.backend.ListSessions(ctx, filter)
}

func (s *Surface) StartSession(ctx context.Context, args StartSessionArgs, caller Caller) (string, error) {
	return s.backend.StartSession(ctx, args, caller)
}

// SendMessage delivers message to sessionID and collects the output
// stream for up to windowSeconds (spec.md §4.7's interest window). When
// the window elapses the result ends with a sentinel
// interest_window_closed chunk; when the backend closes the stream first,
// the result carries no sentinel.
func (s *Surface) SendMessage(ctx context.Context, sessionID, message string, windowSeconds int) ([]model.OutputChunk, error) {
	if windowSeconds <= 0 {
		windowSeconds = DefaultInterestWindowSeconds
	}
	chunks, err := s.backend.SendMessage(ctx, sessionID, message)
	if err != nil {
		return s.errorChunks(sessionID, err), err
	}
	return collectWithInterestWindow(ctx, chunks, time.Duration(windowSeconds)*time.Second, s.clock), nil
}

func (s *Surface) GetSessionStatus(ctx context.Context, sessionID string, sinceSequence int64) (SessionStatusResult, error) {
	return s.backend.GetSessionStatus(ctx, sessionID, sinceSequence)
}

// EndSession checks ownership only for OriginAgentOfSession callers: such
// a caller may end only a session it owns, per the session record's
// initiator. local_tui and chat_user calls skip the check.
func (s *Surface) EndSession(ctx context.Context, sessionID string, caller Caller) error {
	if caller.Origin == OriginAgentOfSession {
		owner, err := s.backend.SessionOwner(ctx, sessionID)
		if err != nil {
			return err
		}
		if owner != caller.CallerSessionID {
			return errs.New(errs.PermissionDenied, fmt.Sprintf("session %s is not owned by caller %s", sessionID, caller.CallerSessionID))
		}
	}
	return s.backend.EndSession(ctx, sessionID)
}

// ObserveSession streams chunks from fromSequence, bounded by
// windowSeconds; 0 means wait forever (spec.md §4.7's default for
// observe_session, as opposed to send_message's 15s default).
func (s *Surface) ObserveSession(ctx context.Context, sessionID string, fromSequence int64, windowSeconds int) ([]model.OutputChunk, error) {
	chunks, err := s.backend.ObserveSession(ctx, sessionID, fromSequence)
	if err != nil {
		return s.errorChunks(sessionID, err), err
	}
	if windowSeconds <= 0 {
		return drainUntilClosed(ctx, chunks), nil
	}
	return collectWithInterestWindow(ctx, chunks, time.Duration(windowSeconds)*time.Second, s.clock), nil
}

// collectWithInterestWindow reads from chunks until either the channel
// closes or window elapses, appending a sentinel interest_window_closed
// chunk in the latter case. This is the pure core of the interest-window
// design decision (spec.md §4.7): it never touches a socket or a real
// session, so it is directly unit-testable with a fake clock.
func collectWithInterestWindow(ctx context.Context, chunks <-chan model.OutputChunk, window time.Duration, clk clock) []model.OutputChunk {
	timer := clk.After(window)
	var collected []model.OutputChunk
	var lastSeq int64
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return collected
			}
			collected = append(collected, c)
			lastSeq = c.Sequence
		case <-timer:
			collected = append(collected, model.OutputChunk{
				Kind:      "output",
				ChunkKind: model.ChunkInterestWindowClosed,
				Sequence:  lastSeq,
			})
			return collected
		case <-ctx.Done():
			return collected
		}
	}
}

func drainUntilClosed(ctx context.Context, chunks <-chan model.OutputChunk) []model.OutputChunk {
	var collected []model.OutputChunk
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return collected
			}
			collected = append(collected, c)
		case <-ctx.Done():
			return collected
		}
	}
}
