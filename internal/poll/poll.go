// Package poll implements the Polling Coordinator (spec.md §4.5): one
// ticker per local session, reading the terminal bridge, diffing against
// the last emitted chunk, and emitting hub events for new output and for
// agent-tool-use heuristics detected in the raw pane text.
package poll

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/InstruktAI/teleclaude/internal/hub"
	"github.com/InstruktAI/teleclaude/internal/model"
)

// Tick is the fixed poll interval (spec.md §4.5 "≈10 Hz").
const Tick = 100 * time.Millisecond

// IdleThreshold is how long a session must produce no new bytes before a
// single agent_idle event fires.
const IdleThreshold = 30 * time.Second

// TerminalWidth bounds the line width used to collapse control
// characters when computing the output summary.
const TerminalWidth = 120

// Bridge is the slice of internal/bridge.Bridge the poller needs.
type Bridge interface {
	ReadSince(ctx context.Context, h model.TerminalHandle, cursor int) (data []byte, newCursor int, truncated bool, err error)
}

// toolMarker matches a line an interactive CLI prints when invoking a
// tool. The terminal bridge only sees raw pane bytes, not structured
// NDJSON (the CLI is opaque per spec.md §1), so this is a best-effort
// line-oriented heuristic, weaker than structured event parsing — grounded
// on the shape of tool-use lines seen in wingedpig-trellis's NDJSON
// StreamEvent handling, adapted to plain-text markers since there is no
// structured stream here.
var toolMarker = regexp.MustCompile(`(?m)^\s*(Running|Tool:|⏺)\s`)

// promptMarker matches a line suggesting the CLI has returned to an idle
// prompt, used as the tool_done signal following a tool_use hint.
var promptMarker = regexp.MustCompile(`(?m)^\s*>\s*$`)

// sessionState is the poller's per-session bookkeeping.
type sessionState struct {
	handle       model.TerminalHandle
	cursor       int
	lastSummary  string
	lastActivity time.Time
	idleEmitted  bool
	inToolUse    bool
	cancel       context.CancelFunc
}

// Coordinator runs one goroutine per local session, polling the bridge at
// Tick and emitting hub events for diffs and tool-use heuristics.
type Coordinator struct {
	bridge Bridge
	hub    *hub.Hub

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New constructs a Coordinator.
func New(bridge Bridge, h *hub.Hub) *Coordinator {
	return &Coordinator{bridge: bridge, hub: h, sessions: make(map[string]*sessionState)}
}

// StartPolling begins polling sessionID via handle. Calling it twice for
// the same session_id is a no-op: the existing poller keeps running.
func (c *Coordinator) StartPolling(ctx context.Context, sessionID string, handle model.TerminalHandle) {
	c.mu.Lock()
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	state := &sessionState{handle: handle, lastActivity: time.Now(), cancel: cancel}
	c.sessions[sessionID] = state
	c.mu.Unlock()

	go c.run(pollCtx, sessionID, state)
}

// StopPolling cancels sessionID's poller, called exactly when the session
// transitions to terminated (spec.md §5 cancellation rules).
func (c *Coordinator) StopPolling(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	state.cancel()
	delete(c.sessions, sessionID)
}

func (c *Coordinator) run(ctx context.Context, sessionID string, state *sessionState) {
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, sessionID, state)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, sessionID string, state *sessionState) {
	data, newCursor, truncated, err := c.bridge.ReadSince(ctx, state.handle, state.cursor)
	if err != nil {
		return // bridge unreachable; this tick is skipped and the session's status is left unchanged
	}
	if truncated {
		c.hub.Publish(hub.Event{Name: hub.OutputTruncated, Data: sessionID})
	}
	state.cursor = newCursor

	if len(data) == 0 {
		c.maybeEmitIdle(sessionID, state)
		return
	}

	state.lastActivity = time.Now()
	state.idleEmitted = false

	summary := summarize(data, TerminalWidth)
	state.lastSummary = summary
	c.hub.Publish(hub.Event{Name: hub.OutputUpdated, Data: OutputUpdate{
		SessionID: sessionID,
		NewBytes:  data,
		Summary:   summary,
		Cursor:    newCursor,
	}})

	c.detectToolMarkers(sessionID, state, data)
}

// OutputUpdate is the payload of an output_updated event.
type OutputUpdate struct {
	SessionID string
	NewBytes  []byte
	Summary   string
	Cursor    int
}

func (c *Coordinator) maybeEmitIdle(sessionID string, state *sessionState) {
	if state.idleEmitted {
		return
	}
	if time.Since(state.lastActivity) >= IdleThreshold {
		state.idleEmitted = true
		c.hub.Publish(hub.Event{Name: hub.AgentIdle, Data: sessionID})
	}
}

func (c *Coordinator) detectToolMarkers(sessionID string, state *sessionState, data []byte) {
	text := string(data)
	if !state.inToolUse && toolMarker.MatchString(text) {
		state.inToolUse = true
		c.hub.Publish(hub.Event{Name: hub.AgentToolUse, Data: sessionID})
		return
	}
	if state.inToolUse && promptMarker.MatchString(text) {
		state.inToolUse = false
		c.hub.Publish(hub.Event{Name: hub.AgentToolDone, Data: sessionID})
	}
}

// summarize extracts a short tail summary from a diff: the last
// non-empty line, collapsed to width and with control characters
// stripped (spec.md §4.5 step 2).
func summarize(data []byte, width int) string {
	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(stripControl(string(lines[i])))
		if line == "" {
			continue
		}
		if len(line) > width {
			line = line[:width]
		}
		return line
	}
	return ""
}

// stripControl removes ANSI escape sequences and other non-printable
// control bytes, leaving plain text suitable for a short summary.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripControl(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	var b strings.Builder
	for _, r := range s {
		if r == '\t' {
			b.WriteRune(' ')
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
