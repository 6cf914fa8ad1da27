package poll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/InstruktAI/teleclaude/internal/hub"
	"github.com/InstruktAI/teleclaude/internal/model"
)

type fakeBridge struct {
	mu     sync.Mutex
	chunks [][]byte
	cursor int
	err    error
}

func (f *fakeBridge) push(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, data)
}

func (f *fakeBridge) ReadSince(ctx context.Context, h model.TerminalHandle, cursor int) ([]byte, int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, cursor, false, f.err
	}
	if len(f.chunks) == 0 {
		return nil, cursor, false, nil
	}
	next := f.chunks[0]
	f.chunks = f.chunks[1:]
	return next, cursor + len(next), false, nil
}

func TestSummarizeTakesLastNonEmptyLine(t *testing.T) {
	got := summarize([]byte("first line\n\n  second line  \n"), 120)
	if got != "second line" {
		t.Errorf("summarize = %q, want %q", got, "second line")
	}
}

func TestSummarizeStripsANSIAndTruncatesWidth(t *testing.T) {
	got := summarize([]byte("\x1b[31mhello world\x1b[0m"), 5)
	if got != "hello" {
		t.Errorf("summarize = %q, want %q", got, "hello")
	}
}

func TestDetectToolMarkersEmitsUseThenDone(t *testing.T) {
	h := hub.New(nil)
	var events []hub.Name
	var mu sync.Mutex
	h.Subscribe(hub.AgentToolUse, func(e hub.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Name)
		return nil
	})
	h.Subscribe(hub.AgentToolDone, func(e hub.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Name)
		return nil
	})

	c := New(nil, h)
	state := &sessionState{lastActivity: time.Now()}

	c.detectToolMarkers("sess-1", state, []byte("Running: search\n"))
	if !state.inToolUse {
		t.Fatal("expected inToolUse=true after a tool marker line")
	}
	c.detectToolMarkers("sess-1", state, []byte("some output\n>\n"))
	if state.inToolUse {
		t.Error("expected inToolUse=false after a prompt marker line")
	}

	h.PublishAndWait(hub.Event{}) // drain any stragglers
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != hub.AgentToolUse || events[1] != hub.AgentToolDone {
		t.Errorf("events = %v, want [agent_tool_use, agent_tool_done]", events)
	}
}

func TestTickEmitsOutputUpdatedOnDiff(t *testing.T) {
	h := hub.New(nil)
	received := make(chan OutputUpdate, 1)
	h.Subscribe(hub.OutputUpdated, func(e hub.Event) error {
		received <- e.Data.(OutputUpdate)
		return nil
	})

	fb := &fakeBridge{}
	fb.push([]byte("hello\n"))

	c := New(fb, h)
	state := &sessionState{lastActivity: time.Now()}
	c.tick(context.Background(), "sess-1", state)

	select {
	case update := <-received:
		if update.Summary != "hello" {
			t.Errorf("Summary = %q, want hello", update.Summary)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an output_updated event")
	}
}

func TestTickEmitsIdleAfterThreshold(t *testing.T) {
	h := hub.New(nil)
	idleCh := make(chan struct{}, 1)
	h.Subscribe(hub.AgentIdle, func(e hub.Event) error {
		idleCh <- struct{}{}
		return nil
	})

	fb := &fakeBridge{}
	c := New(fb, h)
	state := &sessionState{lastActivity: time.Now().Add(-2 * IdleThreshold)}
	c.tick(context.Background(), "sess-1", state)

	select {
	case <-idleCh:
	case <-time.After(time.Second):
		t.Fatal("expected an agent_idle event once the threshold has passed")
	}
	if !state.idleEmitted {
		t.Error("expected idleEmitted=true")
	}

	// A second tick with still no bytes must not re-emit.
	c.tick(context.Background(), "sess-1", state)
	select {
	case <-idleCh:
		t.Fatal("agent_idle re-fired; it must only fire once until activity resumes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartStopPollingIsIdempotentAndCancellable(t *testing.T) {
	h := hub.New(nil)
	fb := &fakeBridge{}
	c := New(fb, h)

	ctx := context.Background()
	c.StartPolling(ctx, "sess-1", model.TerminalHandle("sess-1"))
	c.StartPolling(ctx, "sess-1", model.TerminalHandle("sess-1")) // no-op, must not start a second poller

	c.mu.Lock()
	n := len(c.sessions)
	c.mu.Unlock()
	if n != 1 {
		t.Errorf("len(sessions) = %d, want 1", n)
	}

	c.StopPolling("sess-1")
	c.mu.Lock()
	n = len(c.sessions)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("len(sessions) = %d, want 0 after StopPolling", n)
	}

	c.StopPolling("sess-1") // idempotent
}
