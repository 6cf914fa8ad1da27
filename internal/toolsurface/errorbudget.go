package toolsurface

import (
	"sync"
	"time"
)

// errorWindow and errorBudgetPerWindow bound how many error chunks a
// single session may emit per window (spec.md §7's bounded error-storm
// suppression, ≈10/session/min). A plain per-session counter covers this;
// golang.org/x/time's rate limiter was dropped elsewhere in this module
// for lack of any other caller (see DESIGN.md) and isn't needed here
// either — a fixed window reset is all the spec asks for.
const (
	errorWindow          = time.Minute
	errorBudgetPerWindow = 10
)

type errorWindowState struct {
	start time.Time
	count int
}

// ErrorBudget tracks, per session, how many error chunks have been
// emitted within the current errorWindow.
type ErrorBudget struct {
	mu      sync.Mutex
	windows map[string]*errorWindowState
}

// NewErrorBudget constructs an empty ErrorBudget.
func NewErrorBudget() *ErrorBudget {
	return &ErrorBudget{windows: make(map[string]*errorWindowState)}
}

// Allow reports whether sessionID may emit one more error chunk right
// now, counting it against the window if so. A session that has already
// hit errorBudgetPerWindow within the current window is refused until the
// window rolls over.
func (b *ErrorBudget) Allow(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	st, ok := b.windows[sessionID]
	if !ok || now.Sub(st.start) >= errorWindow {
		st = &errorWindowState{start: now}
		b.windows[sessionID] = st
	}
	if st.count >= errorBudgetPerWindow {
		return false
	}
	st.count++
	return true
}
