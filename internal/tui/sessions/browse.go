// Package sessions implements the session browser TUI launched by
// `teleclaude sessions`: a scrollable list of sessions backed by the
// Agent Tool Surface (driven over internal/toolclient rather than a local
// session.Store), with an attach view that streams a selected session's
// output live. A cursor-list-plus-inspector shape, a bubbles/textinput
// search box, and lipgloss row styling back attach/message/end actions
// against a running daemon.
package sessions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"

	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/toolclient"
)

// attachInterestWindowSeconds bounds how long each observe_session long
// poll may block before the model re-issues it, so a quit/esc keypress is
// never stuck behind an indefinite wait.
const attachInterestWindowSeconds = 10

// refreshMsg triggers a session list reload.
type refreshMsg struct{}

// sessionsLoadedMsg carries the outcome of a list_sessions call.
type sessionsLoadedMsg struct {
	sessions []model.SessionSummary
	err      error
}

// chunksMsg carries output chunks observed for a session, or the error
// from the observe_session call that produced them.
type chunksMsg struct {
	sessionID string
	chunks    []model.OutputChunk
	err       error
}

// actionDoneMsg carries the outcome of a send_message or end_session
// call issued from the attach view.
type actionDoneMsg struct {
	sessionID string
	chunks    []model.OutputChunk
	ended     bool
	err       error
}

// Model is the sessions browser model.
type Model struct {
	width  int
	height int

	client *toolclient.Client

	allSessions []model.SessionSummary // full set from the last list_sessions call
	sessions    []model.SessionSummary // allSessions after sortAndFilter
	cursor      int
	err         error

	searching   bool
	searchInput textinput.Model
	searchQuery string

	attached     bool
	attachID     string
	attachBuf    strings.Builder
	attachCursor int64
	attachEnded  bool

	messaging    bool
	messageInput textinput.Model

	keyMap KeyMap
}

// New constructs a sessions browser model driving client.
func New(client *toolclient.Client, width, height int) *Model {
	search := textinput.New()
	search.Placeholder = "filter by computer/project/agent..."
	search.CharLimit = 100
	search.Width = 40

	msg := textinput.New()
	msg.Placeholder = "message..."
	msg.CharLimit = 2000
	msg.Width = 60

	return &Model{
		width:        width,
		height:       height,
		client:       client,
		searchInput:  search,
		messageInput: msg,
		keyMap:       DefaultKeyMap(),
	}
}

func (m *Model) Init() tea.Cmd {
	return m.refresh
}

func (m *Model) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions, err := m.client.ListSessions(ctx, model.Filter{})
	return sessionsLoadedMsg{sessions: sessions, err: err}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case refreshMsg:
		return m, m.refresh

	case sessionsLoadedMsg:
		m.err = msg.err
		if msg.err == nil {
			m.allSessions = msg.sessions
			m.sortAndFilter()
			if m.cursor >= len(m.sessions) && len(m.sessions) > 0 {
				m.cursor = len(m.sessions) - 1
			}
		}
		return m, nil

	case chunksMsg:
		if !m.attached || msg.sessionID != m.attachID {
			return m, nil
		}
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		for _, c := range msg.chunks {
			m.appendChunk(c)
		}
		if m.attachEnded {
			return m, nil
		}
		return m, m.observeCmd(m.attachID, m.attachCursor)

	case actionDoneMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		if msg.ended {
			m.attached = false
			return m, m.refresh
		}
		for _, c := range msg.chunks {
			m.appendChunk(c)
		}
		return m, nil
	}

	return m, nil
}

func (m *Model) appendChunk(c model.OutputChunk) {
	if c.Sequence >= m.attachCursor {
		m.attachCursor = c.Sequence + 1
	}
	switch c.ChunkKind {
	case model.ChunkAgentStop:
		m.attachEnded = true
		m.attachBuf.WriteString("\n[session ended]\n")
	case model.ChunkInterestWindowClosed:
		// no new output this window; nothing to render
	default:
		if c.Payload != "" {
			m.attachBuf.WriteString(c.Payload)
		}
	}
}

func (m *Model) observeCmd(sessionID string, from int64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(attachInterestWindowSeconds+5)*time.Second)
		defer cancel()
		chunks, err := m.client.ObserveSession(ctx, sessionID, from, attachInterestWindowSeconds)
		return chunksMsg{sessionID: sessionID, chunks: chunks, err: err}
	}
}

func (m *Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.messaging {
		switch msg.String() {
		case "enter":
			text := m.messageInput.Value()
			m.messageInput.SetValue("")
			m.messaging = false
			if text == "" {
				return m, nil
			}
			return m, m.sendMessageCmd(m.attachID, text)
		case "esc":
			m.messaging = false
			m.messageInput.SetValue("")
			return m, nil
		}
		var cmd tea.Cmd
		m.messageInput, cmd = m.messageInput.Update(msg)
		return m, cmd
	}

	if m.attached {
		switch msg.String() {
		case "esc", "q":
			m.attached = false
			m.attachBuf.Reset()
			return m, m.refresh
		case "m":
			if !m.attachEnded {
				m.messaging = true
				m.messageInput.Focus()
			}
			return m, nil
		case "x":
			return m, m.endSessionCmd(m.attachID)
		}
		return m, nil
	}

	if m.searching {
		switch msg.String() {
		case "enter":
			m.searching = false
			m.searchQuery = m.searchInput.Value()
			m.sortAndFilter()
			return m, nil
		case "esc":
			m.searching = false
			m.searchInput.SetValue(m.searchQuery)
			return m, nil
		}
		var cmd tea.Cmd
		m.searchInput, cmd = m.searchInput.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keyMap.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keyMap.Up):
		m.moveCursor(-1)
	case key.Matches(msg, m.keyMap.Down):
		m.moveCursor(1)
	case key.Matches(msg, m.keyMap.PageUp):
		m.moveCursor(-m.viewportHeight())
	case key.Matches(msg, m.keyMap.PageDown):
		m.moveCursor(m.viewportHeight())
	case key.Matches(msg, m.keyMap.GoToTop):
		m.cursor = 0
	case key.Matches(msg, m.keyMap.GoToBottom):
		if len(m.sessions) > 0 {
			m.cursor = len(m.sessions) - 1
		}
	case key.Matches(msg, m.keyMap.Attach):
		if sel, ok := m.selected(); ok {
			m.attached = true
			m.attachID = sel.ID
			m.attachCursor = 0
			m.attachEnded = false
			m.attachBuf.Reset()
			return m, m.observeCmd(sel.ID, 0)
		}
	case key.Matches(msg, m.keyMap.End):
		if sel, ok := m.selected(); ok {
			return m, m.endSessionCmd(sel.ID)
		}
	case key.Matches(msg, m.keyMap.Search):
		m.searching = true
		m.searchInput.Focus()
	case key.Matches(msg, m.keyMap.Refresh):
		return m, m.refresh
	}

	return m, nil
}

func (m *Model) sendMessageCmd(sessionID, text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		chunks, err := m.client.SendMessage(ctx, sessionID, text, 5)
		return actionDoneMsg{sessionID: sessionID, chunks: chunks, err: err}
	}
}

func (m *Model) endSessionCmd(sessionID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := m.client.EndSession(ctx, sessionID)
		return actionDoneMsg{sessionID: sessionID, ended: true, err: err}
	}
}

func (m *Model) selected() (model.SessionSummary, bool) {
	if len(m.sessions) == 0 || m.cursor >= len(m.sessions) {
		return model.SessionSummary{}, false
	}
	return m.sessions[m.cursor], true
}

func (m *Model) moveCursor(delta int) {
	m.cursor += delta
	if m.cursor < 0 {
		m.cursor = 0
	}
	if m.cursor >= len(m.sessions) && len(m.sessions) > 0 {
		m.cursor = len(m.sessions) - 1
	}
}

func (m *Model) viewportHeight() int {
	if h := m.height - 5; h > 1 {
		return h
	}
	return 1
}

// sessionSearchSource implements fuzzy.Source over a session list's
// searchable text.
type sessionSearchSource []model.SessionSummary

func (s sessionSearchSource) String(i int) string {
	return s[i].Computer + " " + s[i].ProjectPath + " " + s[i].Agent + " " + s[i].Title
}

func (s sessionSearchSource) Len() int {
	return len(s)
}

// sortAndFilter derives m.sessions from m.allSessions: a fuzzy.FindFrom
// match against m.searchQuery over computer/project/agent/title, then a
// recency sort.
func (m *Model) sortAndFilter() {
	all := m.allSessions
	if m.searchQuery != "" {
		matches := fuzzy.FindFrom(m.searchQuery, sessionSearchSource(all))
		filtered := make([]model.SessionSummary, 0, len(matches))
		for _, match := range matches {
			filtered = append(filtered, all[match.Index])
		}
		all = filtered
	} else {
		all = append([]model.SessionSummary(nil), all...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastActivityAt.After(all[j].LastActivityAt)
	})
	m.sessions = all
}

func (m *Model) View() string {
	if m.attached {
		return m.renderAttach()
	}
	return m.renderList()
}

func (m *Model) renderList() string {
	var b strings.Builder

	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1).Width(m.width)
	b.WriteString(headerStyle.Render(fmt.Sprintf("teleclaude sessions [%d]", len(m.sessions))))
	b.WriteString("\n")

	filterStyle := lipgloss.NewStyle().Faint(true)
	if m.searching {
		b.WriteString(filterStyle.Render("filter: " + m.searchInput.View()))
	} else if m.searchQuery != "" {
		b.WriteString(filterStyle.Render("filter: " + m.searchQuery))
	} else {
		b.WriteString(filterStyle.Render("filter: (none, press / to set)"))
	}
	b.WriteString("\n")

	selectedStyle := lipgloss.NewStyle().Bold(true).Reverse(true)

	vpHeight := m.viewportHeight()
	start := 0
	if m.cursor >= vpHeight {
		start = m.cursor - vpHeight + 1
	}
	end := start + vpHeight
	if end > len(m.sessions) {
		end = len(m.sessions)
	}

	for i := start; i < end; i++ {
		s := m.sessions[i]
		age := formatRelativeTime(s.LastActivityAt)
		row := fmt.Sprintf("%-16s %-10s %-8s %-8s %-30s %s",
			s.Computer, s.Agent, s.Status, s.Role, truncate(s.ProjectPath, 30), age)
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		line := cursor + row
		if i == m.cursor {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(line)
		}
		b.WriteString("\n")
	}

	b.WriteString(strings.Repeat("-", m.width))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render("error: " + m.err.Error()))
	} else {
		b.WriteString(lipgloss.NewStyle().Faint(true).Render("[enter] attach  [x] end  [/] filter  [r] refresh  [q] quit"))
	}
	return b.String()
}

func (m *Model) renderAttach() string {
	var b strings.Builder
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1).Width(m.width)
	b.WriteString(headerStyle.Render("attached: " + m.attachID))
	b.WriteString("\n")

	body := m.attachBuf.String()
	lines := strings.Split(body, "\n")
	vpHeight := m.viewportHeight()
	if len(lines) > vpHeight {
		lines = lines[len(lines)-vpHeight:]
	}
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n")

	b.WriteString(strings.Repeat("-", m.width))
	b.WriteString("\n")
	if m.messaging {
		b.WriteString("message: " + m.messageInput.View())
	} else if m.err != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render("error: " + m.err.Error()))
	} else {
		b.WriteString(lipgloss.NewStyle().Faint(true).Render("[m] message  [x] end  [esc] back"))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	dur := time.Since(t)
	switch {
	case dur < time.Minute:
		return "now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh", int(dur.Hours()))
	default:
		return fmt.Sprintf("%dd", int(dur.Hours()/24))
	}
}
