// Package chatadapter implements the Telegram chat adapter (spec.md §6.2):
// the "origin adapter" for DM sessions, the global control topic's pinned
// roster message, and per-chat streaming output delivered as a single
// edited message that grows with agent output (spec.md Acceptance
// Scenario 1): allow-list gating, a per-chat session manager, and a
// ticker-driven edit loop wired onto the hub/lifecycle event model
// spec.md §4.3/§4.4 define.
package chatadapter

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/InstruktAI/teleclaude/internal/adapter"
	"github.com/InstruktAI/teleclaude/internal/config"
	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/hub"
	"github.com/InstruktAI/teleclaude/internal/identity"
	"github.com/InstruktAI/teleclaude/internal/lifecycle"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/peer"
	"github.com/InstruktAI/teleclaude/internal/poll"
	"github.com/InstruktAI/teleclaude/internal/toolsurface"
)

// telegramMaxMessageLen leaves margin under Telegram's 4096-char limit.
const telegramMaxMessageLen = 4000

// editInterval is how often a chat's growing message is re-sent via edit;
// overridden in tests via Adapter.editInterval.
const editInterval = 500 * time.Millisecond

// botSender is the subset of tgbotapi.BotAPI used here, so tests can
// supply a fake without a live connection.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// PeerLister is the slice of internal/peer.Registry the roster message
// needs. Declared consumer-side so tests fake it.
type PeerLister interface {
	ListOnline(withinLast time.Duration) []peer.Entry
}

// Coordinator is the slice of internal/lifecycle.Coordinator the adapter
// drives sessions through.
type Coordinator interface {
	CreateSession(ctx context.Context, req lifecycle.CreateRequest, lookup identity.InitiatorLookup) (*model.Session, error)
	WriteInput(ctx context.Context, sessionID string, data []byte) error
	EndSession(ctx context.Context, sessionID string) error
}

// chatState is one DM chat's session binding and growing-message cursor.
type chatState struct {
	mu         sync.Mutex
	sessionID  string
	buf        strings.Builder
	msgStart   int // byte offset where the current Telegram message begins
	msgID      int
	needNewMsg bool
	dirty      bool // true when buf has grown since the last flush

	done chan struct{} // closed once to stop the chat's edit-throttle loop
}

// Adapter implements adapter.Adapter for Telegram (spec.md §6.2).
// ui=true (a human observes it), remote_execution=false (chat never
// relays to another node directly — that is internal/streamadapter's
// job), discovery=true (it mirrors the stream-store roster into the
// pinned control-topic message).
type Adapter struct {
	bot          botSender
	cfg          config.TelegramServeConfig
	computerName string
	coord        Coordinator
	hub          *hub.Hub
	peers        PeerLister

	allowedUserIDs   map[int64]struct{}
	allowedUsernames map[string]struct{}

	controlChatID int64

	mu    sync.Mutex
	chats map[int64]*chatState // chat_id -> state
	bySession map[string]int64 // session_id -> chat_id, for hub fan-out

	sub    hub.Subscription
	subEnd hub.Subscription

	errorBudget *toolsurface.ErrorBudget

	editInterval time.Duration // 0 means use editInterval; overridden in tests
}

// New constructs a chat adapter. controlChatID is the supergroup's
// control topic chat ID for the pinned roster message; 0 disables it.
func New(bot botSender, cfg config.TelegramServeConfig, computerName string, coord Coordinator, h *hub.Hub, peers PeerLister, controlChatID int64) *Adapter {
	return &Adapter{
		bot:              bot,
		cfg:              cfg,
		computerName:     computerName,
		coord:            coord,
		hub:              h,
		peers:            peers,
		allowedUserIDs:   buildAllowedSet(cfg.AllowedUserIDs),
		allowedUsernames: buildAllowedUsernameSet(cfg.AllowedUsernames),
		controlChatID:    controlChatID,
		chats:            make(map[int64]*chatState),
		bySession:        make(map[string]int64),
		errorBudget:      toolsurface.NewErrorBudget(),
	}
}

func (a *Adapter) Name() string { return "chatadapter" }

func (a *Adapter) Capabilities() adapter.CapabilitySet {
	return adapter.NewCapabilitySet(adapter.UI, adapter.Discovery)
}

// Start subscribes to the hub for output fan-out; the actual Telegram
// update loop (bot.GetUpdatesChan) is driven by the caller's
// *tgbotapi.BotAPI outside this package, calling HandleMessage per
// update, since a long-poll loop needs a live bot connection this
// package's tests must not require.
func (a *Adapter) Start(ctx context.Context) error {
	a.sub = a.hub.Subscribe(hub.OutputUpdated, a.onOutputUpdated)
	a.subEnd = a.hub.Subscribe(hub.SessionTerminated, a.onSessionTerminated)
	return nil
}

// Stop unsubscribes from the hub and stops every chat's edit-throttle
// loop. Idempotent: a.chats is drained, so a second call finds nothing
// left to stop.
func (a *Adapter) Stop() error {
	a.hub.Unsubscribe(a.sub)
	a.hub.Unsubscribe(a.subEnd)

	a.mu.Lock()
	chats := a.chats
	a.chats = make(map[int64]*chatState)
	a.bySession = make(map[string]int64)
	a.mu.Unlock()

	for _, st := range chats {
		close(st.done)
	}
	return nil
}

func buildAllowedSet(ids []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func buildAllowedUsernameSet(names []string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, name := range names {
		m[strings.ToLower(name)] = struct{}{}
	}
	return m
}

// renderError surfaces err to chatID as a plain message, using the same
// kind:"error" rendering every other adapter surface builds via
// model.NewErrorChunk (spec.md §7 "errors render uniformly") — Telegram has
// no structured chunk frame, so the chunk's payload is sent as chat text.
// budgetKey bounds the per-chat error-storm rate the same way
// toolsurface.Surface bounds it per session.
func (a *Adapter) renderError(chatID int64, budgetKey string, err error) {
	if !a.errorBudget.Allow(budgetKey) {
		return
	}
	kind, ok := errs.KindOf(err)
	if !ok {
		kind = errs.InternalInvariant
	}
	chunk := model.NewErrorChunk("", string(kind), err.Error())
	_, _ = a.bot.Send(tgbotapi.NewMessage(chatID, "⚠ "+chunk.Payload))
}

func (a *Adapter) isAllowed(userID int64, username string) bool {
	if len(a.allowedUserIDs) == 0 && len(a.allowedUsernames) == 0 {
		return false
	}
	if _, ok := a.allowedUserIDs[userID]; ok {
		return true
	}
	if username != "" {
		_, ok := a.allowedUsernames[strings.ToLower(username)]
		return ok
	}
	return false
}

// HandleMessage processes one incoming DM (spec.md Acceptance Scenario 1
// and 5). Unknown users still get a session (help-desk path, restricted
// profile, per identity.Resolver rule 2); only the allow-list gates
// whether the bot replies at all — an unlisted user is simply ignored.
func (a *Adapter) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	if !a.isAllowed(msg.From.ID, msg.From.UserName) {
		return
	}
	chatID := msg.Chat.ID

	state, isNew, err := a.getOrCreateChat(ctx, chatID, msg.From.ID)
	if err != nil {
		log.Printf("[chatadapter] create session for chat %d: %v", chatID, err)
		a.renderError(chatID, strconv.FormatInt(chatID, 10), err)
		return
	}
	if isNew {
		placeholder, sendErr := a.bot.Send(tgbotapi.NewMessage(chatID, "…"))
		if sendErr == nil {
			state.mu.Lock()
			state.msgID = placeholder.MessageID
			state.mu.Unlock()
		}
	}

	if err := a.coord.WriteInput(ctx, state.sessionID, []byte(msg.Text+"\r")); err != nil {
		log.Printf("[chatadapter] write input for session %s: %v", state.sessionID, err)
		a.renderError(chatID, state.sessionID, err)
	}
}

func (a *Adapter) getOrCreateChat(ctx context.Context, chatID, userID int64) (*chatState, bool, error) {
	a.mu.Lock()
	if st, ok := a.chats[chatID]; ok {
		a.mu.Unlock()
		return st, false, nil
	}
	a.mu.Unlock()

	sess, err := a.coord.CreateSession(ctx, lifecycle.CreateRequest{
		Computer: a.computerName,
		Agent:    "claude",
		Identity: identity.Request{
			Origin:     identity.OriginChatAdapter,
			ChatUserID: strconv.FormatInt(userID, 10),
		},
	}, nil)
	if err != nil {
		return nil, false, err
	}

	st := &chatState{sessionID: sess.ID, done: make(chan struct{})}

	a.mu.Lock()
	if existing, ok := a.chats[chatID]; ok {
		a.mu.Unlock()
		return existing, false, nil
	}
	a.chats[chatID] = st
	a.bySession[sess.ID] = chatID
	a.mu.Unlock()

	go a.runFlushLoop(chatID, st)
	return st, true, nil
}

// runFlushLoop re-sends the chat's growing message at most once per
// editInterval, throttling Telegram edit calls — without it, output_updated
// events firing at the poller's 10Hz tick would hit Telegram's per-chat
// edit rate limit almost immediately.
func (a *Adapter) runFlushLoop(chatID int64, st *chatState) {
	interval := a.editInterval
	if interval <= 0 {
		interval = editInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			st.mu.Lock()
			if st.dirty {
				st.dirty = false
				a.flushLocked(chatID, st)
			}
			st.mu.Unlock()
		}
	}
}

func (a *Adapter) onOutputUpdated(e hub.Event) error {
	update, ok := e.Data.(poll.OutputUpdate)
	if !ok {
		return nil
	}
	a.mu.Lock()
	chatID, ok := a.bySession[update.SessionID]
	var st *chatState
	if ok {
		st = a.chats[chatID]
	}
	a.mu.Unlock()
	if !ok || st == nil {
		return nil
	}

	st.mu.Lock()
	st.buf.Write(update.NewBytes)
	st.dirty = true
	st.mu.Unlock()
	return nil
}

// flushLocked re-renders the unflushed tail of st.buf as one Telegram
// edit, splitting into a new placeholder message once the current one
// overflows telegramMaxMessageLen. Raw terminal output is sent as-is, with
// no markdown rendering pass.
func (a *Adapter) flushLocked(chatID int64, st *chatState) {
	full := st.buf.String()
	tail := full[st.msgStart:]
	if tail == "" {
		return
	}

	if len(tail) >= telegramMaxMessageLen {
		splitAt := telegramMaxMessageLen
		a.sendEdit(chatID, st.msgID, tail[:splitAt])
		st.msgStart += splitAt
		st.needNewMsg = true
		st.dirty = true // the rest of the tail goes out on the next tick
		return
	}

	if st.needNewMsg {
		placeholder, err := a.bot.Send(tgbotapi.NewMessage(chatID, "…"))
		if err == nil {
			st.msgID = placeholder.MessageID
		}
		st.needNewMsg = false
	}
	a.sendEdit(chatID, st.msgID, tail)
}

func (a *Adapter) sendEdit(chatID int64, msgID int, content string) {
	if msgID == 0 {
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, content)
	_, _ = a.bot.Send(edit) // rate-limit/identical-content errors are silently ignored
}

func (a *Adapter) onSessionTerminated(e hub.Event) error {
	sessionID, ok := e.Data.(string)
	if !ok {
		return nil
	}
	a.mu.Lock()
	chatID, ok := a.bySession[sessionID]
	var st *chatState
	if ok {
		st = a.chats[chatID]
		delete(a.bySession, sessionID)
		delete(a.chats, chatID)
	}
	a.mu.Unlock()
	if st == nil {
		return nil
	}

	st.mu.Lock()
	if st.dirty {
		st.dirty = false
		a.flushLocked(chatID, st)
	}
	st.mu.Unlock()
	close(st.done)
	return nil
}

// RefreshRoster re-renders the pinned control-topic message with the
// currently online peers (spec.md §4.9's chat-roster mirror — the
// stream-store heartbeat remains authoritative for liveness per
// SPEC_FULL.md's Open Question resolution; this message is a read-only
// presentation of that same data, never a second source of truth).
// Callers invoke this on a fixed cadence (e.g. every heartbeat interval).
func (a *Adapter) RefreshRoster(ctx context.Context, pinnedMessageID int) {
	if a.controlChatID == 0 {
		return
	}
	online := a.peers.ListOnline(0)
	var b strings.Builder
	b.WriteString("Online computers:\n")
	for _, p := range online {
		fmt.Fprintf(&b, "- %s (%s)\n", p.Computer, p.Status)
	}
	if len(online) == 0 {
		b.WriteString("(none)\n")
	}
	a.sendEdit(a.controlChatID, pinnedMessageID, b.String())
}
