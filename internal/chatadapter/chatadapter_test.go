package chatadapter

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/InstruktAI/teleclaude/internal/config"
	"github.com/InstruktAI/teleclaude/internal/hub"
	"github.com/InstruktAI/teleclaude/internal/identity"
	"github.com/InstruktAI/teleclaude/internal/lifecycle"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/peer"
	"github.com/InstruktAI/teleclaude/internal/poll"
)

// fakeBotSender records every Send call without a live bot connection.
type fakeBotSender struct {
	mu     sync.Mutex
	sent   []string
	nextID int
}

func (f *fakeBotSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var text string
	switch v := c.(type) {
	case tgbotapi.MessageConfig:
		text = v.Text
	case tgbotapi.EditMessageTextConfig:
		text = v.Text
	}
	f.sent = append(f.sent, text)
	id := f.nextID
	f.nextID++
	return tgbotapi.Message{MessageID: id}, nil
}

func (f *fakeBotSender) allTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeBotSender) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

// fakeCoordinator implements Coordinator without a real lifecycle stack.
type fakeCoordinator struct {
	mu       sync.Mutex
	nextID   int
	written  map[string]string
	ended    map[string]bool
	createErr error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{written: make(map[string]string), ended: make(map[string]bool)}
}

func (f *fakeCoordinator) CreateSession(ctx context.Context, req lifecycle.CreateRequest, lookup identity.InitiatorLookup) (*model.Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "sess-" + strconv.Itoa(f.nextID)
	return &model.Session{ID: id, Computer: req.Computer, Status: model.SessionRunning}, nil
}

func (f *fakeCoordinator) WriteInput(ctx context.Context, sessionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[sessionID] += string(data)
	return nil
}

func (f *fakeCoordinator) EndSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[sessionID] = true
	return nil
}

type fakePeerLister struct {
	entries []peer.Entry
}

func (f fakePeerLister) ListOnline(time.Duration) []peer.Entry { return f.entries }

func newTestAdapter() (*Adapter, *fakeBotSender, *fakeCoordinator, *hub.Hub) {
	bot := &fakeBotSender{}
	coord := newFakeCoordinator()
	h := hub.New(nil)
	a := New(bot, config.TelegramServeConfig{AllowedUserIDs: []int64{42}}, "laptop", coord, h, fakePeerLister{}, 0)
	a.editInterval = 5 * time.Millisecond
	a.Start(context.Background())
	return a, bot, coord, h
}

func TestHandleMessageRejectsUnknownUser(t *testing.T) {
	a, _, coord, _ := newTestAdapter()
	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 1},
		From: &tgbotapi.User{ID: 999},
		Text: "echo hi",
	}
	a.HandleMessage(context.Background(), msg)

	if len(coord.written) != 0 {
		t.Error("expected an unlisted user's message to be ignored")
	}
}

func TestHandleMessageCreatesSessionAndWritesInput(t *testing.T) {
	a, bot, coord, _ := newTestAdapter()
	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 7},
		From: &tgbotapi.User{ID: 42},
		Text: "echo hi",
	}
	a.HandleMessage(context.Background(), msg)

	a.mu.Lock()
	st, ok := a.chats[7]
	a.mu.Unlock()
	if !ok {
		t.Fatal("expected a chat session to be created")
	}
	if got := coord.written[st.sessionID]; got != "echo hi\r" {
		t.Errorf("written input = %q, want %q", got, "echo hi\r")
	}
	if len(bot.allTexts()) == 0 {
		t.Error("expected a placeholder message to have been sent")
	}
}

func TestHandleMessageReusesExistingChatSession(t *testing.T) {
	a, _, coord, _ := newTestAdapter()
	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 7},
		From: &tgbotapi.User{ID: 42},
		Text: "first",
	}
	a.HandleMessage(context.Background(), msg)
	msg.Text = "second"
	a.HandleMessage(context.Background(), msg)

	a.mu.Lock()
	n := len(a.chats)
	a.mu.Unlock()
	if n != 1 {
		t.Errorf("expected exactly one chat session, got %d", n)
	}
	if coord.nextID != 1 {
		t.Errorf("expected CreateSession to be called exactly once, got %d", coord.nextID)
	}
}

func TestOutputUpdatedFlushesAsEditedMessage(t *testing.T) {
	a, bot, _, h := newTestAdapter()
	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 7},
		From: &tgbotapi.User{ID: 42},
		Text: "echo hi",
	}
	a.HandleMessage(context.Background(), msg)

	a.mu.Lock()
	st := a.chats[7]
	a.mu.Unlock()

	h.PublishAndWait(hub.Event{Name: hub.OutputUpdated, Data: poll.OutputUpdate{
		SessionID: st.sessionID,
		NewBytes:  []byte("hi\n"),
	}})

	deadline := time.After(500 * time.Millisecond)
	for {
		if strings.Contains(bot.lastText(), "hi") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected an edited message containing output, got last=%q all=%v", bot.lastText(), bot.allTexts())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSessionTerminatedStopsFlushLoopAndForgetsChat(t *testing.T) {
	a, _, _, h := newTestAdapter()
	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 7},
		From: &tgbotapi.User{ID: 42},
		Text: "echo hi",
	}
	a.HandleMessage(context.Background(), msg)

	a.mu.Lock()
	st := a.chats[7]
	a.mu.Unlock()

	h.PublishAndWait(hub.Event{Name: hub.SessionTerminated, Data: st.sessionID})

	a.mu.Lock()
	_, ok := a.chats[7]
	a.mu.Unlock()
	if ok {
		t.Error("expected the chat binding to be removed once its session terminates")
	}
}

func TestHandleMessageRendersErrorWhenSessionCreationFails(t *testing.T) {
	a, bot, coord, _ := newTestAdapter()
	coord.createErr = context.DeadlineExceeded
	msg := &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: 7},
		From: &tgbotapi.User{ID: 42},
		Text: "echo hi",
	}
	a.HandleMessage(context.Background(), msg)

	if !strings.Contains(bot.lastText(), "⚠") {
		t.Errorf("expected an error message sent to chat, got %q", bot.lastText())
	}
}

func TestRefreshRosterDisabledWithoutControlChat(t *testing.T) {
	a, bot, _, _ := newTestAdapter()
	a.RefreshRoster(context.Background(), 1)
	if len(bot.allTexts()) != 0 {
		t.Error("expected no roster message when controlChatID is 0")
	}
}
