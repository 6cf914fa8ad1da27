package session

import (
	"context"
	"sync"

	"github.com/InstruktAI/teleclaude/internal/model"
)

// WarnFunc is a function that logs warnings.
type WarnFunc func(format string, args ...any)

// LoggingStore wraps a Store and logs errors instead of silently discarding them.
// This preserves the best-effort semantics (operations don't fail the caller)
// while providing visibility into persistence issues.
type LoggingStore struct {
	Store
	warnFunc WarnFunc
	mu       sync.Mutex
	warned   map[string]bool // Rate-limit warnings by operation type
}

// NewLoggingStore creates a new LoggingStore wrapper.
// The warnFunc is called when persistence operations fail.
func NewLoggingStore(store Store, warnFunc WarnFunc) *LoggingStore {
	return &LoggingStore{
		Store:    store,
		warnFunc: warnFunc,
		warned:   make(map[string]bool),
	}
}

// logOnce logs a warning only once per operation type to avoid spamming.
func (s *LoggingStore) logOnce(op string, err error) {
	if err == nil || s.warnFunc == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warned[op] {
		return
	}
	s.warned[op] = true
	s.warnFunc("session %s failed: %v", op, err)
}

// Create wraps Store.Create with error logging.
func (s *LoggingStore) Create(ctx context.Context, sess *model.Session) error {
	err := s.Store.Create(ctx, sess)
	s.logOnce("Create", err)
	return err
}

// Update wraps Store.Update with error logging.
func (s *LoggingStore) Update(ctx context.Context, sess *model.Session) error {
	err := s.Store.Update(ctx, sess)
	s.logOnce("Update", err)
	return err
}

// UpdateStatus wraps Store.UpdateStatus with error logging.
func (s *LoggingStore) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	err := s.Store.UpdateStatus(ctx, id, status)
	s.logOnce("UpdateStatus", err)
	return err
}

// UpdateActivity wraps Store.UpdateActivity with error logging.
func (s *LoggingStore) UpdateActivity(ctx context.Context, id string) error {
	err := s.Store.UpdateActivity(ctx, id)
	s.logOnce("UpdateActivity", err)
	return err
}

// UpdateMetadata wraps Store.UpdateMetadata with error logging.
func (s *LoggingStore) UpdateMetadata(ctx context.Context, id, adapter, blobJSON string) error {
	err := s.Store.UpdateMetadata(ctx, id, adapter, blobJSON)
	s.logOnce("UpdateMetadata", err)
	return err
}

// AppendOutputSummary wraps Store.AppendOutputSummary with error logging.
func (s *LoggingStore) AppendOutputSummary(ctx context.Context, id, text string) error {
	err := s.Store.AppendOutputSummary(ctx, id, text)
	s.logOnce("AppendOutputSummary", err)
	return err
}
