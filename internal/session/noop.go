package session

import (
	"context"

	"github.com/InstruktAI/teleclaude/internal/model"
)

// NoopStore discards writes and returns empty reads. Used when session
// persistence is disabled (cfg.Enabled=false).
type NoopStore struct{}

func (s *NoopStore) Create(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = model.NewSessionID()
	}
	return nil
}

func (s *NoopStore) Get(ctx context.Context, id string) (*model.Session, error) { return nil, nil }

func (s *NoopStore) Update(ctx context.Context, sess *model.Session) error { return nil }

func (s *NoopStore) Delete(ctx context.Context, id string) error { return nil }

func (s *NoopStore) ListLocal(ctx context.Context, computer string, filter model.Filter) ([]model.Session, error) {
	return nil, nil
}

func (s *NoopStore) ListAll(ctx context.Context, filter model.Filter) ([]model.Session, error) {
	return nil, nil
}

func (s *NoopStore) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	return nil
}

func (s *NoopStore) UpdateActivity(ctx context.Context, id string) error { return nil }

func (s *NoopStore) UpdateMetadata(ctx context.Context, id, adapter, blobJSON string) error {
	return nil
}

func (s *NoopStore) AppendOutputSummary(ctx context.Context, id, text string) error { return nil }

func (s *NoopStore) Close() error { return nil }
