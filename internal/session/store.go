// Package session is the daemon's durable local record of every session,
// local or remote-observed. Backed by modernc.org/sqlite with check-and-
// apply versioned migrations and SQLITE_BUSY retry, storing the Session
// entity from internal/model.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/InstruktAI/teleclaude/internal/model"
)

// Store is the session persistence interface (spec.md §4.2).
type Store interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	Update(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, id string) error

	// ListLocal returns sessions owned by computer, matched against filter.
	ListLocal(ctx context.Context, computer string, filter model.Filter) ([]model.Session, error)
	// ListAll returns local sessions plus cached remote-observed sessions.
	ListAll(ctx context.Context, filter model.Filter) ([]model.Session, error)

	UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error
	UpdateActivity(ctx context.Context, id string) error
	UpdateMetadata(ctx context.Context, id, adapter, blobJSON string) error
	AppendOutputSummary(ctx context.Context, id, text string) error

	Close() error
}

// Config holds session storage configuration.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Path     string `mapstructure:"path"` // optional DB path override, supports :memory:
	ReadOnly bool   `mapstructure:"-"`
}

// DefaultConfig returns the default session storage configuration.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// GetDataDir returns the XDG data directory for teleclaude.
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "teleclaude"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "teleclaude"), nil
}

// GetDBPath returns the path to the sessions database.
func GetDBPath() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "teleclaude.db"), nil
}

// ResolveDBPath resolves an optional DB path override; empty uses the
// default XDG location, ":memory:" is passed through unchanged.
func ResolveDBPath(pathOverride string) (string, error) {
	pathOverride = strings.TrimSpace(pathOverride)
	if pathOverride == "" {
		return GetDBPath()
	}
	if pathOverride == ":memory:" {
		return pathOverride, nil
	}
	pathOverride = os.ExpandEnv(pathOverride)
	if strings.HasPrefix(pathOverride, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		pathOverride = filepath.Join(homeDir, pathOverride[2:])
	}
	abs, err := filepath.Abs(pathOverride)
	if err != nil {
		return "", fmt.Errorf("resolve db path %q: %w", pathOverride, err)
	}
	return abs, nil
}

// NewStore constructs a Store per cfg. Disabled configs get a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg)
}
