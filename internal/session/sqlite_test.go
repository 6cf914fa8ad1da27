package session

import (
	"context"
	"testing"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{
		Computer:      "laptop",
		ProjectPath:   "/home/alice",
		Agent:         "claude",
		Role:          model.RoleHuman,
		OriginAdapter: "chatadapter",
	}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if sess.Status != model.SessionStarting {
		t.Errorf("status = %s, want starting", sess.Status)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.ProjectPath != sess.ProjectPath || got.Agent != sess.Agent {
		t.Errorf("got %+v, want project_path=%s agent=%s", got, sess.ProjectPath, sess.Agent)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestUpdateStatusMonotonicity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{Computer: "laptop", ProjectPath: "/p", Agent: "claude"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.UpdateStatus(ctx, sess.ID, model.SessionRunning); err != nil {
		t.Fatalf("UpdateStatus running: %v", err)
	}
	if err := store.UpdateStatus(ctx, sess.ID, model.SessionTerminated); err != nil {
		t.Fatalf("UpdateStatus terminated: %v", err)
	}

	// Terminated must be a sink: no further transition is legal.
	err := store.UpdateStatus(ctx, sess.ID, model.SessionRunning)
	if err == nil {
		t.Fatal("expected error resurrecting a terminated session")
	}
	if !errs.Is(err, errs.Conflict) {
		t.Errorf("expected Conflict, got %v", err)
	}

	got, _ := store.Get(ctx, sess.ID)
	if got.Status != model.SessionTerminated {
		t.Errorf("status = %s, want terminated", got.Status)
	}
	if got.TerminatedAt == nil {
		t.Error("expected terminated_at to be set")
	}
}

func TestUpdateStatusUnknownSession(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateStatus(context.Background(), "nope", model.SessionRunning)
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestAdapterMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{Computer: "laptop", ProjectPath: "/p", Agent: "claude"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdateMetadata(ctx, sess.ID, "chatadapter", `{"topic_id":42}`); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AdapterMetadata["chatadapter"] != `{"topic_id":42}` {
		t.Errorf("metadata = %v, want chatadapter blob", got.AdapterMetadata)
	}

	// Overwrite and confirm the upsert replaces, not duplicates.
	if err := store.UpdateMetadata(ctx, sess.ID, "chatadapter", `{"topic_id":43}`); err != nil {
		t.Fatalf("UpdateMetadata overwrite: %v", err)
	}
	got, _ = store.Get(ctx, sess.ID)
	if got.AdapterMetadata["chatadapter"] != `{"topic_id":43}` {
		t.Errorf("metadata = %v, want updated blob", got.AdapterMetadata)
	}
}

func TestListLocalFiltersByComputer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"laptop", "laptop", "desktop"} {
		if err := store.Create(ctx, &model.Session{Computer: c, ProjectPath: "/p", Agent: "claude"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	local, err := store.ListLocal(ctx, "laptop", model.Filter{})
	if err != nil {
		t.Fatalf("ListLocal: %v", err)
	}
	if len(local) != 2 {
		t.Errorf("len(local) = %d, want 2", len(local))
	}

	all, err := store.ListAll(ctx, model.Filter{})
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestAppendOutputSummaryBounded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := &model.Session{Computer: "laptop", ProjectPath: "/p", Agent: "claude"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.AppendOutputSummary(ctx, sess.ID, "first"); err != nil {
		t.Fatalf("AppendOutputSummary: %v", err)
	}
	if err := store.AppendOutputSummary(ctx, sess.ID, "second"); err != nil {
		t.Fatalf("AppendOutputSummary: %v", err)
	}
	got, _ := store.Get(ctx, sess.ID)
	if got.LastOutputSummary != "second" {
		t.Errorf("last_output_summary = %q, want only the latest retained", got.LastOutputSummary)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := initSchema(store.db); err != nil {
		t.Fatalf("second initSchema: %v", err)
	}
	var version int
	if err := store.db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("version = %d, want %d", version, schemaVersion)
	}
}
