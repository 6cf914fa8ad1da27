package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no cgo).
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    computer TEXT NOT NULL,
    project_path TEXT NOT NULL,
    agent TEXT NOT NULL,
    thinking_mode TEXT,
    status TEXT NOT NULL DEFAULT 'starting',
    role TEXT NOT NULL DEFAULT 'human',
    initiator_session_id TEXT REFERENCES sessions(id),
    human_identity TEXT,
    title TEXT,
    origin_adapter TEXT NOT NULL DEFAULT '',
    last_output_summary TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_activity_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    terminated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS session_adapter_metadata (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    adapter TEXT NOT NULL,
    blob TEXT NOT NULL,
    PRIMARY KEY (session_id, adapter)
);

CREATE INDEX IF NOT EXISTS idx_sessions_computer ON sessions(computer);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(last_activity_at DESC);

CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT
);
`

// schemaVersion is the current schema version. Fresh databases get the
// full schema const and start here; existing databases run migrations to
// reach it.
const schemaVersion = 1

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations transforms databases created before a schema change. None
// yet: this is the first shipped schema.
var migrations = []migration{}

// NewSQLiteStore opens (creating if needed) the sessions database and
// brings its schema up to date.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath, err := ResolveDBPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("get db path: %w", err)
	}

	if dbPath != ":memory:" && !cfg.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	dsn := dbPath
	if cfg.ReadOnly && dbPath != ":memory:" {
		dsn = "file:" + filepath.ToSlash(dbPath) + "?mode=ro"
	}
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !cfg.ReadOnly {
		if err := initSchema(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, cfg: cfg}, nil
}

// initSchema initializes the schema and runs any pending migrations.
// Fast path: schema already current means a single SELECT query.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil && (versionErr == sql.ErrNoRows || strings.Contains(versionErr.Error(), "no such table")) {
		var tableCount int
		if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sessions'`).Scan(&tableCount); err != nil {
			return fmt.Errorf("check sessions table: %w", err)
		}
		if tableCount > 0 {
			currentVersion = 0
		} else {
			currentVersion = schemaVersion
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	} else if versionErr != nil {
		return fmt.Errorf("get current version: %w", versionErr)
	}

	for _, m := range migrations {
		if m.version > currentVersion {
			if err := m.up(db); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
			}
			if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
				return fmt.Errorf("update version to %d: %w", m.version, err)
			}
		}
	}
	return nil
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

// retryOnBusy retries op with exponential backoff on SQLITE_BUSY, on top
// of the busy_timeout pragma, for high-contention scenarios.
func retryOnBusy(ctx context.Context, maxRetries int, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !isBusyError(err) {
			return err
		}
		d := time.Duration(10*(1<<i)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Create inserts a new session. The monotonic status-transition invariant
// does not apply on creation: starting is always the initial state.
func (s *SQLiteStore) Create(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = model.NewSessionID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = model.SessionStarting
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, computer, project_path, agent, thinking_mode, status, role,
			                      initiator_session_id, human_identity, title, origin_adapter,
			                      last_output_summary, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Computer, sess.ProjectPath, sess.Agent, nullString(sess.ThinkingMode),
			string(sess.Status), string(sess.Role), nullString(sess.InitiatorSessionID),
			nullString(sess.HumanIdentity), nullString(sess.Title), sess.OriginAdapter,
			nullString(sess.LastOutputSummary), sess.CreatedAt, sess.LastActivityAt)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

const selectColumns = `id, computer, project_path, agent, thinking_mode, status, role,
	       initiator_session_id, human_identity, title, origin_adapter,
	       last_output_summary, created_at, last_activity_at, terminated_at`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var sess model.Session
	var thinkingMode, initiatorID, humanIdentity, title, summary sql.NullString
	var terminatedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Computer, &sess.ProjectPath, &sess.Agent, &thinkingMode,
		&sess.Status, &sess.Role, &initiatorID, &humanIdentity, &title, &sess.OriginAdapter,
		&summary, &sess.CreatedAt, &sess.LastActivityAt, &terminatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ThinkingMode = thinkingMode.String
	sess.InitiatorSessionID = initiatorID.String
	sess.HumanIdentity = humanIdentity.String
	sess.Title = title.String
	sess.LastOutputSummary = summary.String
	if terminatedAt.Valid {
		sess.TerminatedAt = &terminatedAt.Time
	}
	return &sess, nil
}

// Get retrieves a session by ID, or (nil, nil) if it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		if err := s.loadMetadata(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (s *SQLiteStore) loadMetadata(ctx context.Context, sess *model.Session) error {
	rows, err := s.db.QueryContext(ctx, "SELECT adapter, blob FROM session_adapter_metadata WHERE session_id = ?", sess.ID)
	if err != nil {
		return fmt.Errorf("query adapter metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var adapter, blob string
		if err := rows.Scan(&adapter, &blob); err != nil {
			return fmt.Errorf("scan adapter metadata: %w", err)
		}
		if sess.AdapterMetadata == nil {
			sess.AdapterMetadata = make(map[string]string)
		}
		sess.AdapterMetadata[adapter] = blob
	}
	return rows.Err()
}

// Update writes the full mutable row. Once terminated, callers should use
// UpdateStatus/UpdateActivity instead (Update does not itself enforce the
// monotonicity invariant; it is the lower-level write path).
func (s *SQLiteStore) Update(ctx context.Context, sess *model.Session) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET computer = ?, project_path = ?, agent = ?, thinking_mode = ?,
		       status = ?, role = ?, initiator_session_id = ?, human_identity = ?, title = ?,
		       origin_adapter = ?, last_output_summary = ?, last_activity_at = ?, terminated_at = ?
		WHERE id = ?`,
		sess.Computer, sess.ProjectPath, sess.Agent, nullString(sess.ThinkingMode),
		string(sess.Status), string(sess.Role), nullString(sess.InitiatorSessionID),
		nullString(sess.HumanIdentity), nullString(sess.Title), sess.OriginAdapter,
		nullString(sess.LastOutputSummary), sess.LastActivityAt, sess.TerminatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.New(errs.NotFound, "session not found: "+sess.ID)
	}
	return nil
}

// UpdateStatus enforces the state-machine monotonicity invariant: the
// current status is checked in the same transaction as the write.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return errs.New(errs.NotFound, "session not found: "+id)
		}
		if err != nil {
			return fmt.Errorf("read current status: %w", err)
		}
		if !model.CanTransition(model.SessionStatus(current), status) {
			return errs.New(errs.Conflict, fmt.Sprintf("illegal transition %s -> %s", current, status))
		}

		var terminatedAt any
		if status == model.SessionTerminated {
			terminatedAt = time.Now()
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, last_activity_at = ?, terminated_at = COALESCE(terminated_at, ?) WHERE id = ?",
			string(status), time.Now(), terminatedAt, id)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return tx.Commit()
	})
}

// UpdateActivity bumps last_activity_at opportunistically; it is a no-op
// if the session is already terminated.
func (s *SQLiteStore) UpdateActivity(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET last_activity_at = ? WHERE id = ? AND status != ?",
			time.Now(), id, string(model.SessionTerminated))
		return err
	})
}

// UpdateMetadata upserts one adapter's opaque metadata blob for a session.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id, adapter, blobJSON string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_adapter_metadata (session_id, adapter, blob) VALUES (?, ?, ?)
			ON CONFLICT(session_id, adapter) DO UPDATE SET blob = excluded.blob`,
			id, adapter, blobJSON)
		return err
	})
}

// AppendOutputSummary replaces the session's bounded last-summary field;
// only the latest summary is retained, matching spec.md §4.2.
func (s *SQLiteStore) AppendOutputSummary(ctx context.Context, id, text string) error {
	const maxLen = 2000
	if len(text) > maxLen {
		text = text[len(text)-maxLen:]
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET last_output_summary = ?, last_activity_at = ? WHERE id = ?",
			text, time.Now(), id)
		return err
	})
}

// Delete removes a session and its adapter metadata.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errs.New(errs.NotFound, "session not found: "+id)
	}
	return nil
}

func buildFilterQuery(base string, filter model.Filter, args []any) (string, []any) {
	if filter.Computer != "" {
		base += " AND computer = ?"
		args = append(args, filter.Computer)
	}
	if filter.Status != "" {
		base += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Role != "" {
		base += " AND role = ?"
		args = append(args, string(filter.Role))
	}
	if filter.Agent != "" {
		base += " AND agent = ?"
		args = append(args, filter.Agent)
	}
	return base, args
}

// ListLocal returns sessions owned by computer, further narrowed by filter.
func (s *SQLiteStore) ListLocal(ctx context.Context, computer string, filter model.Filter) ([]model.Session, error) {
	filter.Computer = computer
	return s.list(ctx, filter)
}

// ListAll returns every session the local store knows about: sessions
// this node owns plus cached mirror records for remote-observed sessions.
func (s *SQLiteStore) ListAll(ctx context.Context, filter model.Filter) ([]model.Session, error) {
	return s.list(ctx, filter)
}

func (s *SQLiteStore) list(ctx context.Context, filter model.Filter) ([]model.Session, error) {
	query, args := buildFilterQuery("SELECT "+selectColumns+" FROM sessions WHERE 1=1", filter, nil)
	query += " ORDER BY last_activity_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var results []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *sess)
	}
	return results, rows.Err()
}

// SetCurrent/GetCurrent/ClearCurrent track the CLI's convenience
// "current session" pointer in the metadata table.
func (s *SQLiteStore) SetCurrent(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO metadata (key, value) VALUES ('current_session', ?)", sessionID)
	return err
}

func (s *SQLiteStore) GetCurrent(ctx context.Context) (*model.Session, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'current_session'").Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) ClearCurrent(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM metadata WHERE key = 'current_session'")
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
