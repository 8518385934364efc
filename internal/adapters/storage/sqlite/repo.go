package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/scopeledger/internal/app"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// connParams are applied to every pooled connection.
const connParams = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

// Repository stores the event log, the outbox, the read model, and drain leases in one database.
type Repository struct {
	db    *sql.DB
	clock func() time.Time
	idGen func() string
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the clock used for enqueue, processed, and lease timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Repository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithIDGenerator overrides outbox entry id generation.
func WithIDGenerator(idGen func() string) Option {
	return func(r *Repository) {
		if idGen != nil {
			r.idGen = idGen
		}
	}
}

// Open opens (and migrates) the database file at path.
func Open(path string, opts ...Option) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := filepath.Clean(path) + "?" + connParams + "&_pragma=journal_mode(WAL)"
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db, opts)
}

// OpenInMemory opens a private in-memory database. It is isolated from other in-memory opens.
func OpenInMemory(opts ...Option) (*Repository, error) {
	dsn := "file:scopes-" + uuid.NewString() + "?mode=memory&cache=shared&" + connParams
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// One connection keeps the shared-cache database alive and serializes writers.
	db.SetMaxOpenConns(1)
	return newRepository(db, opts)
}

// newRepository applies options and migrations to an opened handle.
func newRepository(db *sql.DB, opts []Option) (*Repository, error) {
	repo := &Repository{
		db:    db,
		clock: time.Now,
		idGen: uuid.NewString,
	}
	for _, opt := range opts {
		opt(repo)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the requested operation.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			payload_json TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			UNIQUE(aggregate_id, sequence)
		);`,
		`CREATE TABLE IF NOT EXISTS outbox (
			entry_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL UNIQUE,
			aggregate_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			payload_json TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at TEXT NOT NULL,
			processed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS scopes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			canonical_alias TEXT NOT NULL DEFAULT '',
			archived INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scope_aliases (
			alias_name TEXT PRIMARY KEY,
			scope_id TEXT NOT NULL,
			is_canonical INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY(scope_id) REFERENCES scopes(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS scope_tombstones (
			scope_id TEXT PRIMARY KEY,
			sequence INTEGER NOT NULL,
			deleted_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS drain_leases (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_seq ON outbox(status, entry_seq);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate_status ON outbox(aggregate_id, status, sequence);`,
		`CREATE INDEX IF NOT EXISTS idx_scopes_parent ON scopes(parent_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_scope_aliases_scope ON scope_aliases(scope_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_scope_aliases_one_canonical ON scope_aliases(scope_id) WHERE is_canonical = 1;`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside one IMMEDIATE transaction and commits when fn succeeds.
func (r *Repository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// queryRower represents a query-only DB contract used by DB and Tx implementations.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// queryer represents a multi-row query contract used by DB and Tx implementations.
type queryer interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

// execerContext represents a write-only DB contract used by DB and Tx implementations.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// txExecQueryer combines single-row reads and writes, as used inside transactions.
type txExecQueryer interface {
	execerContext
	queryRower
}

// scanner represents scanner data used by this package.
type scanner interface {
	Scan(dest ...any) error
}

// translateNoRows handles translate no rows.
func translateNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrNotFound
	}
	return nil
}

// isConstraintError reports whether err is a uniqueness or key violation.
func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT ||
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

// isBusyError reports whether err is a lock timeout.
func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// boolToInt maps a bool onto sqlite's integer truth values.
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}
