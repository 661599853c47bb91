package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const driverName = "dartctl_sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// SchemaVersion is the current ledger schema.
const SchemaVersion = 1

// SQLite is a Ledger persisted in a local SQLite database. Claims survive
// process restarts, so a resumed session never records a result twice.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Ledger = (*SQLite)(nil)

// OpenSQLite opens (and creates if needed) the ledger database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ledger path is required")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// Keep a single connection; an in-memory database lives on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if dsn != ":memory:" {
		if err := configure(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, path: path}, nil
}

func configure(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS monitoring_claims (
			job TEXT NOT NULL,
			task_id TEXT NOT NULL,
			claimed_at TEXT NOT NULL,
			PRIMARY KEY (job, task_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_claims_job ON monitoring_claims(job);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

// Path returns the database path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Claim(ctx context.Context, job, taskID string) (bool, error) {
	if err := validate(job, taskID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitoring_claims (job, task_id, claimed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(job, task_id) DO NOTHING`,
		job, taskID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", job, taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", job, taskID, err)
	}
	return n == 1, nil
}

func (s *SQLite) Release(ctx context.Context, job, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM monitoring_claims WHERE job = ? AND task_id = ?`, job, taskID); err != nil {
		return fmt.Errorf("release %s/%s: %w", job, taskID, err)
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context, job string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitoring_claims WHERE job = ?`, job).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
