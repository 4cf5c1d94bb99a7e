package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// busyTimeoutMillis bounds how long a writer waits for another process's
// transaction before the statement fails with SQLITE_BUSY.
const busyTimeoutMillis = 5000

// OpenSQLite opens (and creates if needed) the coordination database at path
// and ensures required tables exist.
//
// Pragmas are passed through the DSN so that every pooled connection gets
// them, and transactions start IMMEDIATE so two processes racing for the same
// row serialize on the write lock instead of failing on upgrade.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocal(path); err != nil {
		return nil, fmt.Errorf("state.path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS locks (
  resource    TEXT PRIMARY KEY,
  lock_id     TEXT NOT NULL,
  holder      TEXT NOT NULL,
  acquired_at INTEGER NOT NULL,
  expires_at  INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS lock_audit (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  resource  TEXT NOT NULL,
  holder    TEXT NOT NULL,
  operation TEXT NOT NULL,
  at        INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  workspace          TEXT NOT NULL UNIQUE,
  issue_id           TEXT,
  priority           INTEGER NOT NULL DEFAULT 5,
  status             TEXT NOT NULL,
  added_at           INTEGER NOT NULL,
  started_at         INTEGER,
  completed_at       INTEGER,
  error_message      TEXT,
  agent_id           TEXT,
  claimed_at         INTEGER,
  claim_expires_at   INTEGER,
  previous_agent     TEXT,
  dedupe_key         TEXT,
  workspace_state    TEXT NOT NULL DEFAULT 'created',
  previous_state     TEXT,
  state_changed_at   INTEGER,
  head_sha           TEXT,
  tested_against_sha TEXT,
  attempt_count      INTEGER NOT NULL DEFAULT 0,
  max_attempts       INTEGER NOT NULL DEFAULT 3,
  rebase_count       INTEGER NOT NULL DEFAULT 0,
  last_rebase_at     INTEGER,
  parent_workspace   TEXT,
  stack_depth        INTEGER NOT NULL DEFAULT 0,
  stack_root         TEXT,
  stack_merge_state  TEXT NOT NULL DEFAULT 'independent'
);`,
		`CREATE TABLE IF NOT EXISTS queue_events (
  id         TEXT PRIMARY KEY,
  workspace  TEXT NOT NULL,
  event_type TEXT NOT NULL,
  agent_id   TEXT,
  detail     TEXT,
  at         INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS queue_entries_status_priority_idx ON queue_entries(status, priority, added_at);`,
		`CREATE INDEX IF NOT EXISTS queue_entries_parent_idx ON queue_entries(parent_workspace);`,
		`CREATE INDEX IF NOT EXISTS queue_entries_dedupe_idx ON queue_entries(dedupe_key);`,
		`CREATE INDEX IF NOT EXISTS queue_events_workspace_idx ON queue_events(workspace, at);`,
		`CREATE INDEX IF NOT EXISTS locks_expires_idx ON locks(expires_at);`,
		`CREATE INDEX IF NOT EXISTS lock_audit_resource_idx ON lock_audit(resource, at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
