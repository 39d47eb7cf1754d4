package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures the blob and journal tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blobs (
  path       TEXT PRIMARY KEY,
  data       BLOB NOT NULL,
  size       INTEGER NOT NULL,
  digest     TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id          TEXT PRIMARY KEY,
  worker_id   TEXT NOT NULL,
  job_id      TEXT NOT NULL,
  action      TEXT NOT NULL,
  status      TEXT NOT NULL,
  started_at  TEXT NOT NULL,
  finished_at TEXT,
  elapsed_ms  INTEGER,
  last_error  TEXT
);`,
		`CREATE INDEX IF NOT EXISTS blobs_updated_at_idx ON blobs(updated_at);`,
		`CREATE INDEX IF NOT EXISTS job_log_started_at_idx ON job_log(started_at);`,
		`CREATE INDEX IF NOT EXISTS job_log_worker_job_idx ON job_log(worker_id, job_id, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
