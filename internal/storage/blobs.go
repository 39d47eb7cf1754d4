package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// ErrCorrupt is returned when a stored blob no longer matches its digest.
var ErrCorrupt = errors.New("blob digest mismatch")

// DefaultMaxBlobBytes bounds a single stored file.
const DefaultMaxBlobBytes = 256 << 20

// Fixed-width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// BlobStore keeps a worker's files as rows in SQLite. It serves the same
// requests as the on-disk workspace store; directories are implicit.
type BlobStore struct {
	db       *sql.DB
	maxBytes int
	now      func() time.Time
}

// NewBlobStore returns a store over a database prepared by OpenSQLite.
func NewBlobStore(db *sql.DB) *BlobStore {
	return &BlobStore{
		db:       db,
		maxBytes: DefaultMaxBlobBytes,
		now:      time.Now,
	}
}

func key(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is empty")
	}
	return path.Clean(strings.ReplaceAll(p, "\\", "/")), nil
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadFile returns the blob stored at p. A missing blob yields an error
// wrapping fs.ErrNotExist.
func (s *BlobStore) ReadFile(ctx context.Context, p string) ([]byte, error) {
	k, err := key(p)
	if err != nil {
		return nil, err
	}

	var (
		data []byte
		want string
	)
	err = s.db.QueryRowContext(ctx, "SELECT data, digest FROM blobs WHERE path = ?;", k).Scan(&data, &want)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read %s: %w", k, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if got := digest(data); got != want {
		return nil, fmt.Errorf("read %s: %w (stored %s, computed %s)", k, ErrCorrupt, want, got)
	}
	return data, nil
}

// WriteFile stores data at p, replacing any previous blob.
func (s *BlobStore) WriteFile(ctx context.Context, p string, data []byte) error {
	k, err := key(p)
	if err != nil {
		return err
	}
	if len(data) > s.maxBytes {
		return fmt.Errorf("blob %s exceeds max size (%d bytes)", k, s.maxBytes)
	}
	if data == nil {
		data = []byte{}
	}

	now := s.now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO blobs(path, data, size, digest, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  data = excluded.data,
  size = excluded.size,
  digest = excluded.digest,
  updated_at = excluded.updated_at;
`, k, data, len(data), digest(data), now)
	if err != nil {
		return fmt.Errorf("upsert blob: %w", err)
	}
	return nil
}

// Remove deletes the blob at p. A missing blob yields an error wrapping
// fs.ErrNotExist.
func (s *BlobStore) Remove(ctx context.Context, p string) error {
	k, err := key(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE path = ?;", k)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("remove %s: %w", k, fs.ErrNotExist)
	}
	return nil
}

// Exists reports whether a blob is stored at p.
func (s *BlobStore) Exists(ctx context.Context, p string) (bool, error) {
	k, err := key(p)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM blobs WHERE path = ?;", k).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check blob: %w", err)
	}
	return true, nil
}

// MkdirAll is a no-op; blob paths need no parent directories.
func (s *BlobStore) MkdirAll(ctx context.Context, dir string) error {
	return ctx.Err()
}

// Prune deletes blobs not written within olderThan and reports how many
// rows and bytes were freed.
func (s *BlobStore) Prune(ctx context.Context, olderThan time.Duration) (int, int64, error) {
	if olderThan <= 0 {
		return 0, 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := s.now().Add(-olderThan).UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		count int
		freed sql.NullInt64
	)
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), SUM(size) FROM blobs WHERE updated_at < ?;", cutoff,
	).Scan(&count, &freed); err != nil {
		return 0, 0, fmt.Errorf("measure stale blobs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM blobs WHERE updated_at < ?;", cutoff); err != nil {
		return 0, 0, fmt.Errorf("delete stale blobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}
	return count, freed.Int64, nil
}
