package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store serves capability storage requests from local disk. Relative paths
// are taken from Root; paths that would climb out of Root are refused.
type Store struct {
	Root string
}

// NewStore returns a store over ws.
func NewStore(ws Workspace) *Store {
	return &Store{Root: ws.Dir}
}

func (s *Store) path(p string) (string, error) {
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	if s.Root == "" {
		return filepath.Clean(p), nil
	}
	full := filepath.Join(s.Root, p)
	rel, err := filepath.Rel(s.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", p)
	}
	return full, nil
}

// ReadFile returns the contents of p.
func (s *Store) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.path(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// WriteFile writes data to p through a temp file and rename, so readers
// never see a partial file.
func (s *Store) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(p)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %q: %w", p, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %q: %w", p, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %q: %w", p, err)
	}
	return nil
}

// Remove deletes p.
func (s *Store) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(p)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

// Exists reports whether p exists.
func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := s.path(p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MkdirAll creates dir and its parents.
func (s *Store) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(dir)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}
