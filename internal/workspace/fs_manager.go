package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FSManager manages worker storage roots on local disk.
type FSManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*FSManager)(nil)

// NewFSManager creates a filesystem-backed manager rooted at baseDir.
func NewFSManager(baseDir string) (*FSManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &FSManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the directory all workspaces live under.
func (m *FSManager) BaseDir() string { return m.baseDir }

// Create returns the workspace directory for name, creating it if missing.
func (m *FSManager) Create(ctx context.Context, name string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(name)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace %q: %w", name, err)
	}

	return Workspace{Name: name, Dir: path}, nil
}

// Open returns metadata for an existing workspace directory.
func (m *FSManager) Open(ctx context.Context, name string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	path, err := m.workspacePath(name)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace %q: %w", name, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for %q is not a directory", name)
	}

	return Workspace{Name: name, Dir: path}, nil
}

// Cleanup removes regular files older than olderThan based on modification
// time, then prunes directories left empty. Workspace roots and files
// directly under the base directory are kept.
func (m *FSManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}
	if _, err := os.Stat(m.baseDir); os.IsNotExist(err) {
		return CleanupReport{}, nil
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}
	var dirs []string

	err := filepath.WalkDir(m.baseDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if depth(m.baseDir, path) > 1 {
				dirs = append(dirs, path)
			}
			return nil
		}
		// Files beside the workspaces (lock file, blob database) are not cache.
		if depth(m.baseDir, path) <= 1 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info %q: %w", path, err)
		}
		if !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove %q: %w", path, err)
		}
		report.DeletedFiles++
		report.FreedBytes += info.Size()
		return nil
	})
	if err != nil {
		return report, err
	}

	// Deepest first so parents empty out after their children.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			report.DeletedDirs++
		}
	}

	return report, nil
}

func depth(base, path string) int {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}

func (m *FSManager) workspacePath(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, name), nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("workspace name is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("workspace name %q is invalid", name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("workspace name %q must not contain path separators", name)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("workspace name %q is invalid", name)
	}
	return nil
}
