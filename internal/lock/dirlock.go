// Package lock keeps two ocrbridge processes from sharing one sandbox
// directory. The lock is an flock(2) held on a PID file inside the
// directory for as long as the file descriptor stays open.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/mattjoyce/ocrbridge/internal/storage"
)

// FileName is the lock file created inside a locked directory.
const FileName = ".ocrbridge.lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("directory is locked by another process")

// DirLock is a held lock on a directory.
type DirLock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock on dir, creating it if
// needed, and records the current PID in the lock file.
func Acquire(dir string) (*DirLock, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	if err := storage.RequireLocalFilesystem(dir, "sandbox.dir"); err != nil {
		return nil, err
	}
	lockPath := filepath.Join(dir, FileName)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, ok := Holder(dir); ok {
				return nil, fmt.Errorf("%w (pid %d): %s", ErrLocked, pid, dir)
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &DirLock{path: lockPath, f: f}
	if err := l.writePID(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *DirLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(l.f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Holder returns the PID recorded in dir's lock file, if any.
func Holder(dir string) (int, bool) {
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
