package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is matched by every *LocalFilesystemError.
var ErrNetworkFilesystem = errors.New("network filesystem")

// Filesystems where SQLite locking and flock(2) cannot be trusted.
var networkFilesystems = map[string]bool{
	"9p":     true,
	"afpfs":  true,
	"afs":    true,
	"ceph":   true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// mount is the filesystem found under a path.
type mount struct {
	dir    string // nearest existing ancestor, the one inspected
	fsType string // name, hex statfs magic, or "" when unknown
}

func (m mount) network() bool {
	return networkFilesystems[strings.ToLower(strings.TrimSpace(m.fsType))]
}

// LocalFilesystemError reports a path that must be local but is not.
type LocalFilesystemError struct {
	Path    string
	Setting string
	FSType  string
}

func (e *LocalFilesystemError) Error() string {
	return fmt.Sprintf("%s lives on %s (%s); locks are unreliable there, set %s to a local path",
		e.Path, ErrNetworkFilesystem, e.FSType, e.Setting)
}

func (e *LocalFilesystemError) Unwrap() error { return ErrNetworkFilesystem }

type fsTypeFunc func(dir string) (string, error)

// RequireLocalFilesystem fails with a *LocalFilesystemError when path, or
// the nearest part of it that exists, is on a network mount. setting is
// the config key the user should change.
func RequireLocalFilesystem(path, setting string) error {
	return requireLocalFilesystem(path, setting, detectFilesystemType)
}

func requireLocalFilesystem(path, setting string, detect fsTypeFunc) error {
	m, err := inspect(path, detect)
	if err != nil {
		return err
	}
	if m.network() {
		return &LocalFilesystemError{Path: path, Setting: setting, FSType: m.fsType}
	}
	return nil
}

func inspect(path string, detect fsTypeFunc) (mount, error) {
	if path == "" {
		return mount{}, fmt.Errorf("path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return mount{}, err
	}
	fsType, err := detect(dir)
	if err != nil {
		return mount{}, fmt.Errorf("filesystem of %s: %w", dir, err)
	}
	return mount{dir: dir, fsType: fsType}, nil
}

func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("resolve %s: %w", path, err)
		case filepath.Dir(dir) == dir:
			return "", fmt.Errorf("resolve %s: no part of it exists", abs)
		}
	}
}

func validateSQLiteFilesystem(path string) error {
	return RequireLocalFilesystem(path, "sandbox.sqlite_path or journal.path")
}
