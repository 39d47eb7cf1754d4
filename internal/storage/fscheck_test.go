package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func fixedType(fsType string, err error) fsTypeFunc {
	return func(string) (string, error) { return fsType, err }
}

func TestRequireLocalFilesystem(t *testing.T) {
	t.Parallel()

	db := filepath.Join(t.TempDir(), "blobs.db")
	tests := []struct {
		name    string
		path    string
		detect  fsTypeFunc
		wantErr string
	}{
		{name: "local", path: db, detect: fixedType("apfs", nil)},
		{name: "linux magic is local", path: db, detect: fixedType("0xef53", nil)},
		{name: "unknown platform", path: db, detect: fixedType("", nil)},
		{name: "nfs", path: db, detect: fixedType("nfs", nil), wantErr: "set sandbox.dir to a local path"},
		{name: "smb uppercase", path: db, detect: fixedType("SMBFS", nil), wantErr: "(SMBFS)"},
		{name: "9p", path: db, detect: fixedType("9p", nil), wantErr: "9p"},
		{name: "detector failure", path: db, detect: fixedType("", errors.New("statfs boom")), wantErr: "statfs boom"},
		{name: "empty path", path: "", detect: fixedType("apfs", nil), wantErr: "path is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := requireLocalFilesystem(tt.path, "sandbox.dir", tt.detect)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLocalFilesystemError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.db")
	err := requireLocalFilesystem(path, "journal.path", fixedType("cifs", nil))
	if !errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("error %v does not match ErrNetworkFilesystem", err)
	}
	var lfe *LocalFilesystemError
	if !errors.As(err, &lfe) {
		t.Fatalf("error %T is not a *LocalFilesystemError", err)
	}
	if lfe.Path != path || lfe.Setting != "journal.path" || lfe.FSType != "cifs" {
		t.Fatalf("error = %+v", lfe)
	}
}

func TestInspectUsesNearestExistingAncestor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	m, err := inspect(filepath.Join(root, "nested", "dir", "blobs.db"), func(dir string) (string, error) {
		inspected = dir
		return "apfs", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if inspected != root || m.dir != root {
		t.Fatalf("inspected %q (mount %q), want nearest existing ancestor %q", inspected, m.dir, root)
	}
	if m.network() {
		t.Fatal("apfs reported as a network mount")
	}
}

func TestDetectFilesystemTypeOnTempDir(t *testing.T) {
	t.Parallel()
	fsType, err := detectFilesystemType(t.TempDir())
	if err != nil {
		t.Fatalf("detectFilesystemType: %v", err)
	}
	if (mount{fsType: fsType}).network() {
		t.Skipf("temp dir is on %s", fsType)
	}
}
