//go:build darwin

package storage

import (
	"fmt"
	"strings"
	"syscall"
)

// Darwin names the filesystem directly, e.g. "apfs", "smbfs", "nfs".
func detectFilesystemType(dir string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return "", fmt.Errorf("statfs: %w", err)
	}
	var name strings.Builder
	for _, c := range st.Fstypename {
		if c == 0 {
			break
		}
		name.WriteByte(byte(c))
	}
	return name.String(), nil
}
