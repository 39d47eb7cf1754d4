//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type values, see statfs(2).
var linuxFilesystemMagic = map[uint64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x517B:     "smbfs",
	0xFE534D42: "smb2",
	0x01021997: "9p",
	0x5346414F: "afs",
	0x00C36400: "ceph",
}

// Linux only reports a magic number; unlisted ones come back as hex.
func detectFilesystemType(dir string) (string, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return "", fmt.Errorf("statfs: %w", err)
	}
	magic := uint64(st.Type) & 0xFFFFFFFF
	if name, ok := linuxFilesystemMagic[magic]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", magic), nil
}
