//go:build unix

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskFree returns the free bytes on the volume holding path or its nearest
// existing ancestor.
func DiskFree(path string) (int64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", path, err)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
