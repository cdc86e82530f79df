//go:build !unix

package engine

import (
	"errors"
	"fmt"
)

// DiskFree is not implemented on this platform; the pre-flight check is
// skipped with a warning.
func DiskFree(path string) (int64, error) {
	return 0, fmt.Errorf("free space of %s: %w", path, errors.ErrUnsupported)
}
