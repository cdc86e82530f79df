package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrInsufficientSpace is matched by *InsufficientSpaceError.
var ErrInsufficientSpace = errors.New("insufficient space")

// Shortfall describes one destination that cannot hold the run.
type Shortfall struct {
	Root      string `json:"root"`
	Required  int64  `json:"required_bytes"`
	Available int64  `json:"available_bytes"`
}

// InsufficientSpaceError aborts a run before any file is copied.
type InsufficientSpaceError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientSpaceError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s needs %s, has %s",
			s.Root, humanize.IBytes(uint64(s.Required)), humanize.IBytes(uint64(s.Available))))
	}
	return "insufficient space: " + strings.Join(parts, "; ")
}

func (e *InsufficientSpaceError) Unwrap() error { return ErrInsufficientSpace }

// FreeSpaceFunc reports the bytes available to an unprivileged writer at path.
type FreeSpaceFunc func(path string) (int64, error)

// existingAncestor walks up from p to the closest path that exists, so a
// destination root that has not been created yet is measured on its volume.
func existingAncestor(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no existing ancestor for %s", p)
		}
		abs = parent
	}
}
