package engine

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BadgerOps/offload/internal/transfer"
)

// UnreadableEntry is a source entry that matched the filters but could not be
// inspected: a dangling link, an unreadable directory, a failed stat.
type UnreadableEntry struct {
	RelPath string
	Err     error
}

// Discover lists the regular files under root in lexical order of their
// slash-separated relative paths, keeping those that match include (all when
// empty) and no exclude pattern. A root that is itself a file is returned as
// the only entry. Entries below root that cannot be inspected are returned in
// unreadable rather than failing the walk; only an unreadable root is an error.
func Discover(root string, include, exclude []string) (files []transfer.SourceFile, unreadable []UnreadableEntry, err error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if err := validatePattern(p); err != nil {
			return nil, nil, err
		}
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", transfer.ErrSourceUnreadable, err)
	}
	now := time.Now()

	if info.Mode().IsRegular() {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", transfer.ErrSourceUnreadable, err)
		}
		return []transfer.SourceFile{{
			RelPath:      filepath.Base(abs),
			AbsPath:      abs,
			Size:         info.Size(),
			DiscoveredAt: now,
		}}, nil, nil
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is not a file or directory", transfer.ErrSourceUnreadable, root)
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if p == root {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if walkErr != nil {
			// A directory that cannot be listed may hide selected files, so
			// only an exclude pattern drops it.
			dir := d != nil && d.IsDir()
			if (dir && Selected(rel, nil, exclude)) || (!dir && Selected(rel, include, exclude)) {
				unreadable = append(unreadable, UnreadableEntry{RelPath: rel, Err: walkErr})
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !Selected(rel, include, exclude) {
			return nil
		}

		fi, err := d.Info()
		if err == nil && fi.Mode()&fs.ModeSymlink != 0 {
			// follow links to files, ignore links to directories
			fi, err = os.Stat(p)
		}
		if err != nil {
			unreadable = append(unreadable, UnreadableEntry{RelPath: rel, Err: err})
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			unreadable = append(unreadable, UnreadableEntry{RelPath: rel, Err: err})
			return nil
		}
		files = append(files, transfer.SourceFile{
			RelPath:      rel,
			AbsPath:      abs,
			Size:         fi.Size(),
			DiscoveredAt: now,
		})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: walking %s: %v", transfer.ErrSourceUnreadable, root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	sort.Slice(unreadable, func(i, j int) bool { return unreadable[i].RelPath < unreadable[j].RelPath })
	return files, unreadable, nil
}

// Selected applies include and exclude patterns to a slash-separated relative
// path. Exclude wins over include.
func Selected(rel string, include, exclude []string) bool {
	for _, p := range exclude {
		if matchPattern(p, rel) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, p := range include {
		if matchPattern(p, rel) {
			return true
		}
	}
	return false
}

// matchPattern matches case-insensitively. A pattern without a slash matches
// the base name; a leading "**/" matches at any depth; a trailing "/**"
// matches everything below a directory.
func matchPattern(pattern, rel string) bool {
	pattern = strings.ToLower(strings.TrimPrefix(pattern, "./"))
	rel = strings.ToLower(rel)

	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(rel))
		return ok
	}

	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		for parent := path.Dir(rel); parent != "."; parent = path.Dir(parent) {
			if matchPattern(dir, parent) {
				return true
			}
		}
		return false
	}

	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		for candidate := rel; ; {
			if m, _ := path.Match(rest, candidate); m {
				return true
			}
			i := strings.IndexByte(candidate, '/')
			if i < 0 {
				return false
			}
			candidate = candidate[i+1:]
		}
	}

	ok, _ := path.Match(pattern, rel)
	return ok
}

func validatePattern(p string) error {
	p = strings.TrimPrefix(strings.TrimSuffix(p, "/**"), "**/")
	if _, err := path.Match(p, ""); err != nil {
		return fmt.Errorf("invalid glob pattern %q: %w", p, err)
	}
	return nil
}
