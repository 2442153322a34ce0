package diskutil

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

const gigabyte = 1 << 30

// Matcher reports whether a path is excluded. Patterns follow du --exclude: a pattern
// matches the whole path or any trailing run of its components, and * crosses slashes.
type Matcher struct {
	globs []glob.Glob
}

func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("NewMatcher: invalid pattern %q: %w", p, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

func (m *Matcher) Match(path string) bool {
	if len(m.globs) == 0 {
		return false
	}

	path = filepath.ToSlash(path)
	candidates := []string{path}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' && i+1 < len(path) {
			candidates = append(candidates, path[i+1:])
		}
	}

	for _, g := range m.globs {
		for _, c := range candidates {
			if g.Match(c) {
				return true
			}
		}
	}
	return false
}

// SizeOf returns the size of everything under root in GiB, rounded up, skipping excludes.
func SizeOf(root string, excludes []string) (int, error) {
	matcher, err := NewMatcher(excludes)
	if err != nil {
		return 0, err
	}

	root = filepath.Clean(root)
	var total int64
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}

		if path != root {
			rel, _ := filepath.Rel(root, path)
			if matcher.Match(rel) || matcher.Match(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("SizeOf: error walking %s: %w", root, err)
	}

	return int((total + gigabyte - 1) / gigabyte), nil
}

// HasSuffixFold is strings.HasSuffix without case.
func HasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}
