package diskutil

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/l3uddz/cloudplow/internal/process"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// OpenFiles lists regular files under root that some process has open, using lsof.
func OpenFiles(ctx context.Context, root string) ([]string, error) {
	out, err := process.Run(ctx, []string{"lsof", "-wFn", "+D", root})
	if err != nil {
		return nil, fmt.Errorf("OpenFiles: %w", err)
	}
	return parseLsof(out), nil
}

func parseLsof(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "n") || len(line) <= 1 {
			continue
		}
		path := line[1:]
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if !slices.Contains(files, path) {
			files = append(files, path)
		}
	}
	return files
}

// FindItems returns the files and directories under root whose name ends with suffix.
// Matching directories are not descended into.
func FindItems(root, suffix string) (files, dirs []string, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if path == root || !HasSuffixFold(d.Name(), suffix) {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return filepath.SkipDir
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("FindItems: error walking %s: %w", root, err)
	}
	return files, dirs, nil
}

// Delete removes files and empty directories, logging what could not be removed.
func Delete(paths []string) int {
	removed := 0
	for _, path := range paths {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, os.ErrNotExist):
			syslog.L.Debug().WithMessage("skipping deletion as it does not exist").WithField("path", path).Write()
		default:
			syslog.L.Error(err).WithMessage("exception deleting path").WithField("path", path).Write()
		}
	}
	return removed
}

// PruneEmptyDirs deletes empty directories at least minDepth levels below root, deepest
// first, so parents emptied along the way go too.
func PruneEmptyDirs(root string, minDepth int) error {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("PruneEmptyDirs: cannot prune %s: %w", root, err)
	}

	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if depth(root, path) >= minDepth {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("PruneEmptyDirs: error walking %s: %w", root, err)
	}

	// WalkDir visits parents before children
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			syslog.L.Error(err).WithMessage("failed removing empty directory").WithField("path", dirs[i]).Write()
		}
	}
	return nil
}

func depth(root, path string) int {
	if path == root {
		return 0
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}
