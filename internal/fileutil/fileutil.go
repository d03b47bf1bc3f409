// Package fileutil provides path hygiene and local tree helpers shared by the
// connectors, the publication façade and the download route. It has no HTTP
// dependencies.
package fileutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrForbiddenPath is returned when a relative path is empty, absolute or
// escapes its base.
var ErrForbiddenPath = errors.New("forbidden path")

// CleanRelPath validates a slash-separated relative path coming from a
// client and returns it cleaned. It rejects empty and absolute paths and any
// ".." segment, before or after cleaning.
func CleanRelPath(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, `\`) {
		return "", ErrForbiddenPath
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", ErrForbiddenPath
		}
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrForbiddenPath
	}
	return clean, nil
}

// ResolveSafePath resolves rel against base and returns the absolute path.
// It rejects everything CleanRelPath rejects plus paths that escape base
// through a symlink.
func ResolveSafePath(base, rel string) (string, error) {
	clean, err := CleanRelPath(rel)
	if err != nil {
		return "", err
	}

	abs := filepath.Join(base, filepath.FromSlash(clean))

	cleanBase := filepath.Clean(base)
	if !within(abs, cleanBase) {
		return "", ErrForbiddenPath
	}

	// If abs does not exist yet, the deepest existing ancestor is checked.
	resolved, err := resolveExisting(abs, cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	realBase, err := filepath.EvalSymlinks(cleanBase)
	if err != nil {
		realBase = cleanBase
	}
	if !within(resolved, realBase) && !within(resolved, cleanBase) {
		return "", ErrForbiddenPath
	}

	return abs, nil
}

func within(p, base string) bool {
	return p == base || strings.HasPrefix(p, base+string(os.PathSeparator))
}

// resolveExisting walks up the path until it finds an existing ancestor, then
// evaluates symlinks on that ancestor.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			return filepath.EvalSymlinks(cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !strings.HasPrefix(parent, base) {
			return base, nil
		}
		cur = parent
	}
}

// WriteFile stores the content of r at rel below root, creating
// intermediate directories.
func WriteFile(root, rel string, r io.Reader) error {
	dst, err := ResolveSafePath(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return err
	}
	return out.Sync()
}

// WalkFiles returns the slash-separated paths of every regular file below
// root, relative to it and sorted.
func WalkFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
