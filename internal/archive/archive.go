// Package archive builds zip archives of a rendered website in a
// process-local temporary directory and hands them out by name.
package archive

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/fileutil"
)

// ErrInvalidName is returned for archive names that were not produced by Create.
var ErrInvalidName = errors.New("archive: invalid name")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Entry is one file to add to an archive.
type Entry struct {
	Path    string
	Content io.Reader
}

// Store owns the directory archives are written to.
type Store struct {
	dir string
}

// NewStore returns a Store writing under dir, created if missing. An empty
// dir uses a "silex-downloads" folder in the OS temp directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "silex-downloads")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("archive: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding the archives.
func (s *Store) Dir() string { return s.dir }

// Name derives a unique archive file name from the website id.
func Name(websiteID string, now time.Time) string {
	suffix := make([]byte, 4)
	if _, err := io.ReadFull(rand.Reader, suffix); err != nil {
		panic("archive: failed to read random bytes: " + err.Error())
	}
	id := unsafeChars.ReplaceAllString(websiteID, "_")
	if id == "" {
		id = "website"
	}
	return fmt.Sprintf("%s-%d-%s.zip", id, now.UnixMilli(), hex.EncodeToString(suffix))
}

// Create streams entries into a new archive at maximum compression and
// returns its name. onEntry, when not nil, is called after each entry is
// written. A partially written archive is removed on failure.
func (s *Store) Create(websiteID string, entries []Entry, onEntry func(path string, written int64)) (string, error) {
	name := Name(websiteID, time.Now())
	full := filepath.Join(s.dir, name)

	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", name, err)
	}

	if err := write(f, entries, onEntry); err != nil {
		f.Close()
		os.Remove(full)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return "", fmt.Errorf("archive: close %s: %w", name, err)
	}
	log.Debug().Str("archive", name).Int("entries", len(entries)).Msg("archive: created")
	return name, nil
}

func write(w io.Writer, entries []Entry, onEntry func(string, int64)) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	now := time.Now()
	for _, e := range entries {
		name, err := fileutil.CleanRelPath(strings.TrimPrefix(filepath.ToSlash(e.Path), "/"))
		if err != nil {
			return fmt.Errorf("archive: entry %q: %w", e.Path, err)
		}
		hw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: now,
		})
		if err != nil {
			return fmt.Errorf("archive: add %q: %w", name, err)
		}
		n, err := io.Copy(hw, e.Content)
		if err != nil {
			return fmt.Errorf("archive: write %q: %w", name, err)
		}
		if onEntry != nil {
			onEntry(name, n)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: finalize: %w", err)
	}
	return nil
}

// Path resolves name to its file inside the store, rejecting anything that
// would escape it.
func (s *Store) Path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || !strings.HasSuffix(name, ".zip") {
		return "", ErrInvalidName
	}
	p, err := fileutil.ResolveSafePath(s.dir, name)
	if err != nil {
		return "", ErrInvalidName
	}
	return p, nil
}

// Open opens the named archive for reading.
func (s *Store) Open(name string) (*os.File, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", name, err)
	}
	return f, nil
}

// Remove deletes the named archive.
func (s *Store) Remove(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// Sweep deletes archives last modified before now-maxAge and returns how
// many were removed.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("archive: sweep %s: %w", s.dir, err)
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			n++
		}
	}
	return n, nil
}
