package archive

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/silexlabs/silex/backend/internal/fileutil"
)

func TestCreateWritesAllEntries(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	entries := []Entry{
		{Path: "index.html", Content: strings.NewReader("<html></html>")},
		{Path: "/css/style.css", Content: strings.NewReader("body{}")},
		{Path: "assets/logo.svg", Content: strings.NewReader("<svg/>")},
	}
	var seen []string
	name, err := s.Create("site-1", entries, func(p string, _ int64) { seen = append(seen, p) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("onEntry calls: got %d, want 3", len(seen))
	}

	p, err := s.Path(name)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.OpenReader(p)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()

	got := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		got[f.Name] = string(b)
	}
	if len(got) != 3 || got["css/style.css"] != "body{}" || got["index.html"] != "<html></html>" {
		t.Fatalf("entries: %v", got)
	}
}

func TestCreateRemovesPartialArchive(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)

	boom := errors.New("read failed")
	_, err := s.Create("x", []Entry{{Path: "a.txt", Content: io.MultiReader(strings.NewReader("a"), errReader{boom})}}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped read error", err)
	}
	left, _ := os.ReadDir(dir)
	if len(left) != 0 {
		t.Fatalf("partial archive left behind: %v", left)
	}
}

func TestCreateRejectsEscapingEntries(t *testing.T) {
	for _, bad := range []string{"../../etc/passwd", "assets/../../x", "", `a\b`} {
		dir := t.TempDir()
		s, _ := NewStore(dir)
		_, err := s.Create("x", []Entry{
			{Path: "index.html", Content: strings.NewReader("ok")},
			{Path: bad, Content: strings.NewReader("evil")},
		}, nil)
		if !errors.Is(err, fileutil.ErrForbiddenPath) {
			t.Fatalf("%q: got %v, want ErrForbiddenPath", bad, err)
		}
		if left, _ := os.ReadDir(dir); len(left) != 0 {
			t.Fatalf("%q: archive left behind: %v", bad, left)
		}
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestName(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	name := Name("my site/../x", now)
	if !regexp.MustCompile(`^my_site_\.\._x-1700000000123-[0-9a-f]{8}\.zip$`).MatchString(name) {
		t.Fatalf("unexpected name %q", name)
	}
	if Name("a", now) == Name("a", now) {
		t.Fatal("names must be unique")
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	for _, n := range []string{"", "../etc/passwd.zip", "a/b.zip", "notzip.txt", ".."} {
		if _, err := s.Path(n); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Path(%q): got %v, want ErrInvalidName", n, err)
		}
	}
}

func TestSweepRemovesStaleArchives(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)

	old := filepath.Join(dir, "old.zip")
	fresh := filepath.Join(dir, "fresh.zip")
	_ = os.WriteFile(old, []byte("x"), 0o600)
	_ = os.WriteFile(fresh, []byte("x"), 0o600)
	past := time.Now().Add(-2 * time.Hour)
	_ = os.Chtimes(old, past, past)

	n, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh archive removed: %v", err)
	}
}
