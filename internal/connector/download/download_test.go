package download

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/silexlabs/silex/backend/internal/archive"
	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/session"
)

// The publication service keeps the archive link of Downloader hosts.
var _ connector.Downloader = (*Connector)(nil)

func newConnector(t *testing.T) (*Connector, *archive.Store) {
	t.Helper()
	store, err := archive.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(connector.Descriptor{ID: "download", Options: map[string]any{"baseUrl": "http://localhost:6805/"}}, store)
	if err != nil {
		t.Fatal(err)
	}
	return c, store
}

func TestPublishBuildsArchive(t *testing.T) {
	c, store := newConnector(t)
	jm := jobs.NewManager(0)

	files := []connector.File{
		connector.Bytes("index.html", []byte("<html></html>")),
		connector.Bytes("css/style.css", []byte("body{}")),
		connector.Bytes("assets/logo.png", []byte("\x89PNG")),
	}
	job, err := c.Publish(context.Background(), session.New(), "site-1", files, jm)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != jobs.StatusInProgress && job.Status != jobs.StatusSuccess {
		t.Fatalf("initial status: %s", job.Status)
	}
	jm.Wait()

	got, _ := jm.Get(job.ID)
	if got.Status != jobs.StatusSuccess {
		t.Fatalf("job: %+v", got)
	}
	prefix := "http://localhost:6805/download/"
	if !strings.HasPrefix(got.URL, prefix) {
		t.Fatalf("url: %s", got.URL)
	}
	name := strings.TrimPrefix(got.URL, prefix)
	if !strings.HasPrefix(name, "site-1-") {
		t.Fatalf("archive name: %s", name)
	}

	zr, err := zip.OpenReader(filepath.Join(store.Dir(), name))
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	if len(zr.File) != 3 {
		t.Fatalf("entries: got %d, want 3", len(zr.File))
	}
	rc, _ := zr.File[1].Open()
	b, _ := io.ReadAll(rc)
	rc.Close()
	if zr.File[1].Name != "css/style.css" || string(b) != "body{}" {
		t.Fatalf("entry 1: %s %q", zr.File[1].Name, b)
	}
	if len(got.Logs) < 3 {
		t.Fatalf("expected per-file logs, got %v", got.Logs)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestPublishFailureFailsJob(t *testing.T) {
	c, _ := newConnector(t)
	jm := jobs.NewManager(0)

	job, _ := c.Publish(context.Background(), session.New(), "site-1",
		[]connector.File{{Path: "index.html", Content: failingReader{}}}, jm)
	jm.Wait()

	got, _ := jm.Get(job.ID)
	if got.Status != jobs.StatusError || len(got.Errors) == 0 || !strings.Contains(got.Errors[0], "disk gone") {
		t.Fatalf("job: %+v", got)
	}
}

func TestAlwaysLoggedIn(t *testing.T) {
	c, _ := newConnector(t)
	if ok, _ := c.IsLoggedIn(context.Background(), session.New()); !ok {
		t.Fatal("download connector must not require login")
	}
	if c.Descriptor().Kind != connector.CapabilityHosting {
		t.Fatalf("kind: %s", c.Descriptor().Kind)
	}
}
