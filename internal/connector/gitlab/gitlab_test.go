package gitlab

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/session"
)

func newTestConnector(t *testing.T, f *fakeGitLab, kind connector.Capability, extra map[string]any) *Connector {
	t.Helper()
	opts := map[string]any{
		"domain":            f.srv.URL,
		"clientId":          "cid",
		"redirectUrl":       "http://localhost:6805/api/connectors/gitlab/callback",
		"pollInterval":      "10ms",
		"timeout":           "2s",
		"requestsPerSecond": 0,
	}
	for k, v := range extra {
		opts[k] = v
	}
	c, err := New(connector.Descriptor{ID: "gitlab-" + strings.ToLower(string(kind)), Kind: kind, Options: opts})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRejectsUnusablePolling(t *testing.T) {
	tests := []struct {
		name  string
		extra map[string]any
	}{
		{"zero interval", map[string]any{"pollInterval": 0}},
		{"unitless interval", map[string]any{"pollInterval": 5}},
		{"negative interval", map[string]any{"pollInterval": "-1s"}},
		{"timeout shorter than interval", map[string]any{"pollInterval": "5s", "timeout": "1s"}},
		{"negative timeout", map[string]any{"timeout": "-1m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := map[string]any{"clientId": "cid"}
			for k, v := range tt.extra {
				opts[k] = v
			}
			if _, err := New(connector.Descriptor{ID: "gitlab", Options: opts}); err == nil {
				t.Fatal("expected an options error")
			}
		})
	}
	if _, err := New(connector.Descriptor{ID: "gitlab", Options: map[string]any{"clientId": "cid"}}); err != nil {
		t.Fatalf("defaults: %v", err)
	}
}

func login(t *testing.T, c *Connector, sess *session.Session) {
	t.Helper()
	u, err := c.AuthorizeURL(context.Background(), sess, "/editor")
	if err != nil {
		t.Fatal(err)
	}
	parsed, _ := url.Parse(u)
	state := parsed.Query().Get("state")
	if err := c.SetToken(context.Background(), sess, map[string]string{"state": state, "code": "code-1"}); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
}

func TestLoginStoresUser(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()

	u, _ := c.AuthorizeURL(context.Background(), sess, "/editor")
	if !strings.HasPrefix(u, f.srv.URL+"/oauth/authorize?") || !strings.Contains(u, "code_challenge_method=S256") {
		t.Fatalf("authorize url: %s", u)
	}
	if ok, _ := c.IsLoggedIn(context.Background(), sess); ok {
		t.Fatal("pending handshake is not a login")
	}

	login(t, c, sess)
	cr, _ := session.Lookup[session.OAuthCredentials](sess, c.desc.ID)
	if cr.UserID != 7 || cr.Username != "ada" || cr.ReturnTo != "/editor" || cr.CodeVerifier != "" {
		t.Fatalf("credentials: %+v", cr)
	}
	user, err := c.User(context.Background(), sess)
	if err != nil || user.Name != "Ada Lovelace" {
		t.Fatalf("User: %+v, %v", user, err)
	}
}

func TestStateMismatchLogsOut(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()

	_, _ = c.AuthorizeURL(context.Background(), sess, "")
	err := c.SetToken(context.Background(), sess, map[string]string{"state": "forged", "code": "valid-code"})
	if !errors.Is(err, connector.ErrAuthorizationExpired) {
		t.Fatalf("got %v, want AuthorizationExpired", err)
	}
	if _, ok := sess.Get(c.desc.ID); ok {
		t.Fatal("session entry must be cleared")
	}
}

func TestCallbackWithProviderError(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()
	_, _ = c.AuthorizeURL(context.Background(), sess, "")

	err := c.SetToken(context.Background(), sess, map[string]string{"error": "access_denied"})
	if !errors.Is(err, connector.ErrAuthorizationExpired) || !strings.Contains(err.Error(), "access_denied") {
		t.Fatalf("got %v", err)
	}
}

func TestWebsiteRoundTrip(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()

	id, err := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Blog"})
	if err != nil {
		t.Fatalf("CreateWebsite: %v", err)
	}
	data := []byte(`{"pages":[{"id":"home"}]}`)
	if err := c.UpdateWebsite(ctx, sess, id, data); err != nil {
		t.Fatalf("UpdateWebsite: %v", err)
	}
	rc, err := c.ReadWebsite(ctx, sess, id)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != string(data) {
		t.Fatalf("round trip: got %s", got)
	}

	list, err := c.ListWebsites(ctx, sess)
	if err != nil || len(list) != 1 || list[0].WebsiteID != id || list[0].Name != "Blog" {
		t.Fatalf("ListWebsites: %+v, %v", list, err)
	}

	if err := c.SetWebsiteMeta(ctx, sess, id, connector.WebsiteMetaFile{Name: "Journal", ImageURL: "https://example.com/a.png"}); err != nil {
		t.Fatal(err)
	}
	meta, err := c.GetWebsiteMeta(ctx, sess, id)
	if err != nil || meta.Name != "Journal" || meta.ImageURL == "" {
		t.Fatalf("meta: %+v, %v", meta, err)
	}

	if err := c.DeleteWebsite(ctx, sess, id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadWebsite(ctx, sess, id); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("read after delete: %v", err)
	}
	if _, err := c.ReadWebsite(ctx, sess, "not-a-project"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("foreign id: %v", err)
	}
}

func TestExpiredTokenIsRefreshedOnce(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()
	id, _ := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Blog"})

	f.expireToken()
	if _, err := c.ReadWebsite(ctx, sess, id); err != nil {
		t.Fatalf("ReadWebsite after expiry: %v", err)
	}
	if f.refreshes != 1 {
		t.Fatalf("refreshes: got %d, want 1", f.refreshes)
	}
	cr, _ := session.Lookup[session.OAuthCredentials](sess, c.desc.ID)
	if cr.AccessToken != "access-2" || cr.UserID != 7 {
		t.Fatalf("credentials after refresh: %+v", cr)
	}
}

func TestAssets(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()
	id, _ := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Shop"})

	files := []connector.File{
		connector.Bytes("logo.png", []byte("\x89PNG\r\n\x1a\n")),
		connector.Bytes("docs/readme.txt", []byte("hello")),
	}
	if err := c.WriteAssets(ctx, sess, id, files, nil); err != nil {
		t.Fatal(err)
	}
	// A second write goes through the update path.
	if err := c.WriteAssets(ctx, sess, id, []connector.File{connector.Bytes("docs/readme.txt", []byte("v2"))}, nil); err != nil {
		t.Fatal(err)
	}

	rc, err := c.ReadAsset(ctx, sess, id, "docs/readme.txt")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(rc)
	if string(b) != "v2" {
		t.Fatalf("asset: %q", b)
	}
	pid, _ := strconv.ParseInt(id, 10, 64)
	if png, ok := f.file(pid, "assets/logo.png"); !ok || png[0] != 0x89 {
		t.Fatal("binary asset not stored intact")
	}

	if err := c.DeleteAssets(ctx, sess, id, []string{"logo.png", "gone.png"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadAsset(ctx, sess, id, "logo.png"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("deleted asset: %v", err)
	}
}

func TestDuplicateWebsite(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()

	id, _ := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Blog"})
	_ = c.UpdateWebsite(ctx, sess, id, []byte(`{"v":1}`))
	_ = c.WriteAssets(ctx, sess, id, []connector.File{connector.Bytes("a.txt", []byte("a"))}, nil)

	copyID, err := c.DuplicateWebsite(ctx, sess, id)
	if err != nil {
		t.Fatalf("DuplicateWebsite: %v", err)
	}
	pid, _ := strconv.ParseInt(copyID, 10, 64)
	if b, ok := f.file(pid, "website.json"); !ok || string(b) != `{"v":1}` {
		t.Fatalf("website.json not copied: %q", b)
	}
	if _, ok := f.file(pid, "assets/a.txt"); !ok {
		t.Fatal("asset not copied")
	}
	meta, err := c.GetWebsiteMeta(ctx, sess, copyID)
	if err != nil || meta.Name != "Blog copy" {
		t.Fatalf("meta: %+v, %v", meta, err)
	}
}

func publishFiles() []connector.File {
	return []connector.File{
		connector.Bytes("index.html", []byte("<!DOCTYPE html><html></html>")),
		connector.Bytes("style.css", []byte("body{}")),
		connector.Bytes("logo.png", []byte("\x89PNG\r\n\x1a\n")),
	}
}

func TestPublishCreatesDescriptorUploadsAndTags(t *testing.T) {
	f := newFakeGitLab(t)
	storage := newTestConnector(t, f, connector.CapabilityStorage, nil)
	hosting := newTestConnector(t, f, connector.CapabilityHosting, nil)
	hosting.desc.ID = storage.desc.ID
	sess := session.New()
	login(t, storage, sess)
	ctx := context.Background()
	id, _ := storage.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Blog"})

	jm := jobs.NewManager(0)
	job, err := hosting.Publish(ctx, sess, id, publishFiles(), jm)
	if err != nil {
		t.Fatal(err)
	}
	jm.Wait()

	got, _ := jm.Get(job.ID)
	if got.Status != jobs.StatusSuccess || got.URL == "" {
		t.Fatalf("job: %+v", got)
	}
	if got.URL != "https://ada.gitlab.io/silex_blog" {
		t.Fatalf("url: %s", got.URL)
	}
	if !strings.Contains(got.Message, "/-/jobs/1") {
		t.Fatalf("message should link the build log: %s", got.Message)
	}

	pid, _ := strconv.ParseInt(id, 10, 64)
	ci, ok := f.file(pid, ".gitlab-ci.yml")
	if !ok || !strings.HasPrefix(string(ci), ciMarker) {
		t.Fatalf("descriptor: %q", ci)
	}
	for _, p := range []string{"public/index.html", "public/style.css", "public/logo.png"} {
		if _, ok := f.file(pid, p); !ok {
			t.Errorf("%s not uploaded", p)
		}
	}
	if tags := f.tags(pid); len(tags) != 1 || !strings.HasPrefix(tags[0], "silex-") {
		t.Fatalf("tags: %v", tags)
	}
}

func TestPublishLeavesUserDescriptorUntouched(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()
	id, _ := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Blog"})
	pid, _ := strconv.ParseInt(id, 10, 64)
	custom := []byte("pages:\n  script: [make]\n")
	f.setFile(pid, ".gitlab-ci.yml", custom)

	jm := jobs.NewManager(0)
	job, _ := c.Publish(ctx, sess, id, publishFiles(), jm)
	jm.Wait()

	if got, _ := jm.Get(job.ID); got.Status != jobs.StatusSuccess {
		t.Fatalf("job: %+v", got)
	}
	if ci, _ := f.file(pid, ".gitlab-ci.yml"); string(ci) != string(custom) {
		t.Fatalf("user descriptor overwritten: %q", ci)
	}
}

func TestPublishPollTimeoutIsDegradedSuccess(t *testing.T) {
	f := newFakeGitLab(t)
	f.reportJobs = false
	c := newTestConnector(t, f, connector.CapabilityStorage, map[string]any{"timeout": "60ms"})
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()
	id, _ := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Blog"})

	jm := jobs.NewManager(0)
	job, _ := c.Publish(ctx, sess, id, publishFiles(), jm)
	jm.Wait()

	got, _ := jm.Get(job.ID)
	if got.Status != jobs.StatusSuccess {
		t.Fatalf("job: %+v", got)
	}
	if !strings.Contains(got.Message, f.srv.URL+"/ada/silex_blog/-/jobs") || !strings.Contains(got.Message, "could not be confirmed") {
		t.Fatalf("message: %s", got.Message)
	}
}

func TestPublishUnknownProjectFailsJob(t *testing.T) {
	f := newFakeGitLab(t)
	c := newTestConnector(t, f, connector.CapabilityStorage, nil)
	sess := session.New()
	login(t, c, sess)

	jm := jobs.NewManager(0)
	job, err := c.Publish(context.Background(), sess, "999", publishFiles(), jm)
	if err != nil {
		t.Fatalf("pre-flight must pass, got %v", err)
	}
	jm.Wait()
	if got, _ := jm.Get(job.ID); got.Status != jobs.StatusError || len(got.Errors) == 0 {
		t.Fatalf("job: %+v", got)
	}
}

func TestTagName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 42*int(time.Millisecond), time.UTC)
	if got := tagName(ts); got != "silex-20240309-140507-042" {
		t.Fatalf("tagName: %s", got)
	}
}
