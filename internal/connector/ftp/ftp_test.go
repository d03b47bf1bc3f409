package ftp

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/jobs"
	"github.com/silexlabs/silex/backend/internal/remotefs"
	"github.com/silexlabs/silex/backend/internal/session"
)

func newTestConnector(t *testing.T, kind connector.Capability) (*Connector, *remotefs.MemoryServer) {
	t.Helper()
	srv := remotefs.NewMemoryServer("alice", "secret")
	c, err := New(connector.Descriptor{
		ID:      "ftp-" + strings.ToLower(string(kind)),
		Kind:    kind,
		Options: map[string]any{"root": "/home/alice", "protocol": "memory"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c.WithDialer(srv.Dial), srv
}

func loginParams(rootField, rootPath string) map[string]string {
	return map[string]string{
		"host": "ftp.example.com", "port": "21", "user": "alice", "pass": "secret",
		rootField: rootPath, "websiteUrl": "https://alice.example.com",
	}
}

func login(t *testing.T, c *Connector, sess *session.Session) {
	t.Helper()
	if err := c.SetToken(context.Background(), sess, loginParams(c.rootPathField(), "sites")); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
}

func TestSetTokenValidatesBeforeDialing(t *testing.T) {
	c, srv := newTestConnector(t, connector.CapabilityStorage)
	sess := session.New()

	for _, field := range []string{"host", "user", "pass", "port"} {
		params := loginParams("storageRootPath", "")
		delete(params, field)
		err := c.SetToken(context.Background(), sess, params)
		if !errors.Is(err, connector.ErrValidation) {
			t.Errorf("missing %s: got %v, want ValidationError", field, err)
		}
	}
	params := loginParams("storageRootPath", "")
	params["port"] = "twenty-one"
	if err := c.SetToken(context.Background(), sess, params); !errors.Is(err, connector.ErrValidation) {
		t.Errorf("bad port: got %v", err)
	}
	if srv.Dials() != 0 {
		t.Fatalf("no connection expected before validation passes, got %d", srv.Dials())
	}
	if ok, _ := c.IsLoggedIn(context.Background(), sess); ok {
		t.Fatal("must not be logged in")
	}
}

func TestSetTokenRejectsWrongPassword(t *testing.T) {
	c, _ := newTestConnector(t, connector.CapabilityStorage)
	sess := session.New()
	params := loginParams("storageRootPath", "")
	params["pass"] = "nope"

	err := c.SetToken(context.Background(), sess, params)
	if !errors.Is(err, connector.ErrAuthenticationRequired) {
		t.Fatalf("got %v, want AuthenticationRequired", err)
	}
	if ok, _ := c.IsLoggedIn(context.Background(), sess); ok {
		t.Fatal("must not be logged in")
	}
}

func TestLoginLogout(t *testing.T) {
	c, _ := newTestConnector(t, connector.CapabilityStorage)
	sess := session.New()
	login(t, c, sess)

	u, err := c.User(context.Background(), sess)
	if err != nil || u.Name != "alice@ftp.example.com" {
		t.Fatalf("User: %+v, %v", u, err)
	}
	_ = c.Logout(context.Background(), sess)
	if _, err := c.User(context.Background(), sess); !errors.Is(err, connector.ErrAuthenticationRequired) {
		t.Fatalf("after logout: %v", err)
	}
}

func TestWebsiteRoundTrip(t *testing.T) {
	c, srv := newTestConnector(t, connector.CapabilityStorage)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()

	id, err := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Blog"})
	if err != nil {
		t.Fatalf("CreateWebsite: %v", err)
	}
	if _, ok := srv.ReadFile("/home/alice/sites/" + id + "/website.json"); !ok {
		t.Fatalf("website.json not created, files: %v", srv.Paths())
	}

	data := []byte(`{"pages":[{"id":"home"}]}`)
	if err := c.UpdateWebsite(ctx, sess, id, data); err != nil {
		t.Fatalf("UpdateWebsite: %v", err)
	}
	rc, err := c.ReadWebsite(ctx, sess, id)
	if err != nil {
		t.Fatalf("ReadWebsite: %v", err)
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

	if err := c.SetWebsiteMeta(ctx, sess, id, connector.WebsiteMetaFile{Name: "Journal"}); err != nil {
		t.Fatal(err)
	}
	meta, err := c.GetWebsiteMeta(ctx, sess, id)
	if err != nil || meta.Name != "Journal" || meta.WebsiteID != id {
		t.Fatalf("GetWebsiteMeta: %+v, %v", meta, err)
	}

	if err := c.DeleteWebsite(ctx, sess, id); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadWebsite(ctx, sess, id); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("read after delete: %v", err)
	}
}

func TestUnknownWebsiteIsNotFound(t *testing.T) {
	c, _ := newTestConnector(t, connector.CapabilityStorage)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()

	if err := c.UpdateWebsite(ctx, sess, "someone-elses", []byte("{}")); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("update: %v", err)
	}
	if err := c.DeleteWebsite(ctx, sess, "someone-elses"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.GetWebsiteMeta(ctx, sess, "someone-elses"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("meta: %v", err)
	}
	if _, err := c.ReadWebsite(ctx, sess, "../etc"); !errors.Is(err, connector.ErrValidation) {
		t.Fatalf("traversal id: %v", err)
	}
}

func TestAssets(t *testing.T) {
	c, _ := newTestConnector(t, connector.CapabilityStorage)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()
	id, _ := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Shop"})

	jm := jobs.NewManager(0)
	job := jm.Start("assets")
	jm.Go(ctx, job.ID, func(ctx context.Context, r *jobs.Reporter) (jobs.Outcome, error) {
		return jobs.Outcome{}, c.WriteAssets(ctx, sess, id, []connector.File{
			connector.Bytes("img/logo.png", []byte("png")),
			connector.Bytes("../escape.txt", []byte("x")),
			connector.Bytes("doc.pdf", []byte("pdf")),
		}, r)
	})
	jm.Wait()
	got, _ := jm.Get(job.ID)
	if got.Status != jobs.StatusError || len(got.Errors) != 1 || !strings.HasPrefix(got.Errors[0], "../escape.txt") {
		t.Fatalf("job: %+v", got)
	}
	if len(got.Logs) < 2 {
		t.Fatalf("per-file progress missing: %v", got.Logs)
	}

	rc, err := c.ReadAsset(ctx, sess, id, "img/logo.png")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "png" {
		t.Fatalf("asset: %q", b)
	}

	if err := c.DeleteAssets(ctx, sess, id, []string{"img/logo.png", "missing.png"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadAsset(ctx, sess, id, "img/logo.png"); !errors.Is(err, connector.ErrNotFound) {
		t.Fatalf("deleted asset: %v", err)
	}
}

func TestDuplicateWebsite(t *testing.T) {
	c, srv := newTestConnector(t, connector.CapabilityStorage)
	sess := session.New()
	login(t, c, sess)
	ctx := context.Background()

	id, _ := c.CreateWebsite(ctx, sess, connector.WebsiteMetaFile{Name: "Blog"})
	_ = c.UpdateWebsite(ctx, sess, id, []byte(`{"v":1}`))
	_ = c.WriteAssets(ctx, sess, id, []connector.File{connector.Bytes("a/b.txt", []byte("b"))}, nil)

	copyID, err := c.DuplicateWebsite(ctx, sess, id)
	if err != nil {
		t.Fatalf("DuplicateWebsite: %v", err)
	}
	if copyID == id {
		t.Fatal("duplicate must get a new id")
	}
	if b, ok := srv.ReadFile("/home/alice/sites/" + copyID + "/assets/a/b.txt"); !ok || string(b) != "b" {
		t.Fatalf("asset not copied: %v", srv.Paths())
	}
	meta, err := c.GetWebsiteMeta(ctx, sess, copyID)
	if err != nil || meta.Name != "Blog copy" {
		t.Fatalf("meta: %+v, %v", meta, err)
	}
}

func TestPublish(t *testing.T) {
	c, srv := newTestConnector(t, connector.CapabilityHosting)
	sess := session.New()
	login(t, c, sess)
	jm := jobs.NewManager(0)

	files := []connector.File{
		connector.Bytes("index.html", []byte("<html></html>")),
		connector.Bytes("css/style.css", []byte("body{}")),
		connector.Bytes("assets/logo.png", []byte("png")),
	}
	job, err := c.Publish(context.Background(), sess, "site-1", files, jm)
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" {
		t.Fatal("job id missing")
	}
	jm.Wait()

	got, _ := jm.Get(job.ID)
	if got.Status != jobs.StatusSuccess || got.URL != "https://alice.example.com" {
		t.Fatalf("job: %+v", got)
	}
	for _, p := range []string{"/home/alice/sites/index.html", "/home/alice/sites/css/style.css", "/home/alice/sites/assets/logo.png"} {
		if _, ok := srv.ReadFile(p); !ok {
			t.Errorf("%s not uploaded: %v", p, srv.Paths())
		}
	}
}

func TestPublishRequiresLogin(t *testing.T) {
	c, _ := newTestConnector(t, connector.CapabilityHosting)
	jm := jobs.NewManager(0)
	if _, err := c.Publish(context.Background(), session.New(), "x", nil, jm); !errors.Is(err, connector.ErrAuthenticationRequired) {
		t.Fatalf("got %v", err)
	}
}

func TestLoginFormUsesKindSpecificField(t *testing.T) {
	storage, _ := newTestConnector(t, connector.CapabilityStorage)
	hosting, _ := newTestConnector(t, connector.CapabilityHosting)

	s, err := storage.LoginForm(context.Background(), session.New(), "/done")
	if err != nil || !strings.Contains(s, `name="storageRootPath"`) || strings.Contains(s, "websiteUrl") {
		t.Fatalf("storage form: %v\n%s", err, s)
	}
	h, _ := hosting.LoginForm(context.Background(), session.New(), "/done")
	if !strings.Contains(h, `name="publicationPath"`) || !strings.Contains(h, `name="websiteUrl"`) {
		t.Fatalf("hosting form:\n%s", h)
	}
}
