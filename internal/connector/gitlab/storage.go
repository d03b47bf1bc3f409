package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/fileutil"
	glapi "github.com/silexlabs/silex/backend/internal/gitlab"
	"github.com/silexlabs/silex/backend/internal/session"
)

// metaFromProject recovers the metadata stored in the project description,
// falling back to the project name without the repository prefix.
func (c *Connector) metaFromProject(p glapi.Project) connector.WebsiteMeta {
	var mf connector.WebsiteMetaFile
	if err := json.Unmarshal([]byte(p.Description), &mf); err != nil || mf.Name == "" {
		mf = connector.WebsiteMetaFile{Name: strings.TrimPrefix(p.Name, c.opts.RepoPrefix)}
	}
	return connector.WebsiteMeta{
		WebsiteMetaFile: mf,
		WebsiteID:       strconv.FormatInt(p.ID, 10),
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.LastActivityAt,
	}
}

func checkID(op, websiteID string) error {
	if _, err := strconv.ParseInt(websiteID, 10, 64); err != nil {
		return &connector.Error{Kind: connector.KindNotFound, Backend: backend, Op: op, Path: websiteID, Message: "no such website"}
	}
	return nil
}

func (c *Connector) assetPath(op, rel string) (string, error) {
	clean, err := fileutil.CleanRelPath(rel)
	if err != nil {
		return "", &connector.Error{Kind: connector.KindValidation, Backend: backend, Op: op, Path: rel, Err: err}
	}
	return path.Join(c.opts.AssetsFolder, clean), nil
}

func (c *Connector) CreateWebsite(ctx context.Context, sess *session.Session, meta connector.WebsiteMetaFile) (string, error) {
	if _, err := c.credentials(sess, "create website"); err != nil {
		return "", err
	}
	desc, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	tok := c.tokens(sess)
	p, err := c.client.CreateProject(ctx, tok, c.opts.RepoPrefix+meta.Name, string(desc))
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(p.ID, 10)
	if err := c.client.CreateFile(ctx, tok, id, websiteFile, c.opts.Branch, "Create website", []byte("{}")); err != nil {
		return "", err
	}
	if err := c.client.CreateFile(ctx, tok, id, metaFile, c.opts.Branch, "Create website meta", desc); err != nil {
		return "", err
	}
	log.Info().Str("connector", c.desc.ID).Str("website", id).Msg("gitlab: website created")
	return id, nil
}

// ListWebsites returns the projects of the logged-in user carrying the
// repository prefix.
func (c *Connector) ListWebsites(ctx context.Context, sess *session.Session) ([]connector.WebsiteMeta, error) {
	cr, err := c.credentials(sess, "list websites")
	if err != nil {
		return nil, err
	}
	projects, err := c.client.OwnedProjects(ctx, c.tokens(sess), cr.UserID, c.opts.RepoPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]connector.WebsiteMeta, 0, len(projects))
	for _, p := range projects {
		if !strings.HasPrefix(p.Name, c.opts.RepoPrefix) {
			continue
		}
		out = append(out, c.metaFromProject(p))
	}
	return out, nil
}

func (c *Connector) ReadWebsite(ctx context.Context, sess *session.Session, websiteID string) (io.ReadCloser, error) {
	if err := checkID("read website", websiteID); err != nil {
		return nil, err
	}
	if _, err := c.credentials(sess, "read website"); err != nil {
		return nil, err
	}
	b, err := c.client.ReadFile(ctx, c.tokens(sess), websiteID, websiteFile, c.opts.Branch)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (c *Connector) UpdateWebsite(ctx context.Context, sess *session.Session, websiteID string, data []byte) error {
	if err := checkID("update website", websiteID); err != nil {
		return err
	}
	if _, err := c.credentials(sess, "update website"); err != nil {
		return err
	}
	return c.client.WriteFile(ctx, c.tokens(sess), websiteID, websiteFile, c.opts.Branch, "Update website", data)
}

func (c *Connector) DeleteWebsite(ctx context.Context, sess *session.Session, websiteID string) error {
	if err := checkID("delete website", websiteID); err != nil {
		return err
	}
	if _, err := c.credentials(sess, "delete website"); err != nil {
		return err
	}
	return c.client.DeleteProject(ctx, c.tokens(sess), websiteID)
}

// DuplicateWebsite creates a new project and copies every file of the
// source branch into it.
func (c *Connector) DuplicateWebsite(ctx context.Context, sess *session.Session, websiteID string) (string, error) {
	if err := checkID("duplicate website", websiteID); err != nil {
		return "", err
	}
	if _, err := c.credentials(sess, "duplicate website"); err != nil {
		return "", err
	}
	tok := c.tokens(sess)

	src, err := c.client.Project(ctx, tok, websiteID)
	if err != nil {
		return "", err
	}
	tree, err := c.client.Tree(ctx, tok, websiteID, "", c.opts.Branch)
	if err != nil {
		return "", err
	}

	meta := c.metaFromProject(*src).WebsiteMetaFile
	meta.Name += " copy"
	desc, _ := json.Marshal(meta)
	dst, err := c.client.CreateProject(ctx, tok, c.opts.RepoPrefix+meta.Name, string(desc))
	if err != nil {
		return "", err
	}
	newID := strconv.FormatInt(dst.ID, 10)

	p := pool.New().WithMaxGoroutines(c.opts.Concurrency).WithContext(ctx).WithCancelOnError()
	for _, e := range tree {
		if e.Type != "blob" || e.Path == metaFile {
			continue
		}
		p.Go(func(ctx context.Context) error {
			b, err := c.client.ReadFile(ctx, tok, websiteID, e.Path, c.opts.Branch)
			if err != nil {
				return err
			}
			return c.client.WriteFile(ctx, tok, newID, e.Path, c.opts.Branch, "Duplicate "+e.Path, b)
		})
	}
	if err := p.Wait(); err != nil {
		return "", err
	}
	if err := c.client.WriteFile(ctx, tok, newID, metaFile, c.opts.Branch, "Duplicate website meta", desc); err != nil {
		return "", err
	}
	return newID, nil
}

// writeFiles uploads files below dir in parallel, each with the
// update-then-create fallback. Failed files are reported to progress and
// counted.
func (c *Connector) writeFiles(ctx context.Context, tok glapi.Tokens, websiteID, dir, message string, files []connector.File, progress connector.Progress) int {
	var failed atomic.Int32
	p := pool.New().WithMaxGoroutines(c.opts.Concurrency)
	for _, f := range files {
		clean, err := fileutil.CleanRelPath(f.Path)
		if err != nil {
			failed.Add(1)
			connector.FileError(progress, f.Path, err)
			continue
		}
		content, err := io.ReadAll(f.Content)
		if err != nil {
			failed.Add(1)
			connector.FileError(progress, clean, err)
			continue
		}
		p.Go(func() {
			target := path.Join(dir, clean)
			if err := c.client.WriteFile(ctx, tok, websiteID, target, c.opts.Branch, message+" "+clean, content); err != nil {
				failed.Add(1)
				connector.FileError(progress, clean, err)
				return
			}
			connector.Logf(progress, "Uploaded %s", clean)
		})
	}
	p.Wait()
	return int(failed.Load())
}

func (c *Connector) WriteAssets(ctx context.Context, sess *session.Session, websiteID string, files []connector.File, progress connector.Progress) error {
	if err := checkID("write assets", websiteID); err != nil {
		return err
	}
	if _, err := c.credentials(sess, "write assets"); err != nil {
		return err
	}
	failed := c.writeFiles(ctx, c.tokens(sess), websiteID, c.opts.AssetsFolder, "Upload asset", files, progress)
	if failed > 0 && progress == nil {
		return &connector.Error{Kind: connector.KindUpstream, Backend: backend, Op: "write assets",
			Message: fmt.Sprintf("%d of %d file(s) could not be written", failed, len(files))}
	}
	return nil
}

func (c *Connector) ReadAsset(ctx context.Context, sess *session.Session, websiteID, p string) (io.ReadCloser, error) {
	if err := checkID("read asset", websiteID); err != nil {
		return nil, err
	}
	if _, err := c.credentials(sess, "read asset"); err != nil {
		return nil, err
	}
	target, err := c.assetPath("read asset", p)
	if err != nil {
		return nil, err
	}
	b, err := c.client.ReadFile(ctx, c.tokens(sess), websiteID, target, c.opts.Branch)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// DeleteAssets removes each path. Paths already gone are skipped.
func (c *Connector) DeleteAssets(ctx context.Context, sess *session.Session, websiteID string, paths []string) error {
	if err := checkID("delete assets", websiteID); err != nil {
		return err
	}
	if _, err := c.credentials(sess, "delete assets"); err != nil {
		return err
	}
	tok := c.tokens(sess)
	for _, p := range paths {
		target, err := c.assetPath("delete assets", p)
		if err != nil {
			return err
		}
		if err := c.client.DeleteFile(ctx, tok, websiteID, target, c.opts.Branch, "Delete asset "+p); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

func (c *Connector) GetWebsiteMeta(ctx context.Context, sess *session.Session, websiteID string) (connector.WebsiteMeta, error) {
	if err := checkID("get meta", websiteID); err != nil {
		return connector.WebsiteMeta{}, err
	}
	if _, err := c.credentials(sess, "get meta"); err != nil {
		return connector.WebsiteMeta{}, err
	}
	tok := c.tokens(sess)
	p, err := c.client.Project(ctx, tok, websiteID)
	if err != nil {
		return connector.WebsiteMeta{}, err
	}
	meta := c.metaFromProject(*p)
	b, err := c.client.ReadFile(ctx, tok, websiteID, metaFile, c.opts.Branch)
	switch {
	case err == nil:
		var mf connector.WebsiteMetaFile
		if json.Unmarshal(b, &mf) == nil && mf.Name != "" {
			meta.WebsiteMetaFile = mf
		}
	case !isNotFound(err):
		return connector.WebsiteMeta{}, err
	}
	return meta, nil
}

// SetWebsiteMeta writes meta.json and mirrors it into the project
// description used by ListWebsites.
func (c *Connector) SetWebsiteMeta(ctx context.Context, sess *session.Session, websiteID string, meta connector.WebsiteMetaFile) error {
	if err := checkID("set meta", websiteID); err != nil {
		return err
	}
	if _, err := c.credentials(sess, "set meta"); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tok := c.tokens(sess)
	if err := c.client.WriteFile(ctx, tok, websiteID, metaFile, c.opts.Branch, "Update website meta", b); err != nil {
		return err
	}
	return c.client.UpdateProjectDescription(ctx, tok, websiteID, string(b))
}
