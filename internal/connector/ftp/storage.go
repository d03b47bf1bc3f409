package ftp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/silexlabs/silex/backend/internal/connector"
	"github.com/silexlabs/silex/backend/internal/fileutil"
	"github.com/silexlabs/silex/backend/internal/remotefs"
	"github.com/silexlabs/silex/backend/internal/session"
)

func websiteDir(root, websiteID string) string {
	return path.Join(root, websiteID)
}

func checkID(op, websiteID string) error {
	if websiteID == "" || websiteID != path.Base(websiteID) || websiteID == "." || websiteID == ".." {
		return &connector.Error{Kind: connector.KindValidation, Backend: backend, Op: op, Message: "invalid website id"}
	}
	return nil
}

// assetPath validates rel and returns its location under the website's
// assets folder.
func (c *Connector) assetPath(root, websiteID, rel string) (string, error) {
	clean, err := fileutil.CleanRelPath(rel)
	if err != nil {
		return "", &connector.Error{Kind: connector.KindValidation, Backend: backend, Op: "asset", Path: rel, Err: err}
	}
	return path.Join(websiteDir(root, websiteID), c.opts.AssetsFolder, clean), nil
}

// exists fails with NotFound when websiteID is not a folder under root.
func exists(conn remotefs.Conn, root, websiteID string) error {
	if _, err := conn.List(websiteDir(root, websiteID)); err != nil {
		return err
	}
	return nil
}

func writeJSON(conn remotefs.Conn, p string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return conn.Upload(p, bytes.NewReader(b))
}

func readMetaFile(conn remotefs.Conn, dir string) (connector.WebsiteMetaFile, error) {
	var meta connector.WebsiteMetaFile
	r, err := conn.Download(path.Join(dir, metaFile))
	if err != nil {
		return meta, err
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(&meta); err != nil {
		return meta, fmt.Errorf("decode %s: %w", metaFile, err)
	}
	return meta, nil
}

func (c *Connector) CreateWebsite(ctx context.Context, sess *session.Session, meta connector.WebsiteMetaFile) (string, error) {
	id := uuid.NewString()
	err := c.withConn(ctx, sess, "create website", func(conn remotefs.Conn, root string) error {
		dir := websiteDir(root, id)
		if err := remotefs.MkdirAll(conn, path.Join(dir, c.opts.AssetsFolder)); err != nil {
			return c.wrap("create website", dir, err)
		}
		if err := conn.Upload(path.Join(dir, websiteFile), bytes.NewReader([]byte("{}"))); err != nil {
			return c.wrap("create website", dir, err)
		}
		return c.wrap("create website", dir, writeJSON(conn, path.Join(dir, metaFile), meta))
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("connector", c.desc.ID).Str("website", id).Msg("ftp: website created")
	return id, nil
}

func (c *Connector) ListWebsites(ctx context.Context, sess *session.Session) ([]connector.WebsiteMeta, error) {
	var out []connector.WebsiteMeta
	err := c.withConn(ctx, sess, "list websites", func(conn remotefs.Conn, root string) error {
		if err := remotefs.MkdirAll(conn, root); err != nil {
			return c.wrap("list websites", root, err)
		}
		entries, err := conn.List(root)
		if err != nil {
			return c.wrap("list websites", root, err)
		}
		for _, e := range entries {
			if !e.IsDir {
				continue
			}
			meta, err := readMetaFile(conn, websiteDir(root, e.Name))
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					log.Warn().Err(err).Str("website", e.Name).Msg("ftp: unreadable meta")
				}
				meta = connector.WebsiteMetaFile{Name: e.Name}
			}
			out = append(out, connector.WebsiteMeta{
				WebsiteMetaFile: meta,
				WebsiteID:       e.Name,
				CreatedAt:       e.CreatedAt,
				UpdatedAt:       e.UpdatedAt,
			})
		}
		return nil
	})
	return out, err
}

func (c *Connector) ReadWebsite(ctx context.Context, sess *session.Session, websiteID string) (io.ReadCloser, error) {
	if err := checkID("read website", websiteID); err != nil {
		return nil, err
	}
	var rc io.ReadCloser
	err := c.withConn(ctx, sess, "read website", func(conn remotefs.Conn, root string) error {
		p := path.Join(websiteDir(root, websiteID), websiteFile)
		r, err := remotefs.ReadToTemp(conn, p)
		if err != nil {
			return c.wrap("read website", p, err)
		}
		rc = r
		return nil
	})
	return rc, err
}

func (c *Connector) UpdateWebsite(ctx context.Context, sess *session.Session, websiteID string, data []byte) error {
	if err := checkID("update website", websiteID); err != nil {
		return err
	}
	return c.withConn(ctx, sess, "update website", func(conn remotefs.Conn, root string) error {
		if err := exists(conn, root, websiteID); err != nil {
			return c.wrap("update website", websiteID, err)
		}
		p := path.Join(websiteDir(root, websiteID), websiteFile)
		return c.wrap("update website", p, conn.Upload(p, bytes.NewReader(data)))
	})
}

func (c *Connector) DeleteWebsite(ctx context.Context, sess *session.Session, websiteID string) error {
	if err := checkID("delete website", websiteID); err != nil {
		return err
	}
	return c.withConn(ctx, sess, "delete website", func(conn remotefs.Conn, root string) error {
		if err := exists(conn, root, websiteID); err != nil {
			return c.wrap("delete website", websiteID, err)
		}
		dir := websiteDir(root, websiteID)
		return c.wrap("delete website", dir, conn.RemoveAll(dir))
	})
}

// DuplicateWebsite copies the whole website folder through a local temporary
// directory. It is not atomic: a failure midway leaves a partial copy.
func (c *Connector) DuplicateWebsite(ctx context.Context, sess *session.Session, websiteID string) (string, error) {
	if err := checkID("duplicate website", websiteID); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp("", "silex-duplicate-*")
	if err != nil {
		return "", fmt.Errorf("ftp: duplicate: %w", err)
	}
	defer os.RemoveAll(tmp)

	newID := uuid.NewString()
	err = c.withConn(ctx, sess, "duplicate website", func(conn remotefs.Conn, root string) error {
		src := websiteDir(root, websiteID)
		if err := download(conn, src, "", tmp); err != nil {
			return c.wrap("duplicate website", src, err)
		}
		files, err := fileutil.WalkFiles(tmp)
		if err != nil {
			return err
		}
		dst := websiteDir(root, newID)
		if err := remotefs.MkdirAll(conn, path.Join(dst, c.opts.AssetsFolder)); err != nil {
			return c.wrap("duplicate website", dst, err)
		}
		for _, rel := range files {
			if err := uploadLocal(conn, filepath.Join(tmp, filepath.FromSlash(rel)), path.Join(dst, rel)); err != nil {
				return c.wrap("duplicate website", path.Join(dst, rel), err)
			}
		}

		meta, err := readMetaFile(conn, dst)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c.wrap("duplicate website", dst, err)
		}
		if meta.Name == "" {
			meta.Name = websiteID
		}
		meta.Name += " copy"
		return c.wrap("duplicate website", dst, writeJSON(conn, path.Join(dst, metaFile), meta))
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// download mirrors the remote tree at base/rel into local.
func download(conn remotefs.Conn, base, rel, local string) error {
	entries, err := conn.List(path.Join(base, rel))
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := path.Join(rel, e.Name)
		if e.IsDir {
			if err := os.MkdirAll(filepath.Join(local, filepath.FromSlash(child)), 0o755); err != nil {
				return err
			}
			if err := download(conn, base, child, local); err != nil {
				return err
			}
			continue
		}
		r, err := conn.Download(path.Join(base, child))
		if err != nil {
			return err
		}
		err = fileutil.WriteFile(local, child, r)
		r.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func uploadLocal(conn remotefs.Conn, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := remotefs.MkdirAll(conn, path.Dir(remote)); err != nil {
		return err
	}
	return conn.Upload(remote, f)
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// uploadAll writes files below dir one at a time, in order, reporting each
// file to progress. A failed file is reported and skipped; the returned
// count is the number of failures.
func (c *Connector) uploadAll(conn remotefs.Conn, dir string, files []connector.File, progress connector.Progress) (int, error) {
	made := map[string]bool{}
	failed := 0
	for _, f := range files {
		clean, err := fileutil.CleanRelPath(f.Path)
		if err != nil {
			failed++
			connector.FileError(progress, f.Path, err)
			continue
		}
		dst := path.Join(dir, clean)
		parent := path.Dir(dst)
		if !made[parent] {
			if err := remotefs.MkdirAll(conn, parent); err != nil {
				return failed, c.wrap("mkdir", parent, err)
			}
			made[parent] = true
		}
		cr := &countingReader{r: f.Content}
		if err := conn.Upload(dst, cr); err != nil {
			failed++
			connector.FileError(progress, clean, c.wrap("upload", dst, err))
			continue
		}
		connector.Logf(progress, "Uploaded %s (%s)", clean, humanize.Bytes(uint64(cr.n)))
	}
	return failed, nil
}

func (c *Connector) WriteAssets(ctx context.Context, sess *session.Session, websiteID string, files []connector.File, progress connector.Progress) error {
	if err := checkID("write assets", websiteID); err != nil {
		return err
	}
	return c.withConn(ctx, sess, "write assets", func(conn remotefs.Conn, root string) error {
		if err := exists(conn, root, websiteID); err != nil {
			return c.wrap("write assets", websiteID, err)
		}
		dir := path.Join(websiteDir(root, websiteID), c.opts.AssetsFolder)
		failed, err := c.uploadAll(conn, dir, files, progress)
		if err != nil {
			return err
		}
		if failed > 0 && progress == nil {
			return &connector.Error{Kind: connector.KindUpstream, Backend: backend, Op: "write assets",
				Message: fmt.Sprintf("%d of %d file(s) could not be written", failed, len(files))}
		}
		return nil
	})
}

func (c *Connector) ReadAsset(ctx context.Context, sess *session.Session, websiteID, p string) (io.ReadCloser, error) {
	if err := checkID("read asset", websiteID); err != nil {
		return nil, err
	}
	var rc io.ReadCloser
	err := c.withConn(ctx, sess, "read asset", func(conn remotefs.Conn, root string) error {
		full, err := c.assetPath(root, websiteID, p)
		if err != nil {
			return err
		}
		r, err := remotefs.ReadToTemp(conn, full)
		if err != nil {
			return c.wrap("read asset", full, err)
		}
		rc = r
		return nil
	})
	return rc, err
}

// DeleteAssets removes each path. Paths already gone are skipped.
func (c *Connector) DeleteAssets(ctx context.Context, sess *session.Session, websiteID string, paths []string) error {
	if err := checkID("delete assets", websiteID); err != nil {
		return err
	}
	return c.withConn(ctx, sess, "delete assets", func(conn remotefs.Conn, root string) error {
		for _, p := range paths {
			full, err := c.assetPath(root, websiteID, p)
			if err != nil {
				return err
			}
			if err := conn.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return c.wrap("delete assets", full, err)
			}
		}
		return nil
	})
}

func (c *Connector) GetWebsiteMeta(ctx context.Context, sess *session.Session, websiteID string) (connector.WebsiteMeta, error) {
	var out connector.WebsiteMeta
	if err := checkID("get meta", websiteID); err != nil {
		return out, err
	}
	err := c.withConn(ctx, sess, "get meta", func(conn remotefs.Conn, root string) error {
		entries, err := conn.List(root)
		if err != nil {
			return c.wrap("get meta", root, err)
		}
		for _, e := range entries {
			if e.IsDir && e.Name == websiteID {
				out.WebsiteID, out.CreatedAt, out.UpdatedAt = e.Name, e.CreatedAt, e.UpdatedAt
			}
		}
		if out.WebsiteID == "" {
			return &connector.Error{Kind: connector.KindNotFound, Backend: backend, Op: "get meta", Path: websiteID}
		}
		meta, err := readMetaFile(conn, websiteDir(root, websiteID))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			meta = connector.WebsiteMetaFile{Name: websiteID}
		case err != nil:
			return c.wrap("get meta", websiteID, err)
		}
		out.WebsiteMetaFile = meta
		return nil
	})
	return out, err
}

func (c *Connector) SetWebsiteMeta(ctx context.Context, sess *session.Session, websiteID string, meta connector.WebsiteMetaFile) error {
	if err := checkID("set meta", websiteID); err != nil {
		return err
	}
	return c.withConn(ctx, sess, "set meta", func(conn remotefs.Conn, root string) error {
		if err := exists(conn, root, websiteID); err != nil {
			return c.wrap("set meta", websiteID, err)
		}
		p := path.Join(websiteDir(root, websiteID), metaFile)
		return c.wrap("set meta", p, writeJSON(conn, p, meta))
	})
}
