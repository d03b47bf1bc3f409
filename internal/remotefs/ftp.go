package remotefs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/textproto"
	"path"
	"strconv"

	"github.com/jlaffaye/ftp"
)

// FTP reply codes the adapter interprets.
const (
	ftpNotLoggedIn      = 530
	ftpDirAlreadyExists = 521
)

// ftpClient is the subset of *ftp.ServerConn the adapter relies on.
type ftpClient interface {
	Stor(path string, r io.Reader) error
	Retr(path string) (io.ReadCloser, error)
	List(path string) ([]*ftp.Entry, error)
	MakeDir(path string) error
	Delete(path string) error
	RemoveDirRecur(path string) error
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(p string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(p)
}

type ftpConn struct {
	c ftpClient
}

func dialFTP(ctx context.Context, cfg Config) (Conn, error) {
	port := cfg.Port
	if port == 0 {
		port = 21
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(cfg.timeout()),
	}
	if cfg.Secure {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: cfg.Host}))
	}

	c, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("ftp: dial %s: %w", addr, err)
	}
	if err := c.Login(cfg.User, cfg.Pass); err != nil {
		_ = c.Quit()
		if replyCode(err) == ftpNotLoggedIn {
			return nil, fmt.Errorf("ftp: login %s@%s: %w", cfg.User, addr, ErrLogin)
		}
		return nil, fmt.Errorf("ftp: login %s@%s: %w", cfg.User, addr, err)
	}
	return &ftpConn{c: serverConn{c}}, nil
}

func replyCode(err error) int {
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

// notExist rewrites a 550 reply into an fs.ErrNotExist-matching error.
func notExist(op, p string, err error) error {
	if replyCode(err) == ftp.StatusFileUnavailable {
		return fmt.Errorf("ftp: %s %q: %w (%v)", op, p, fs.ErrNotExist, err)
	}
	return fmt.Errorf("ftp: %s %q: %w", op, p, err)
}

func (c *ftpConn) Upload(p string, src io.Reader) error {
	if err := c.c.Stor(p, src); err != nil {
		return fmt.Errorf("ftp: stor %q: %w", p, err)
	}
	return nil
}

func (c *ftpConn) Download(p string) (io.ReadCloser, error) {
	r, err := c.c.Retr(p)
	if err != nil {
		return nil, notExist("retr", p, err)
	}
	return r, nil
}

func (c *ftpConn) List(dir string) ([]Entry, error) {
	raw, err := c.c.List(dir)
	if err != nil {
		return nil, notExist("list", dir, err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, Entry{
			Name:  e.Name,
			IsDir: e.Type == ftp.EntryTypeFolder,
			Size:  int64(e.Size),
			// FTP listings only carry a modification time.
			CreatedAt: e.Time.UTC(),
			UpdatedAt: e.Time.UTC(),
		})
	}
	return entries, nil
}

// Mkdir treats "already exists" replies as success. Servers answer 521 or,
// more commonly, a generic 550 for an existing directory; any other
// failure propagates.
func (c *ftpConn) Mkdir(p string) error {
	err := c.c.MakeDir(p)
	if err == nil {
		return nil
	}
	switch replyCode(err) {
	case ftpDirAlreadyExists, ftp.StatusFileUnavailable:
		return nil
	}
	return fmt.Errorf("ftp: mkdir %q: %w", p, err)
}

func (c *ftpConn) Remove(p string) error {
	if err := c.c.Delete(p); err != nil {
		return notExist("dele", p, err)
	}
	return nil
}

func (c *ftpConn) RemoveAll(p string) error {
	err := c.c.RemoveDirRecur(p)
	if err == nil {
		return nil
	}
	if replyCode(err) == ftp.StatusFileUnavailable {
		// Either missing or a plain file.
		if derr := c.c.Delete(p); derr != nil && replyCode(derr) != ftp.StatusFileUnavailable {
			return fmt.Errorf("ftp: remove %q: %w", p, derr)
		}
		return nil
	}
	return fmt.Errorf("ftp: rmdir %q: %w", path.Clean(p), err)
}

func (c *ftpConn) Close() error {
	return c.c.Quit()
}
