package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"strconv"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"
)

// sftpConn wraps an SFTP session opened over a dedicated SSH connection.
type sftpConn struct {
	sshClient  *cryptossh.Client
	sftpClient *sftp.Client
}

func authMethod(cfg Config) (cryptossh.AuthMethod, error) {
	if cfg.PrivateKey != "" {
		signer, err := cryptossh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return cryptossh.PublicKeys(signer), nil
	}
	if cfg.Pass == "" {
		return nil, errors.New("password or private key required")
	}
	return cryptossh.Password(cfg.Pass), nil
}

func dialSFTP(ctx context.Context, cfg Config) (Conn, error) {
	auth, err := authMethod(cfg)
	if err != nil {
		return nil, fmt.Errorf("sftp: auth config: %w", err)
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            cfg.User,
		Auth:            []cryptossh.AuthMethod{auth},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec // user-supplied host, no known_hosts to check against
		Timeout:         cfg.timeout(),
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := cryptossh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{cl, err}
	}()

	var sshClient *cryptossh.Client
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			var serr *cryptossh.ServerAuthError
			if errors.As(r.err, &serr) {
				return nil, fmt.Errorf("sftp: login %s@%s: %w", cfg.User, addr, ErrLogin)
			}
			return nil, fmt.Errorf("sftp: dial %s: %w", addr, r.err)
		}
		sshClient = r.client
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("sftp: open subsystem: %w", err)
	}
	return &sftpConn{sshClient: sshClient, sftpClient: sftpClient}, nil
}

func (c *sftpConn) Close() error {
	_ = c.sftpClient.Close()
	return c.sshClient.Close()
}

func (c *sftpConn) Upload(p string, src io.Reader) error {
	f, err := c.sftpClient.Create(p)
	if err != nil {
		return fmt.Errorf("sftp: create %q: %w", p, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		_ = c.sftpClient.Remove(p)
		return fmt.Errorf("sftp: write %q: %w", p, err)
	}
	return nil
}

func (c *sftpConn) Download(p string) (io.ReadCloser, error) {
	f, err := c.sftpClient.Open(p)
	if err != nil {
		return nil, fmt.Errorf("sftp: open %q: %w", p, err)
	}
	return f, nil
}

func (c *sftpConn) List(dir string) ([]Entry, error) {
	infos, err := c.sftpClient.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sftp: readdir %q: %w", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:  fi.Name(),
			IsDir: fi.IsDir(),
			Size:  fi.Size(),
			// SFTP v3 does not report creation time.
			CreatedAt: fi.ModTime().UTC(),
			UpdatedAt: fi.ModTime().UTC(),
		})
	}
	return entries, nil
}

func (c *sftpConn) Mkdir(p string) error {
	if fi, err := c.sftpClient.Stat(p); err == nil {
		if fi.IsDir() {
			return nil
		}
		return fmt.Errorf("sftp: mkdir %q: %w", p, fs.ErrExist)
	}
	if err := c.sftpClient.Mkdir(p); err != nil {
		return fmt.Errorf("sftp: mkdir %q: %w", p, err)
	}
	return nil
}

func (c *sftpConn) Remove(p string) error {
	if err := c.sftpClient.Remove(p); err != nil {
		return fmt.Errorf("sftp: remove %q: %w", p, err)
	}
	return nil
}

func (c *sftpConn) RemoveAll(p string) error {
	fi, err := c.sftpClient.Lstat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("sftp: stat %q: %w", p, err)
	}
	if !fi.IsDir() {
		return c.Remove(p)
	}
	items, err := c.sftpClient.ReadDir(p)
	if err != nil {
		return fmt.Errorf("sftp: readdir %q: %w", p, err)
	}
	for _, item := range items {
		if err := c.RemoveAll(path.Join(p, item.Name())); err != nil {
			return err
		}
	}
	if err := c.sftpClient.RemoveDirectory(p); err != nil {
		return fmt.Errorf("sftp: rmdir %q: %w", p, err)
	}
	return nil
}
