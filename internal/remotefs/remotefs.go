// Package remotefs provides short-lived file-server connections.
//
// Supported transports:
//   - ftp: plain or explicit-TLS FTP (github.com/jlaffaye/ftp)
//   - sftp: SFTP over SSH (github.com/pkg/sftp)
//   - memory: in-process tree, for local development and tests
//
// A Conn serves one logical operation: dial, operate, Close. There is no
// pooling.
package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// Protocol selects the transport.
type Protocol string

const (
	ProtocolFTP    Protocol = "ftp"
	ProtocolSFTP   Protocol = "sftp"
	ProtocolMemory Protocol = "memory"
)

const defaultDialTimeout = 10 * time.Second

// ErrLogin is returned when the server rejects the credentials.
var ErrLogin = errors.New("remotefs: login rejected")

// Config carries the parameters required to open a connection.
type Config struct {
	Protocol Protocol
	Host     string
	Port     int
	User     string
	Pass     string
	// Secure enables explicit TLS for FTP. Ignored by other transports.
	Secure bool
	// PrivateKey is a PEM key for SFTP; when set it is used instead of Pass.
	PrivateKey string
	Timeout    time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultDialTimeout
}

// Entry is a single file or directory returned by List.
type Entry struct {
	Name      string    `json:"name"`
	IsDir     bool      `json:"isDir"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conn is one authenticated connection. Paths are absolute, slash-separated.
// Errors for missing paths match fs.ErrNotExist.
type Conn interface {
	// Upload streams src into the file at p, creating or truncating it.
	Upload(p string, src io.Reader) error
	// Download opens the file at p. The reader must be closed before the
	// next command on the same connection.
	Download(p string) (io.ReadCloser, error)
	List(dir string) ([]Entry, error)
	// Mkdir creates one directory. An existing directory is not an error.
	Mkdir(p string) error
	// Remove deletes one file.
	Remove(p string) error
	// RemoveAll deletes p and everything below it. A missing p is not an error.
	RemoveAll(p string) error
	Close() error
}

// DialFunc opens a connection.
type DialFunc func(ctx context.Context, cfg Config) (Conn, error)

// Dial opens a connection with the transport named by cfg.Protocol.
func Dial(ctx context.Context, cfg Config) (Conn, error) {
	switch cfg.Protocol {
	case ProtocolFTP, "":
		return dialFTP(ctx, cfg)
	case ProtocolSFTP:
		return dialSFTP(ctx, cfg)
	case ProtocolMemory:
		return dialMemory(ctx, cfg)
	default:
		return nil, fmt.Errorf("remotefs: unsupported protocol %q", cfg.Protocol)
	}
}

// MkdirAll creates dir and every missing parent.
func MkdirAll(c Conn, dir string) error {
	dir = path.Clean("/" + dir)
	if dir == "/" {
		return nil
	}
	cur := ""
	for _, seg := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		cur += "/" + seg
		if err := c.Mkdir(cur); err != nil {
			return err
		}
	}
	return nil
}

// ReadToTemp downloads p into a local temporary file and returns a reader on
// it; closing the reader removes the file. The connection is free for other
// commands as soon as ReadToTemp returns.
func ReadToTemp(c Conn, p string) (io.ReadCloser, error) {
	src, err := c.Download(p)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	f, err := os.CreateTemp("", "silex-remotefs-*")
	if err != nil {
		return nil, fmt.Errorf("remotefs: temp file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("remotefs: download %q: %w", p, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("remotefs: rewind %q: %w", p, err)
	}
	return &tempFile{File: f}, nil
}

type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rmErr := os.Remove(t.File.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
