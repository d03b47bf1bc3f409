package remotefs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryServer is an in-process file tree reachable with ProtocolMemory.
// It honours the same semantics as the network transports, including the
// login check, so connectors behave identically against it.
type MemoryServer struct {
	User string
	Pass string

	mu    sync.Mutex
	files map[string]memFile
	dirs  map[string]time.Time
	// Dials counts successful logins.
	dials int
}

type memFile struct {
	data     []byte
	created  time.Time
	modified time.Time
}

var (
	memoryMu      sync.Mutex
	memoryServers = map[string]*MemoryServer{}
)

// NewMemoryServer returns an empty tree accepting user/pass.
func NewMemoryServer(user, pass string) *MemoryServer {
	return &MemoryServer{
		User:  user,
		Pass:  pass,
		files: make(map[string]memFile),
		dirs:  map[string]time.Time{"/": time.Now().UTC()},
	}
}

// RegisterMemoryServer makes srv reachable by Dial under host.
func RegisterMemoryServer(host string, srv *MemoryServer) {
	memoryMu.Lock()
	memoryServers[host] = srv
	memoryMu.Unlock()
}

func dialMemory(ctx context.Context, cfg Config) (Conn, error) {
	memoryMu.Lock()
	srv, ok := memoryServers[cfg.Host]
	memoryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory: dial %s: no such host", cfg.Host)
	}
	return srv.Dial(ctx, cfg)
}

// Dial authenticates against the tree. It matches DialFunc.
func (s *MemoryServer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.User != s.User || cfg.Pass != s.Pass {
		return nil, fmt.Errorf("memory: login %s: %w", cfg.User, ErrLogin)
	}
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()
	return &memConn{s: s}, nil
}

// Dials returns how many connections were opened.
func (s *MemoryServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// ReadFile returns the content stored at p.
func (s *MemoryServer) ReadFile(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path.Clean(p)]
	return append([]byte(nil), f.data...), ok
}

// Paths returns every file path, sorted.
func (s *MemoryServer) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DirCount returns the number of directories, root included.
func (s *MemoryServer) DirCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirs)
}

type memConn struct {
	s      *MemoryServer
	closed bool
}

func (c *memConn) check() error {
	if c.closed {
		return fmt.Errorf("memory: connection closed")
	}
	return nil
}

func (c *memConn) Upload(p string, src io.Reader) error {
	if err := c.check(); err != nil {
		return err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("memory: stor %q: %w", p, err)
	}
	p = path.Clean(p)
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirs[path.Dir(p)]; !ok {
		return fmt.Errorf("memory: stor %q: parent: %w", p, fs.ErrNotExist)
	}
	now := time.Now().UTC()
	f, exists := s.files[p]
	if !exists {
		f.created = now
	}
	f.data = data
	f.modified = now
	s.files[p] = f
	return nil
}

func (c *memConn) Download(p string) (io.ReadCloser, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	data, ok := c.s.ReadFile(p)
	if !ok {
		return nil, fmt.Errorf("memory: retr %q: %w", p, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *memConn) List(dir string) ([]Entry, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	dir = path.Clean(dir)
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirs[dir]; !ok {
		return nil, fmt.Errorf("memory: list %q: %w", dir, fs.ErrNotExist)
	}
	var entries []Entry
	for p, created := range s.dirs {
		if p != dir && path.Dir(p) == dir {
			entries = append(entries, Entry{Name: path.Base(p), IsDir: true, CreatedAt: created, UpdatedAt: created})
		}
	}
	for p, f := range s.files {
		if path.Dir(p) == dir {
			entries = append(entries, Entry{Name: path.Base(p), Size: int64(len(f.data)), CreatedAt: f.created, UpdatedAt: f.modified})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (c *memConn) Mkdir(p string) error {
	if err := c.check(); err != nil {
		return err
	}
	p = path.Clean(p)
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirs[p]; ok {
		return nil
	}
	if _, ok := s.files[p]; ok {
		return fmt.Errorf("memory: mkdir %q: %w", p, fs.ErrExist)
	}
	if _, ok := s.dirs[path.Dir(p)]; !ok {
		return fmt.Errorf("memory: mkdir %q: parent: %w", p, fs.ErrNotExist)
	}
	s.dirs[p] = time.Now().UTC()
	return nil
}

func (c *memConn) Remove(p string) error {
	if err := c.check(); err != nil {
		return err
	}
	p = path.Clean(p)
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; !ok {
		return fmt.Errorf("memory: dele %q: %w", p, fs.ErrNotExist)
	}
	delete(s.files, p)
	return nil
}

func (c *memConn) RemoveAll(p string) error {
	if err := c.check(); err != nil {
		return err
	}
	p = path.Clean(p)
	prefix := p + "/"
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, p)
	for f := range s.files {
		if strings.HasPrefix(f, prefix) {
			delete(s.files, f)
		}
	}
	if p != "/" {
		delete(s.dirs, p)
	}
	for d := range s.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(s.dirs, d)
		}
	}
	return nil
}

func (c *memConn) Close() error {
	c.closed = true
	return nil
}
