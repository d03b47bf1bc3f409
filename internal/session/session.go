// Package session holds per-user connector credentials for the lifetime of a
// browser session. Nothing here is persisted; a process restart logs every
// user out of every backend.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one user's credential bag, keyed by connector id.
// It is safe for concurrent use: background jobs refresh tokens while the
// request that started them may already have returned.
type Session struct {
	ID string

	mu       sync.RWMutex
	creds    map[string]Credentials
	lastSeen time.Time
}

func newSession() *Session {
	return &Session{
		ID:       uuid.NewString(),
		creds:    make(map[string]Credentials),
		lastSeen: time.Now(),
	}
}

// New returns a detached session, not tracked by any Store.
func New() *Session { return newSession() }

// Get returns the credentials stored for connectorID.
func (s *Session) Get(connectorID string) (Credentials, bool) {
	s.mu.RLock()
	c, ok := s.creds[connectorID]
	s.mu.RUnlock()
	return c, ok
}

// Set replaces the credentials stored for connectorID.
func (s *Session) Set(connectorID string, c Credentials) {
	s.mu.Lock()
	s.creds[connectorID] = c
	s.mu.Unlock()
}

// Delete removes the credentials for connectorID. It is a no-op when absent.
func (s *Session) Delete(connectorID string) {
	s.mu.Lock()
	delete(s.creds, connectorID)
	s.mu.Unlock()
}

// Update applies fn to the current credentials of connectorID under the write
// lock and stores the result.
func (s *Session) Update(connectorID string, fn func(Credentials, bool) Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.creds[connectorID]
	next := fn(cur, ok)
	if next == nil {
		delete(s.creds, connectorID)
		return
	}
	s.creds[connectorID] = next
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastSeen)
}

// Lookup returns the credentials for connectorID if they have type T.
func Lookup[T Credentials](s *Session, connectorID string) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	c, ok := s.Get(connectorID)
	if !ok {
		return zero, false
	}
	typed, ok := c.(T)
	return typed, ok
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying s.
func WithContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext extracts the session attached by the HTTP middleware.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
