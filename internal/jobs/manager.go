package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// DefaultRetention is how long terminal jobs stay queryable when the
// configuration does not say otherwise.
const DefaultRetention = time.Hour

const subscriberBuffer = 16

// Outcome is what a successful background run reports.
type Outcome struct {
	Message string
	URL     string
}

// Func is the body of a background job.
type Func func(ctx context.Context, r *Reporter) (Outcome, error)

// Manager is the job registry. The zero value is not usable; use NewManager.
type Manager struct {
	mu        sync.Mutex
	jobs      map[string]*entry
	retention time.Duration
	nextSub   int

	wg  conc.WaitGroup
	now func() time.Time
}

// NewManager returns an empty registry. Terminal jobs older than retention
// are dropped by Prune; a non-positive retention uses DefaultRetention.
func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		jobs:      make(map[string]*entry),
		retention: retention,
		now:       time.Now,
	}
}

// Start allocates a fresh IN_PROGRESS job.
func (m *Manager) Start(label string) Job {
	now := m.now()
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Label:     label,
			Status:    StatusInProgress,
			Message:   label,
			CreatedAt: now,
			UpdatedAt: now,
		},
		subscribers: make(map[int]chan Event),
	}
	m.mu.Lock()
	m.jobs[e.job.ID] = e
	m.mu.Unlock()
	return e.snapshot()
}

// Get returns a snapshot of the job, or false when the id is unknown or
// has been pruned.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.snapshot(), true
}

// Log appends a progress line and updates the job message. It is ignored
// once the job is terminal.
func (m *Manager) Log(id, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok || e.job.Status.Terminal() {
		return false
	}
	e.job.Logs = append(e.job.Logs, msg)
	e.job.Message = msg
	e.job.UpdatedAt = m.now()
	m.notify(e)
	return true
}

// Succeed performs the one-way transition to SUCCESS. It returns false when
// the job is unknown or already terminal.
func (m *Manager) Succeed(id, message, url string) bool {
	return m.transition(id, StatusSuccess, message, url, nil)
}

// Fail performs the one-way transition to ERROR. errs are appended to the
// job errors; when none are given the message itself is recorded.
func (m *Manager) Fail(id, message string, errs ...string) bool {
	return m.transition(id, StatusError, message, "", errs)
}

func (m *Manager) transition(id string, to Status, message, url string, errs []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok || e.job.Status.Terminal() {
		return false
	}
	e.job.Status = to
	e.job.Message = message
	e.job.UpdatedAt = m.now()
	if to == StatusSuccess {
		e.job.URL = url
		if e.urlOverride != "" {
			e.job.URL = e.urlOverride
		}
	} else {
		e.job.Errors = append(e.job.Errors, e.pending...)
		e.job.Errors = append(e.job.Errors, errs...)
		if len(e.job.Errors) == 0 {
			e.job.Errors = append(e.job.Errors, message)
		}
	}
	e.pending = nil
	m.notify(e)
	for sid, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, sid)
	}
	return true
}

// SetURL makes url the address reported once the job succeeds, replacing
// whatever the background work returns. A job that already succeeded is
// updated in place. It returns false for unknown or failed jobs.
func (m *Manager) SetURL(id, url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok || e.job.Status == StatusError {
		return false
	}
	e.urlOverride = url
	if e.job.Status == StatusSuccess {
		e.job.URL = url
		e.job.UpdatedAt = m.now()
	}
	return true
}

// Subscribe returns a channel receiving a snapshot on every change of the
// job. The channel is closed on the terminal transition or when cancel is
// called. Slow subscribers miss intermediate events, never the close.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, nil, false
	}
	ch := make(chan Event, subscriberBuffer)
	if e.job.Status.Terminal() {
		ch <- Event{Job: e.snapshot()}
		close(ch)
		return ch, func() {}, true
	}
	sid := m.nextSub
	m.nextSub++
	e.subscribers[sid] = ch
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := e.subscribers[sid]; ok {
			close(c)
			delete(e.subscribers, sid)
		}
	}
	return ch, cancel, true
}

// notify must be called with m.mu held.
func (m *Manager) notify(e *entry) {
	if len(e.subscribers) == 0 {
		return
	}
	ev := Event{Job: e.snapshot()}
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) addPending(id, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok || e.job.Status.Terminal() {
		return
	}
	e.pending = append(e.pending, msg)
	e.job.Logs = append(e.job.Logs, msg)
	e.job.UpdatedAt = m.now()
	m.notify(e)
}

func (m *Manager) pendingCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.jobs[id]; ok {
		return len(e.pending)
	}
	return 0
}

// Go runs fn detached from the caller. ctx keeps its values but loses its
// cancellation, so the work outlives the request that started it. The job
// ends in ERROR when fn returns an error, panics, or reported any file error.
func (m *Manager) Go(ctx context.Context, id string, fn Func) {
	ctx = context.WithoutCancel(ctx)
	r := &Reporter{m: m, id: id}
	m.wg.Go(func() {
		var (
			out Outcome
			err error
			pc  panics.Catcher
		)
		pc.Try(func() { out, err = fn(ctx, r) })
		if rec := pc.Recovered(); rec != nil {
			err = rec.AsError()
			log.Error().Str("job", id).Interface("panic", rec.Value).Msg("jobs: background task panicked")
		}
		m.finish(id, out, err)
	})
}

func (m *Manager) finish(id string, out Outcome, err error) {
	switch {
	case err != nil:
		m.Fail(id, err.Error(), err.Error())
		log.Warn().Str("job", id).Err(err).Msg("jobs: failed")
	case m.pendingCount(id) > 0:
		n := m.pendingCount(id)
		m.Fail(id, fmt.Sprintf("%d file(s) could not be processed", n))
		log.Warn().Str("job", id).Int("failures", n).Msg("jobs: finished with file errors")
	default:
		m.Succeed(id, out.Message, out.URL)
		log.Info().Str("job", id).Str("url", out.URL).Msg("jobs: succeeded")
	}
}

// Wait blocks until every job started with Go has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Prune drops terminal jobs whose last update is older than the retention
// and returns how many were removed. Running jobs are never pruned.
func (m *Manager) Prune() int {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.jobs {
		if e.job.Status.Terminal() && e.job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n
}

// Run prunes every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Prune(); n > 0 {
				log.Debug().Int("pruned", n).Msg("jobs: pruned terminal jobs")
			}
		}
	}
}
