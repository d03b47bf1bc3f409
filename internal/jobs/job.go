// Package jobs tracks long-running connector operations (publications, asset
// uploads) in an in-memory registry that clients poll or subscribe to.
//
// Every operation is O(1) under one mutex and never blocks on I/O; the work
// itself runs in detached goroutines that report back through a Reporter.
package jobs

import "time"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Job is a point-in-time snapshot of a tracked operation.
type Job struct {
	ID        string    `json:"jobId"`
	Label     string    `json:"label,omitempty"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Logs      []string  `json:"logs"`
	Errors    []string  `json:"errors"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is delivered to subscribers on every change of a job.
type Event struct {
	Job Job
}

type entry struct {
	job         Job
	subscribers map[int]chan Event
	pending     []string // per-file failures not yet committed to job.Errors
	urlOverride string
}

func (e *entry) snapshot() Job {
	j := e.job
	j.Logs = append([]string(nil), e.job.Logs...)
	j.Errors = append([]string(nil), e.job.Errors...)
	if j.Logs == nil {
		j.Logs = []string{}
	}
	if j.Errors == nil {
		j.Errors = []string{}
	}
	return j
}
