package jobs

import "fmt"

// Reporter is the progress sink of one job. Connectors write to it from the
// background goroutine running the job.
type Reporter struct {
	m  *Manager
	id string
}

// JobID returns the id of the job this reporter writes to.
func (r *Reporter) JobID() string { return r.id }

// Logf appends a formatted progress line.
func (r *Reporter) Logf(format string, args ...any) {
	r.m.Log(r.id, fmt.Sprintf(format, args...))
}

// FileError records that one file or step failed without aborting the run.
// The job ends in ERROR once the run returns.
func (r *Reporter) FileError(path string, err error) {
	r.m.addPending(r.id, fmt.Sprintf("%s: %v", path, err))
}
