// Package jobqueue runs long-lived background jobs keyed by the resource they act on,
// so that at most one job per key is active and callers can attach to it instead of
// starting a duplicate.
package jobqueue

import (
	"context"

	"github.com/tphakala/questvision/internal/errors"
)

// Common errors that can be returned by job queue operations
var (
	ErrNilAction    = errors.NewStd("cannot enqueue nil action")
	ErrQueueStopped = errors.NewStd("job queue has been stopped")
	ErrQueueFull    = errors.NewStd("job queue is full")
	ErrJobNotFound  = errors.NewStd("job not found")
)

// Action is the work performed by a job. Execute must return promptly once ctx is done.
type Action interface {
	Execute(ctx context.Context) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context) error

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// JobStatus represents the current status of a job
type JobStatus int

const (
	// JobStatusRunning indicates the job is currently being executed
	JobStatusRunning JobStatus = iota
	// JobStatusCompleted indicates the job has completed successfully
	JobStatusCompleted
	// JobStatusFailed indicates the job returned an error or panicked
	JobStatusFailed
	// JobStatusCancelled indicates the job was cancelled before completion
	JobStatusCancelled
)

// String returns a string representation of the job status
func (s JobStatus) String() string {
	switch s {
	case JobStatusRunning:
		return "Running"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Done reports whether the status is final.
func (s JobStatus) Done() bool {
	return s != JobStatusRunning
}

// JobStatsSnapshot provides a point-in-time snapshot of job statistics
type JobStatsSnapshot struct {
	TotalJobs      int
	SuccessfulJobs int
	FailedJobs     int
	CancelledJobs  int
	RejectedJobs   int // refused because the queue was full
	AttachedCalls  int // enqueue calls that joined an active job

	ActiveJobs int
	MaxJobs    int
}
