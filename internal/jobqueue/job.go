package jobqueue

import (
	"context"
	"sync"
	"time"
)

// Job is one execution of an Action.
type Job struct {
	ID        string
	Key       string
	CreatedAt time.Time

	mu         sync.Mutex
	status     JobStatus
	err        error
	finishedAt time.Time
	cancelled  bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func newJob(id, key string, cancel context.CancelFunc) *Job {
	return &Job{
		ID:        id,
		Key:       key,
		CreatedAt: time.Now(),
		status:    JobStatusRunning,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Status returns the current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the error the job finished with, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// FinishedAt returns when the job finished, or the zero time while running.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done. Cancelling ctx does not cancel the job.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks the job to stop. It is a no-op once the job has finished.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.status.Done() {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	j.mu.Unlock()
	j.cancel()
}

// finish records the outcome and releases waiters.
func (j *Job) finish(err error) JobStatus {
	j.mu.Lock()
	switch {
	case err == nil:
		j.status = JobStatusCompleted
	case j.cancelled:
		j.status = JobStatusCancelled
	default:
		j.status = JobStatusFailed
	}
	j.err = err
	j.finishedAt = time.Now()
	status := j.status
	j.mu.Unlock()

	j.cancel()
	close(j.done)
	return status
}
