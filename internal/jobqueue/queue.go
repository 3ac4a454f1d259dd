package jobqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
)

// DefaultMaxJobs bounds the number of concurrently active jobs.
const DefaultMaxJobs = 32

// JobQueue runs each job on its own goroutine, with at most one active job per key.
type JobQueue struct {
	mu          sync.Mutex
	active      map[string]*Job
	stats       JobStatsSnapshot
	maxJobs     int
	isRunning   bool
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	runningJobs sync.WaitGroup // Track running jobs for graceful shutdown
	log         logger.Logger
}

// NewJobQueue creates a running queue. A non-positive maxJobs uses DefaultMaxJobs.
func NewJobQueue(maxJobs int, log logger.Logger) *JobQueue {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobQueue{
		active:     make(map[string]*Job),
		maxJobs:    maxJobs,
		isRunning:  true,
		baseCtx:    ctx,
		baseCancel: cancel,
		log:        log.Module("jobqueue"),
		stats:      JobStatsSnapshot{MaxJobs: maxJobs},
	}
}

// Enqueue starts action under key. When a job with the same key is still active it is
// returned with attached=true and action is discarded. A positive timeout bounds the
// job's context.
func (q *JobQueue) Enqueue(key string, timeout time.Duration, action Action) (job *Job, attached bool, err error) {
	if action == nil {
		return nil, false, ErrNilAction
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isRunning {
		return nil, false, ErrQueueStopped
	}
	if existing, ok := q.active[key]; ok {
		q.stats.AttachedCalls++
		q.log.Debug("attached to active job",
			logger.String("job_id", existing.ID),
			logger.String("key", key))
		return existing, true, nil
	}
	if len(q.active) >= q.maxJobs {
		q.stats.RejectedJobs++
		return nil, false, errors.New(fmt.Errorf("%w: maximum active jobs (%d) reached", ErrQueueFull, q.maxJobs)).
			Component("jobqueue").
			Category(errors.CategoryJobQueue).
			Context("key", key).
			Build()
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(q.baseCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(q.baseCtx)
	}

	job = newJob(uuid.NewString(), key, cancel)
	q.active[key] = job
	q.stats.TotalJobs++
	q.stats.ActiveJobs = len(q.active)

	q.log.Debug("job enqueued",
		logger.String("job_id", job.ID),
		logger.String("key", key),
		logger.Duration("timeout", timeout))

	q.runningJobs.Add(1)
	go q.execute(ctx, job, action)
	return job, false, nil
}

func (q *JobQueue) execute(ctx context.Context, job *Job, action Action) {
	defer q.runningJobs.Done()

	start := time.Now()
	err := runAction(ctx, action)
	status := job.finish(err)

	q.mu.Lock()
	if q.active[job.Key] == job {
		delete(q.active, job.Key)
	}
	q.stats.ActiveJobs = len(q.active)
	switch status {
	case JobStatusCompleted:
		q.stats.SuccessfulJobs++
	case JobStatusCancelled:
		q.stats.CancelledJobs++
	default:
		q.stats.FailedJobs++
	}
	q.mu.Unlock()

	fields := []logger.Field{
		logger.String("job_id", job.ID),
		logger.String("key", job.Key),
		logger.String("status", status.String()),
		logger.Duration("duration", time.Since(start)),
	}
	if err != nil {
		q.log.Warn("job finished with error", append(fields, logger.Error(err))...)
		return
	}
	q.log.Debug("job completed", fields...)
}

// runAction executes action, converting a panic into an error.
func runAction(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job execution panicked: %v", r).
				Component("jobqueue").
				Category(errors.CategoryJobQueue).
				Context("stack", string(debug.Stack())).
				Build()
		}
	}()
	return action.Execute(ctx)
}

// Get returns the active job for key.
func (q *JobQueue) Get(key string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.active[key]
	return job, ok
}

// Cancel cancels the active job for key.
func (q *JobQueue) Cancel(key string) error {
	job, ok := q.Get(key)
	if !ok {
		return errors.New(fmt.Errorf("%w: %s", ErrJobNotFound, key)).
			Component("jobqueue").
			Category(errors.CategoryNotFound).
			Build()
	}
	job.Cancel()
	return nil
}

// Stats returns a snapshot of queue statistics.
func (q *JobQueue) Stats() JobStatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// StopWithTimeout stops accepting jobs, cancels running ones and waits for them to return.
func (q *JobQueue) StopWithTimeout(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	for _, job := range q.active {
		job.Cancel()
	}
	q.mu.Unlock()
	q.baseCancel()

	c := make(chan struct{})
	go func() {
		q.runningJobs.Wait()
		close(c)
	}()

	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return errors.Newf("timed out waiting for jobs to complete after %v", timeout).
			Component("jobqueue").
			Category(errors.CategoryTimeout).
			Build()
	}
}
