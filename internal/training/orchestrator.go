// Package training drives a question through validation, remote training and publishing.
//
// Validation runs synchronously in Start. The remote phase runs as a background job, one
// per question, whose progress is persisted as a datastore.TrainingRun so that Status can
// report it and pick up runs left behind by an earlier process.
package training

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/jobqueue"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/reconcile"
	"github.com/tphakala/questvision/internal/vision"
)

// Failure reasons stored on runs.
const (
	ReasonTimeout     = "Timeout"
	ReasonCancelled   = "Cancelled"
	ReasonInterrupted = "Interrupted"
)

// publishTimeLayout renders yyyyMMddHHmmss.
const publishTimeLayout = "20060102150405"

// maxPollErrors is how many consecutive failed polls end a run.
const maxPollErrors = 5

// persistTimeout bounds store writes made after the job context is done.
const persistTimeout = 5 * time.Second

// publishTimeout bounds the publish call, which also runs after cancellation.
const publishTimeout = 30 * time.Second

// Result summarizes a finished run for notifications.
type Result struct {
	QuestionID    uint
	QuestionName  string
	RunID         uint
	State         datastore.TrainingState
	IterationID   string
	PublishName   string
	FailureReason string
	Attached      bool
	Duration      time.Duration
}

// Notifier is told about every run that reaches a terminal state.
type Notifier interface {
	NotifyTrainingFinished(ctx context.Context, r Result) error
}

// MetricsRecorder receives training run metrics.
type MetricsRecorder interface {
	TrainingStarted()
	TrainingFinished(state string, d time.Duration)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the notifier for finished runs.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the clock used for publish names.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs training for questions. Create it with New and stop it with Shutdown.
type Orchestrator struct {
	store    datastore.Interface
	adapter  vision.Adapter
	engine   *reconcile.Engine
	queue    *jobqueue.JobQueue
	settings conf.TrainingSettings
	log      logger.Logger
	notifier Notifier
	metrics  MetricsRecorder
	now      func() time.Time

	thresholds Thresholds
	closing    atomic.Bool

	mu      sync.Mutex
	handles map[uint]*Handle
}

// New creates an Orchestrator. adapter may be nil, in which case Start fails with
// errors.ErrAdapterUnavailable after validation.
func New(store datastore.Interface, adapter vision.Adapter, engine *reconcile.Engine, settings *conf.Settings, log logger.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logger.NewNop()
	}
	o := &Orchestrator{
		store:      store,
		adapter:    adapter,
		engine:     engine,
		settings:   settings.Training,
		log:        log.Module("training"),
		now:        time.Now,
		thresholds: ThresholdsFrom(&settings.Training),
		handles:    make(map[uint]*Handle),
	}
	if o.settings.PollInterval <= 0 {
		o.settings.PollInterval = 2 * time.Second
	}
	if o.settings.Timeout <= 0 {
		o.settings.Timeout = 30 * time.Minute
	}
	if o.settings.PublishPrefix == "" {
		o.settings.PublishPrefix = "model_"
	}
	for _, opt := range opts {
		opt(o)
	}
	o.queue = jobqueue.NewJobQueue(0, log)
	return o
}

// Handle tracks the background job of one run.
type Handle struct {
	QuestionID uint
	RunID      uint
	// Attached is true when Start joined a run that was already active.
	Attached bool

	job     *jobqueue.Job
	started chan struct{}
	once    *sync.Once
}

// JobID returns the id of the background job.
func (h *Handle) JobID() string {
	return h.job.ID
}

// Done is closed when the run's job has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.job.Done()
}

// Started is closed once the remote iteration is known or the run has ended.
func (h *Handle) Started() <-chan struct{} {
	return h.started
}

func (h *Handle) markStarted() {
	h.once.Do(func() { close(h.started) })
}

func jobKey(questionID uint) string {
	return fmt.Sprintf("question-%d", questionID)
}

// Start validates a question and starts remote training in the background. When a run
// for the question is already active its handle is returned with Attached set.
// A validation failure is recorded as a failed run and returned as an error matching
// the violated sentinels.
func (o *Orchestrator) Start(ctx context.Context, questionID uint) (*Handle, error) {
	if o.closing.Load() {
		return nil, jobqueue.ErrQueueStopped
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if h, ok := o.handles[questionID]; ok {
		attached := *h
		attached.Attached = true
		return &attached, nil
	}

	run := &datastore.TrainingRun{QuestionID: questionID, State: datastore.StateValidatingData}
	if _, err := o.store.GetQuestion(ctx, questionID); err != nil {
		return nil, err
	}
	if err := o.store.CreateTrainingRun(ctx, run); err != nil {
		return nil, err
	}
	o.log.Info("training requested",
		logger.Uint("question_id", questionID),
		logger.Uint("run_id", run.ID))

	readiness, err := o.Validate(ctx, questionID)
	if err != nil {
		o.fail(ctx, run, err.Error(), nil)
		return nil, err
	}
	if o.adapter == nil {
		err := errors.New(errors.ErrAdapterUnavailable).
			Component("training").
			Category(errors.CategoryConfiguration).
			Build()
		o.fail(ctx, run, err.Error(), readiness.Question)
		return nil, err
	}
	if err := o.transition(ctx, run, datastore.StateReadyToTrain); err != nil {
		return nil, err
	}

	h := &Handle{
		QuestionID: questionID,
		RunID:      run.ID,
		started:    make(chan struct{}),
		once:       &sync.Once{},
	}
	// run is owned by the job once ready is closed
	ready := make(chan struct{})
	job, attached, err := o.queue.Enqueue(jobKey(questionID), 0, jobqueue.ActionFunc(func(jobCtx context.Context) error {
		defer o.release(questionID, h)
		defer h.markStarted()
		<-ready
		return o.runRemote(jobCtx, run, readiness, h)
	}))
	if err != nil {
		o.fail(ctx, run, err.Error(), readiness.Question)
		return nil, err
	}
	if attached {
		// a job from an earlier Start is still draining; the new run never started
		o.fail(ctx, run, "superseded by an active job", readiness.Question)
		return nil, errors.New(errors.ErrTrainingInProgress).
			Component("training").
			Category(errors.CategoryConflict).
			Context("job_id", job.ID).
			Build()
	}
	h.job = job
	run.JobID = job.ID
	if err := o.persist(ctx, run); err != nil {
		o.log.Warn("failed to record job id", logger.Error(err))
	}
	close(ready)
	o.handles[questionID] = h
	if o.metrics != nil {
		o.metrics.TrainingStarted()
	}

	o.log.Info("training started",
		logger.Uint("question_id", questionID),
		logger.Uint("run_id", h.RunID),
		logger.String("job_id", job.ID),
		logger.Int("total_images", readiness.TotalImages))
	return h, nil
}

func (o *Orchestrator) release(questionID uint, h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handles[questionID] == h {
		delete(o.handles, questionID)
	}
}

func (o *Orchestrator) handle(questionID uint) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[questionID]
	return h, ok
}

// Status returns the latest run of a question. A question that never trained reports
// StateUntrained. A remote run left behind by an earlier process is polled once and
// finalized when the remote iteration has finished.
func (o *Orchestrator) Status(ctx context.Context, questionID uint) (*datastore.TrainingRun, error) {
	q, err := o.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	run, err := o.store.LatestTrainingRun(ctx, questionID)
	if errors.IsCategory(err, errors.CategoryNotFound) {
		return &datastore.TrainingRun{QuestionID: questionID, State: datastore.StateUntrained}, nil
	}
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return run, nil
	}
	if _, live := o.handle(questionID); live {
		return run, nil
	}
	if err := o.refresh(ctx, q, run); err != nil {
		return run, err
	}
	return run, nil
}

// refresh advances a run that has no live job in this process. A run that has not reached
// the remote service may still belong to another process, so it is only marked
// Interrupted once it has not been updated for the training timeout.
func (o *Orchestrator) refresh(ctx context.Context, q *datastore.Question, run *datastore.TrainingRun) error {
	if run.State != datastore.StateRemoteTraining || run.IterationID == "" || !q.HasRemoteProject() {
		if time.Since(run.UpdatedAt) < o.settings.Timeout {
			o.log.Debug("run without live job is recent, leaving it",
				logger.Uint("run_id", run.ID),
				logger.String("state", string(run.State)))
			return nil
		}
		o.fail(ctx, run, ReasonInterrupted, q)
		return nil
	}
	if o.adapter == nil {
		return errors.New(errors.ErrAdapterUnavailable).
			Component("training").
			Category(errors.CategoryConfiguration).
			Build()
	}
	it, err := o.adapter.PollIteration(ctx, q.ProjectID(), run.IterationID)
	if err != nil {
		return err
	}
	if it.Status.InProgress() {
		if time.Since(run.StartedAt) > o.settings.Timeout {
			o.fail(ctx, run, ReasonTimeout, q)
		}
		return nil
	}
	o.finalize(ctx, q, run, it)
	return nil
}

// Wait blocks until the question's active run ends or ctx is done and returns the
// latest run. Without an active run it behaves like Status.
func (o *Orchestrator) Wait(ctx context.Context, questionID uint) (*datastore.TrainingRun, error) {
	if h, ok := o.handle(questionID); ok {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Status(ctx, questionID)
}

// Cancel stops the active run of a question; it ends as Failed with reason Cancelled.
func (o *Orchestrator) Cancel(questionID uint) error {
	if err := o.queue.Cancel(jobKey(questionID)); err != nil {
		return err
	}
	o.log.Info("training cancel requested", logger.Uint("question_id", questionID))
	return nil
}

// Shutdown stops all jobs. Runs that are training remotely stay in RemoteTraining so a
// later Status call can pick them up.
func (o *Orchestrator) Shutdown() error {
	o.closing.Store(true)
	timeout := o.settings.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return o.queue.StopWithTimeout(timeout)
}

// transition moves run to state and persists it.
func (o *Orchestrator) transition(ctx context.Context, run *datastore.TrainingRun, to datastore.TrainingState) error {
	if !canTransition(run.State, to) {
		return errors.Newf("invalid training state transition %s -> %s", run.State, to).
			Component("training").
			Category(errors.CategoryState).
			Context("run_id", run.ID).
			Build()
	}
	from := run.State
	run.State = to
	if to.Terminal() {
		now := time.Now()
		run.FinishedAt = &now
	}
	if err := o.persist(ctx, run); err != nil {
		return err
	}
	o.log.Debug("training state changed",
		logger.Uint("run_id", run.ID),
		logger.String("from", string(from)),
		logger.String("to", string(to)))
	return nil
}

// persist writes run even when ctx has been cancelled.
func (o *Orchestrator) persist(ctx context.Context, run *datastore.TrainingRun) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return o.store.UpdateTrainingRun(pctx, run)
}

var transitions = map[datastore.TrainingState][]datastore.TrainingState{
	datastore.StateUntrained:      {datastore.StateValidatingData},
	datastore.StateValidatingData: {datastore.StateReadyToTrain, datastore.StateFailed},
	datastore.StateReadyToTrain:   {datastore.StateRemoteTraining, datastore.StateFailed},
	datastore.StateRemoteTraining: {datastore.StateCompleted, datastore.StateCompletedUnpublished, datastore.StateFailed},
}

func canTransition(from, to datastore.TrainingState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// fail ends run as Failed. q may be nil.
func (o *Orchestrator) fail(ctx context.Context, run *datastore.TrainingRun, reason string, q *datastore.Question) {
	run.FailureReason = reason
	if err := o.transition(ctx, run, datastore.StateFailed); err != nil {
		o.log.Error("failed to record training failure", logger.Uint("run_id", run.ID), logger.Error(err))
	}
	o.log.Warn("training failed",
		logger.Uint("question_id", run.QuestionID),
		logger.Uint("run_id", run.ID),
		logger.String("reason", reason))
	o.finished(ctx, run, q)
}

// finished reports a terminal run to metrics and the notifier.
func (o *Orchestrator) finished(ctx context.Context, run *datastore.TrainingRun, q *datastore.Question) {
	d := time.Since(run.StartedAt)
	if run.FinishedAt != nil {
		d = run.FinishedAt.Sub(run.StartedAt)
	}
	if o.metrics != nil {
		o.metrics.TrainingFinished(string(run.State), d)
	}
	if o.notifier == nil {
		return
	}
	r := Result{
		QuestionID:    run.QuestionID,
		RunID:         run.ID,
		State:         run.State,
		IterationID:   run.IterationID,
		PublishName:   run.PublishName,
		FailureReason: run.FailureReason,
		Attached:      run.Attached,
		Duration:      d,
	}
	if q != nil {
		r.QuestionName = q.Name
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.notifier.NotifyTrainingFinished(nctx, r); err != nil {
		o.log.Warn("training notification failed", logger.Uint("run_id", run.ID), logger.Error(err))
	}
}
