package training

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/datastore/datastoretest"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/jobqueue"
	"github.com/tphakala/questvision/internal/reconcile"
	"github.com/tphakala/questvision/internal/testutil"
	"github.com/tphakala/questvision/internal/vision"
	"github.com/tphakala/questvision/internal/vision/visiontest"
)

const waitTimeout = testutil.DefaultTimeout

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []Result
}

func (n *recordingNotifier) NotifyTrainingFinished(_ context.Context, r Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, r)
	return nil
}

func (n *recordingNotifier) all() []Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Result(nil), n.results...)
}

type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
}

func (m *recordingMetrics) TrainingStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) TrainingFinished(state string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = make(map[string]int)
	}
	m.finished[state]++
}

func testSettings() *conf.Settings {
	s := conf.Defaults()
	s.Training.PollInterval = time.Millisecond
	s.Training.Timeout = waitTimeout
	s.Training.ShutdownTimeout = waitTimeout
	return s
}

func newOrchestrator(t *testing.T, store datastore.Interface, adapter vision.Adapter, settings *conf.Settings, opts ...Option) *Orchestrator {
	t.Helper()
	engine := reconcile.New(store, adapter, settings, nil)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	o := New(store, adapter, engine, settings, nil, opts...)
	t.Cleanup(func() {
		require.NoError(t, o.Shutdown())
	})
	return o
}

func waitRun(t *testing.T, o *Orchestrator, questionID uint) *datastore.TrainingRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), waitTimeout)
	defer cancel()
	run, err := o.Wait(ctx, questionID)
	require.NoError(t, err)
	return run
}

func waitStarted(t *testing.T, h *Handle) {
	t.Helper()
	testutil.WaitForChannel(t, h.Started(), waitTimeout, "remote training did not start")
}

func TestCheckReadiness(t *testing.T) {
	t.Parallel()
	th := Thresholds{MinTags: 2, MinTotalImages: 10, MinImagesPerTag: 5}

	tests := []struct {
		name      string
		counts    []int
		wantTags  bool
		wantTotal bool
		wantShort []string
	}{
		{"one tag short", []int{3, 7}, false, false, []string{"tag0"}},
		{"exactly enough", []int{5, 5}, false, false, nil},
		{"total short", []int{5, 4}, false, true, []string{"tag1"}},
		{"single tag", []int{10}, true, false, nil},
		{"everything short", []int{1}, true, true, []string{"tag0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tags := make([]TagCount, 0, len(tt.counts))
			for i, n := range tt.counts {
				tags = append(tags, TagCount{TagID: uint(i + 1), Name: "tag" + string(rune('0'+i)), Images: n})
			}

			err := CheckReadiness(tags, th)
			if !tt.wantTags && !tt.wantTotal && tt.wantShort == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantTags, errors.Is(err, errors.ErrInsufficientTags))
			assert.Equal(t, tt.wantTotal, errors.Is(err, errors.ErrInsufficientImages))
			assert.Equal(t, tt.wantShort != nil, errors.Is(err, errors.ErrInsufficientPerTagImages))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			var short []string
			for _, s := range verr.ShortTags {
				short = append(short, s.Name)
				assert.Contains(t, err.Error(), "'"+s.Name+"'")
			}
			assert.Equal(t, tt.wantShort, short)
		})
	}
}

func TestValidate_ZeroTagsGetDefaultAndOtherTag(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	o := newOrchestrator(t, store, nil, testSettings())
	q := datastoretest.SeedQuestion(t, store, "Birds", nil, nil)

	r, err := o.Validate(t.Context(), q.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInsufficientImages)
	assert.NotErrorIs(t, err, errors.ErrInsufficientTags)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	require.NotNil(t, r)
	assert.Equal(t, []string{"Birds", "Birds_other"}, r.CreatedTags)
	require.Len(t, r.Tags, 2)
	assert.Equal(t, "Birds_other", r.Tags[1].Name)
}

func TestValidate_MigratesLegacyImages(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	o := newOrchestrator(t, store, nil, testSettings())
	q := datastoretest.SeedQuestion(t, store, "cats", []string{""}, []int{12})

	r, err := o.Validate(t.Context(), q.ID)
	require.ErrorIs(t, err, errors.ErrInsufficientPerTagImages)
	assert.NotErrorIs(t, err, errors.ErrInsufficientImages)
	assert.Equal(t, 12, r.Migrated)
	assert.Equal(t, 12, r.TotalImages)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.ShortTags, 1)
	assert.Equal(t, "cats_other", verr.ShortTags[0].Name)
	assert.Zero(t, verr.ShortTags[0].Images)
}

func TestStart_TrainsAndPublishes(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	fake := visiontest.New()
	notifier := &recordingNotifier{}
	metrics := &recordingMetrics{}
	o := newOrchestrator(t, store, fake, testSettings(), WithNotifier(notifier), WithMetrics(metrics))
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{5, 5})

	h, err := o.Start(t.Context(), q.ID)
	require.NoError(t, err)
	assert.False(t, h.Attached)
	assert.NotEmpty(t, h.JobID())

	run := waitRun(t, o, q.ID)
	assert.Equal(t, datastore.StateCompleted, run.State)
	assert.Equal(t, "model_20260102030405", run.PublishName)
	assert.False(t, run.Attached)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, h.JobID(), run.JobID)

	loaded, err := store.GetQuestion(t.Context(), q.ID)
	require.NoError(t, err)
	require.True(t, loaded.HasRemoteProject())
	assert.Equal(t, "model_20260102030405", loaded.ModelName())
	assert.Equal(t, 5, fake.ImageCount(loaded.ProjectID(), "cat"))
	assert.Equal(t, 5, fake.ImageCount(loaded.ProjectID(), "dog"))
	for i := range loaded.TrainingImages {
		assert.NotNil(t, loaded.TrainingImages[i].RemoteImageID)
	}
	assert.Equal(t, 1, fake.Calls("Train"))

	results := notifier.all()
	require.Len(t, results, 1)
	assert.Equal(t, datastore.StateCompleted, results[0].State)
	assert.Equal(t, "pets", results[0].QuestionName)

	metrics.mu.Lock()
	assert.Equal(t, 1, metrics.started)
	assert.Equal(t, 1, metrics.finished[string(datastore.StateCompleted)])
	metrics.mu.Unlock()
}

func TestStart_AttachesToRemoteIteration(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	fake := visiontest.New()
	o := newOrchestrator(t, store, fake, testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{5, 5})

	projectID := fake.AddProject("pets")
	require.NoError(t, store.SetRemoteProjectID(t.Context(), q.ID, projectID))
	iterationID := fake.AddIteration(projectID, vision.StatusTraining, "")

	_, err := o.Start(t.Context(), q.ID)
	require.NoError(t, err)

	run := waitRun(t, o, q.ID)
	assert.Equal(t, datastore.StateCompleted, run.State)
	assert.True(t, run.Attached)
	assert.Equal(t, iterationID, run.IterationID)
	assert.Zero(t, fake.Calls("Train"), "no duplicate training is started")
	assert.Zero(t, fake.Calls("UploadImages"), "existing projects are not re-uploaded")
}

func TestStart_SecondStartAttachesToActiveRun(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	fake := visiontest.New()
	fake.PollsUntilDone = -1
	o := newOrchestrator(t, store, fake, testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{5, 5})

	first, err := o.Start(t.Context(), q.ID)
	require.NoError(t, err)
	second, err := o.Start(t.Context(), q.ID)
	require.NoError(t, err)
	assert.True(t, second.Attached)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.JobID(), second.JobID())

	waitStarted(t, first)
	require.NoError(t, o.Cancel(q.ID))
	run := waitRun(t, o, q.ID)
	assert.Equal(t, datastore.StateFailed, run.State)
	assert.Equal(t, ReasonCancelled, run.FailureReason)
	assert.Equal(t, 1, fake.Calls("Train"))
}

func TestStart_PublishFailureLeavesModelUnset(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	fake := visiontest.New()
	fake.FailPublish = true
	o := newOrchestrator(t, store, fake, testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{5, 5})
	stale := "model_old"
	require.NoError(t, store.SetPublishedModelName(t.Context(), q.ID, &stale))

	_, err := o.Start(t.Context(), q.ID)
	require.NoError(t, err)

	run := waitRun(t, o, q.ID)
	assert.Equal(t, datastore.StateCompletedUnpublished, run.State)
	assert.Empty(t, run.PublishName)

	loaded, err := store.GetQuestion(t.Context(), q.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.PublishedModelName)
}

func TestStart_Timeout(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	fake := visiontest.New()
	fake.PollsUntilDone = -1
	settings := testSettings()
	settings.Training.Timeout = 30 * time.Millisecond
	notifier := &recordingNotifier{}
	o := newOrchestrator(t, store, fake, settings, WithNotifier(notifier))
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{5, 5})

	_, err := o.Start(t.Context(), q.ID)
	require.NoError(t, err)

	run := waitRun(t, o, q.ID)
	assert.Equal(t, datastore.StateFailed, run.State)
	assert.Equal(t, ReasonTimeout, run.FailureReason)
	assert.Positive(t, fake.Calls("PollIteration"))

	loaded, err := store.GetQuestion(t.Context(), q.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.PublishedModelName)

	results := notifier.all()
	require.Len(t, results, 1)
	assert.Equal(t, ReasonTimeout, results[0].FailureReason)
}

func TestStart_RemoteIterationFails(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	fake := visiontest.New()
	fake.FinalStatus = vision.StatusFailed
	o := newOrchestrator(t, store, fake, testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{5, 5})

	_, err := o.Start(t.Context(), q.ID)
	require.NoError(t, err)

	run := waitRun(t, o, q.ID)
	assert.Equal(t, datastore.StateFailed, run.State)
	assert.Contains(t, run.FailureReason, "Failed")
	assert.Zero(t, fake.Calls("Publish"))
}

func TestStart_ValidationFailureIsRecorded(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	fake := visiontest.New()
	o := newOrchestrator(t, store, fake, testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{3, 7})

	_, err := o.Start(t.Context(), q.ID)
	require.ErrorIs(t, err, errors.ErrInsufficientPerTagImages)
	assert.NotErrorIs(t, err, errors.ErrInsufficientImages)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.ShortTags, 1)
	assert.Equal(t, "cat", verr.ShortTags[0].Name)
	assert.Equal(t, 3, verr.ShortTags[0].Images)

	run, err := o.Status(t.Context(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateFailed, run.State)
	assert.Contains(t, run.FailureReason, "'cat' (3)")
	assert.Zero(t, fake.Calls("CreateProject"))
}

func TestStart_WithoutAdapter(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	o := newOrchestrator(t, store, nil, testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{5, 5})

	_, err := o.Start(t.Context(), q.ID)
	require.ErrorIs(t, err, errors.ErrAdapterUnavailable)

	run, err := o.Status(t.Context(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateFailed, run.State)
}

func TestCancel_UnknownQuestion(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t, datastoretest.New(t), nil, testSettings())
	require.ErrorIs(t, o.Cancel(42), jobqueue.ErrJobNotFound)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	o := newOrchestrator(t, store, visiontest.New(), testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", nil, nil)

	run, err := o.Status(t.Context(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateUntrained, run.State)

	_, err = o.Status(t.Context(), 9999)
	require.ErrorIs(t, err, errors.ErrQuestionNotFound)
}

func TestShutdown_DetachesAndStatusFinishesRun(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	fake := visiontest.New()
	fake.PollsUntilDone = -1
	settings := testSettings()
	settings.Training.Timeout = time.Hour
	q := datastoretest.SeedQuestion(t, store, "pets", []string{"cat", "dog"}, []int{5, 5})

	first := newOrchestrator(t, store, fake, settings)
	h, err := first.Start(t.Context(), q.ID)
	require.NoError(t, err)
	waitStarted(t, h)
	require.NoError(t, first.Shutdown())

	run, err := store.LatestTrainingRun(t.Context(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateRemoteTraining, run.State, "shutdown leaves the remote run in place")

	_, err = first.Start(t.Context(), q.ID)
	require.ErrorIs(t, err, jobqueue.ErrQueueStopped)

	// the remote iteration finishes while no process is watching
	fake.PollsUntilDone = 0
	second := newOrchestrator(t, store, fake, settings)
	run, err = second.Status(t.Context(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateCompleted, run.State)
	assert.Equal(t, "model_20260102030405", run.PublishName)
}

func TestStatus_OrphanedLocalRunIsInterrupted(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	o := newOrchestrator(t, store, visiontest.New(), testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", nil, nil)
	require.NoError(t, store.CreateTrainingRun(t.Context(), &datastore.TrainingRun{
		QuestionID: q.ID,
		State:      datastore.StateReadyToTrain,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}))

	run, err := o.Status(t.Context(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateFailed, run.State)
	assert.Equal(t, ReasonInterrupted, run.FailureReason)
}

// Another process may be validating or uploading; its run is left alone until stale.
func TestStatus_RecentRunOfAnotherProcessIsKept(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	o := newOrchestrator(t, store, visiontest.New(), testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", nil, nil)

	for _, state := range []datastore.TrainingState{datastore.StateValidatingData, datastore.StateReadyToTrain} {
		require.NoError(t, store.CreateTrainingRun(t.Context(), &datastore.TrainingRun{
			QuestionID: q.ID,
			State:      state,
		}))

		run, err := o.Status(t.Context(), q.ID)
		require.NoError(t, err)
		assert.Equal(t, state, run.State)
		assert.Empty(t, run.FailureReason)

		stored, err := store.LatestTrainingRun(t.Context(), q.ID)
		require.NoError(t, err)
		assert.Equal(t, state, stored.State)
	}
}

func TestResolvePublishedModelName(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T, stored string) (*Orchestrator, *datastore.SQLiteStore, *visiontest.Fake, *datastore.Question, string) {
		t.Helper()
		store := datastoretest.New(t)
		fake := visiontest.New()
		o := newOrchestrator(t, store, fake, testSettings())
		q := datastoretest.SeedQuestion(t, store, "pets", nil, nil)
		projectID := fake.AddProject("pets")
		require.NoError(t, store.SetRemoteProjectID(t.Context(), q.ID, projectID))
		if stored != "" {
			require.NoError(t, store.SetPublishedModelName(t.Context(), q.ID, &stored))
		}
		return o, store, fake, q, projectID
	}

	t.Run("stale name is replaced by newest completed", func(t *testing.T) {
		t.Parallel()
		o, store, fake, q, projectID := setup(t, "model_A")
		fake.AddIteration(projectID, vision.StatusFailed, "model_A")
		fake.AddIteration(projectID, vision.StatusCompleted, "model_B")

		res, err := o.ResolvePublishedModelName(t.Context(), q.ID)
		require.NoError(t, err)
		assert.Equal(t, "model_B", res.Name)
		assert.Equal(t, "model_A", res.OldName)
		assert.True(t, res.Changed)

		loaded, err := store.GetQuestion(t.Context(), q.ID)
		require.NoError(t, err)
		assert.Equal(t, "model_B", loaded.ModelName())
	})

	t.Run("valid stored name is kept", func(t *testing.T) {
		t.Parallel()
		o, _, fake, q, projectID := setup(t, "model_A")
		fake.AddIteration(projectID, vision.StatusCompleted, "model_A")
		fake.AddIteration(projectID, vision.StatusCompleted, "model_C")

		res, err := o.ResolvePublishedModelName(t.Context(), q.ID)
		require.NoError(t, err)
		assert.Equal(t, "model_A", res.Name)
		assert.False(t, res.Changed)
	})

	t.Run("no completed published iteration", func(t *testing.T) {
		t.Parallel()
		o, store, fake, q, projectID := setup(t, "model_A")
		fake.AddIteration(projectID, vision.StatusFailed, "model_A")
		fake.AddIteration(projectID, vision.StatusCompleted, "")

		_, err := o.ResolvePublishedModelName(t.Context(), q.ID)
		require.ErrorIs(t, err, errors.ErrNoPublishedModel)

		loaded, err := store.GetQuestion(t.Context(), q.ID)
		require.NoError(t, err)
		assert.Equal(t, "model_A", loaded.ModelName(), "stored name is not touched on failure")
	})

	t.Run("empty stored name is filled", func(t *testing.T) {
		t.Parallel()
		o, _, fake, q, projectID := setup(t, "")
		fake.AddIteration(projectID, vision.StatusCompleted, "model_X")

		name, err := o.ModelName(t.Context(), q)
		require.NoError(t, err)
		assert.Equal(t, "model_X", name)
	})

	t.Run("listing failure", func(t *testing.T) {
		t.Parallel()
		o, _, fake, q, _ := setup(t, "model_A")
		fake.FailListIterations = true

		_, err := o.ResolvePublishedModelName(t.Context(), q.ID)
		require.ErrorIs(t, err, errors.ErrAdapterUnavailable)
	})
}

func TestResolvePublishedModelName_NoProject(t *testing.T) {
	t.Parallel()
	store := datastoretest.New(t)
	o := newOrchestrator(t, store, visiontest.New(), testSettings())
	q := datastoretest.SeedQuestion(t, store, "pets", nil, nil)

	_, err := o.ResolvePublishedModelName(t.Context(), q.ID)
	require.ErrorIs(t, err, errors.ErrRemoteProjectNotFound)
}

func TestSelectPublishedModel(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	iterations := []vision.Iteration{
		{ID: "1", Status: vision.StatusCompleted, PublishName: "m1", Created: base},
		{ID: "2", Status: vision.StatusCompleted, PublishName: "m2", Created: base.Add(2 * time.Hour)},
		{ID: "3", Status: vision.StatusCompleted, PublishName: "m3", Created: base.Add(time.Hour)},
		{ID: "4", Status: vision.StatusTraining, PublishName: "m4", Created: base.Add(3 * time.Hour)},
	}

	it, ok := SelectPublishedModel("", iterations)
	require.True(t, ok)
	assert.Equal(t, "m2", it.PublishName)

	it, ok = SelectPublishedModel("m1", iterations)
	require.True(t, ok)
	assert.Equal(t, "m1", it.PublishName)

	it, ok = SelectPublishedModel("m4", iterations)
	require.True(t, ok)
	assert.Equal(t, "m2", it.PublishName, "an unfinished iteration is never selected")

	_, ok = SelectPublishedModel("m1", nil)
	assert.False(t, ok)
}
