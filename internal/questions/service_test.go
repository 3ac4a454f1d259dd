package questions

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/datastore/datastoretest"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/reconcile"
	"github.com/tphakala/questvision/internal/training"
	"github.com/tphakala/questvision/internal/uploads"
	"github.com/tphakala/questvision/internal/vision"
	"github.com/tphakala/questvision/internal/vision/visiontest"
)

// storedModel resolves to whatever name the question carries.
type storedModel struct{}

func (storedModel) ModelName(_ context.Context, q *datastore.Question) (string, error) {
	if q.ModelName() == "" {
		return "", errors.New(errors.ErrNoPublishedModel).Category(errors.CategoryNotFound).Build()
	}
	return q.ModelName(), nil
}

func (storedModel) RepairModelName(_ context.Context, q *datastore.Question) (string, error) {
	return q.ModelName(), nil
}

type fixture struct {
	svc      *Service
	store    datastore.Interface
	files    *uploads.Store
	fake     *visiontest.Fake
	engine   *reconcile.Engine
	settings *conf.Settings
}

func newFixture(t *testing.T, adapter vision.Adapter, mutate ...func(*conf.Settings)) *fixture {
	t.Helper()
	settings := conf.Defaults()
	settings.Storage.UploadRoot = t.TempDir()
	settings.Storage.MaxDiskUsage = 0
	for _, m := range mutate {
		m(settings)
	}

	store := datastoretest.New(t)
	files, err := uploads.New(&settings.Storage, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = files.Close() })

	engine := reconcile.New(store, adapter, settings, nil, reconcile.WithFileRemover(files))
	f := &fixture{
		svc:      New(store, adapter, files, engine, storedModel{}, settings, nil),
		store:    store,
		files:    files,
		engine:   engine,
		settings: settings,
	}
	if fake, ok := adapter.(*visiontest.Fake); ok {
		f.fake = fake
	}
	return f
}

func jpegs(names ...string) []Upload {
	out := make([]Upload, 0, len(names))
	for _, n := range names {
		out = append(out, Upload{Name: n, Body: strings.NewReader("bytes of " + n)})
	}
	return out
}

func gradientPNG(t *testing.T, reversed bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 90, 60))
	for y := range 60 {
		for x := range 90 {
			v := uint8(x * 255 / 89)
			if reversed {
				v = 255 - v
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// publish links the question to a remote project with a published model.
func (f *fixture) publish(t *testing.T, q *datastore.Question) string {
	t.Helper()
	projectID := f.fake.AddProject(q.Name)
	f.fake.AddIteration(projectID, vision.StatusCompleted, "model_1")
	require.NoError(t, f.store.SetRemoteProjectID(t.Context(), q.ID, projectID))
	name := "model_1"
	require.NoError(t, f.store.SetPublishedModelName(t.Context(), q.ID, &name))
	return projectID
}

func TestCreateAndTags(t *testing.T) {
	t.Parallel()
	f := newFixture(t, visiontest.New())
	ctx := t.Context()

	_, err := f.svc.Create(ctx, "   ", "")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	q, err := f.svc.Create(ctx, " Animals ", "what is it")
	require.NoError(t, err)
	assert.Equal(t, "Animals", q.Name)

	tag, err := f.svc.AddTag(ctx, q.ID, "Cat", "")
	require.NoError(t, err)
	assert.Equal(t, "Cat", tag.TagName)

	_, err = f.svc.AddTag(ctx, q.ID, "cat", "")
	require.ErrorIs(t, err, errors.ErrDuplicateTag)

	_, err = f.svc.AddTag(ctx, q.ID+100, "dog", "")
	require.ErrorIs(t, err, errors.ErrQuestionNotFound)

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Tags, 1)
}

func TestUploadTrainingImagesCreatesDefaultTagAndProject(t *testing.T) {
	t.Parallel()
	f := newFixture(t, visiontest.New())
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Birds", "")
	require.NoError(t, err)

	report, err := f.svc.UploadTrainingImages(ctx, q.ID, jpegs("a.jpg", "b.jpg", "c.jpg"))
	require.NoError(t, err)

	assert.True(t, report.CreatedTag)
	assert.Equal(t, "Birds", report.Tag.TagName)
	assert.True(t, report.ProjectCreated)
	assert.Equal(t, 3, report.Remote.Succeeded)
	assert.Equal(t, 3, f.fake.ImageCount(report.ProjectID, "Birds"))

	loaded, err := f.svc.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ProjectID, loaded.ProjectID())
	require.Len(t, loaded.TrainingImages, 3)
	for _, img := range loaded.TrainingImages {
		assert.Equal(t, datastore.Tagged{TagID: report.Tag.ID}, img.Tag())
		assert.NotNil(t, img.RemoteImageID)
		assert.FileExists(t, img.FilePath)
	}

	// a second upload reuses the tag and the project
	again, err := f.svc.UploadTrainingImages(ctx, q.ID, jpegs("d.jpg"))
	require.NoError(t, err)
	assert.False(t, again.CreatedTag)
	assert.False(t, again.ProjectCreated)
	assert.Equal(t, report.Tag.ID, again.Tag.ID)
	assert.Equal(t, 1, f.fake.Calls("CreateProject"))
}

func TestUploadKeepsLocalRecordsWhenRemoteFails(t *testing.T) {
	t.Parallel()
	fake := visiontest.New()
	fake.UploadErr = errors.NewStd("service down")
	f := newFixture(t, fake)
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Cars", "")
	require.NoError(t, err)

	report, err := f.svc.UploadTrainingImages(ctx, q.ID, jpegs("a.jpg", "b.jpg"))
	require.NoError(t, err)
	require.Error(t, report.RemoteError)
	assert.Equal(t, 2, report.Remote.Failed)
	assert.Len(t, report.Images, 2)

	images, err := f.store.ListTrainingImages(ctx, q.ID)
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestUploadWithoutAdapter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Trees", "")
	require.NoError(t, err)

	report, err := f.svc.UploadTrainingImages(ctx, q.ID, jpegs("a.jpg"))
	require.NoError(t, err)
	assert.True(t, report.RemoteSkipped)
	assert.Empty(t, report.ProjectID)
}

func TestUploadRejectsUnsupportedFiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t, visiontest.New())
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Boats", "")
	require.NoError(t, err)
	tag, err := f.svc.AddTag(ctx, q.ID, "sail", "")
	require.NoError(t, err)

	report, err := f.svc.UploadTagImages(ctx, q.ID, tag.ID, jpegs("a.jpg", "notes.txt"))
	require.NoError(t, err)
	assert.Len(t, report.Images, 1)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, "notes.txt", report.Rejected[0].Name)

	_, err = f.svc.UploadTagImages(ctx, q.ID, tag.ID, jpegs("only.txt"))
	require.Error(t, err)

	_, err = f.svc.UploadTagImages(ctx, q.ID, tag.ID+50, jpegs("a.jpg"))
	require.ErrorIs(t, err, errors.ErrTagNotFound)

	_, err = f.svc.UploadTagImages(ctx, q.ID, tag.ID, nil)
	require.Error(t, err)
}

func TestTestRecordsResult(t *testing.T) {
	t.Parallel()
	fake := visiontest.New()
	f := newFixture(t, fake)
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Pets", "")
	require.NoError(t, err)
	f.publish(t, q)

	tests := []struct {
		name  string
		preds []vision.Prediction
		score float64
		band  MatchBand
		low   bool
	}{
		{"high", []vision.Prediction{{TagName: "dog", Probability: 0.1}, {TagName: "cat", Probability: 0.9}}, 0.9, BandHigh, false},
		{"medium", []vision.Prediction{{TagName: "cat", Probability: 0.55}}, 0.55, BandMedium, true},
		{"low", []vision.Prediction{{TagName: "cat", Probability: 0.2}}, 0.2, BandLow, true},
	}
	for _, tt := range tests {
		fake.Predictions = tt.preds
		out, err := f.svc.Test(ctx, q.ID, jpegs("probe.jpg")[0])
		require.NoError(t, err, tt.name)

		assert.InDelta(t, tt.score, out.Result.MatchScore, 1e-9, tt.name)
		assert.Equal(t, tt.band, out.Band, tt.name)
		assert.Equal(t, tt.low, out.LowConfidence, tt.name)
		require.NotNil(t, out.Result.PredictionResult, tt.name)
		assert.Equal(t, "cat", *out.Result.PredictionResult, tt.name)
		assert.Equal(t, "model_1", out.ModelName)
	}

	results, err := f.svc.TestResults(ctx, q.ID)
	require.NoError(t, err)
	assert.Len(t, results, len(tests))
}

func TestTestRequiresPublishedModel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, visiontest.New())
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Pets", "")
	require.NoError(t, err)

	_, err = f.svc.Test(ctx, q.ID, jpegs("probe.jpg")[0])
	require.ErrorIs(t, err, errors.ErrNoPublishedModel)

	results, err := f.svc.TestResults(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, results)

	noAdapter := newFixture(t, nil)
	q2, err := noAdapter.svc.Create(ctx, "Pets", "")
	require.NoError(t, err)
	_, err = noAdapter.svc.Test(ctx, q2.ID, jpegs("probe.jpg")[0])
	require.ErrorIs(t, err, errors.ErrAdapterUnavailable)
}

func TestStaleModelNameIsRepairedOnPrediction(t *testing.T) {
	t.Parallel()
	fake := visiontest.New()
	f := newFixture(t, fake)
	ctx := t.Context()

	orch := training.New(f.store, fake, f.engine, f.settings, nil)
	t.Cleanup(func() { _ = orch.Shutdown() })
	svc := New(f.store, fake, f.files, f.engine, orch, f.settings, nil)

	q, err := svc.Create(ctx, "Pets", "")
	require.NoError(t, err)
	projectID := fake.AddProject(q.Name)
	fake.AddIteration(projectID, vision.StatusFailed, "model_A")
	fake.AddIteration(projectID, vision.StatusCompleted, "model_B")
	require.NoError(t, f.store.SetRemoteProjectID(ctx, q.ID, projectID))
	stale := "model_A"
	require.NoError(t, f.store.SetPublishedModelName(ctx, q.ID, &stale))
	fake.Predictions = []vision.Prediction{{TagName: "cat", Probability: 0.9}}

	out, err := svc.Test(ctx, q.ID, jpegs("cat.jpg")[0])
	require.NoError(t, err)
	assert.Equal(t, "model_B", out.ModelName)
	assert.Equal(t, 2, fake.Calls("Classify"))

	stored, err := f.store.GetQuestion(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "model_B", stored.ModelName())

	// the repaired name is used directly afterwards
	cmp, err := svc.Compare(ctx, q.ID, jpegs("again.jpg")[0])
	require.NoError(t, err)
	assert.Equal(t, SourceModel, cmp.Source)
	assert.Equal(t, "model_B", cmp.ModelName)
	assert.Equal(t, 3, fake.Calls("Classify"))
}

func TestStaleModelNameWithoutReplacement(t *testing.T) {
	t.Parallel()
	fake := visiontest.New()
	f := newFixture(t, fake)
	ctx := t.Context()

	orch := training.New(f.store, fake, f.engine, f.settings, nil)
	t.Cleanup(func() { _ = orch.Shutdown() })
	svc := New(f.store, fake, f.files, f.engine, orch, f.settings, nil)

	q, err := svc.Create(ctx, "Pets", "")
	require.NoError(t, err)
	projectID := fake.AddProject(q.Name)
	fake.AddIteration(projectID, vision.StatusFailed, "model_A")
	require.NoError(t, f.store.SetRemoteProjectID(ctx, q.ID, projectID))
	stale := "model_A"
	require.NoError(t, f.store.SetPublishedModelName(ctx, q.ID, &stale))

	_, err = svc.Test(ctx, q.ID, jpegs("cat.jpg")[0])
	require.ErrorIs(t, err, errors.ErrNoPublishedModel)
	assert.Equal(t, 1, fake.Calls("Classify"))

	stored, err := f.store.GetQuestion(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "model_A", stored.ModelName())
}

func TestCompareWithModel(t *testing.T) {
	t.Parallel()
	fake := visiontest.New()
	fake.Predictions = []vision.Prediction{
		{TagName: "bird", Probability: 0.2},
		{TagName: "cat", Probability: 0.9},
		{TagName: "dog", Probability: 0.86},
	}
	f := newFixture(t, fake)
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Pets", "")
	require.NoError(t, err)
	f.publish(t, q)

	cmp, err := f.svc.Compare(ctx, q.ID, jpegs("probe.jpg")[0])
	require.NoError(t, err)
	assert.Equal(t, SourceModel, cmp.Source)
	assert.Len(t, cmp.Predictions, 3)
	require.Len(t, cmp.Matches, 2)
	assert.Equal(t, "cat", cmp.Matches[0].TagName)
	assert.InDelta(t, 0.85, cmp.Threshold, 1e-9)
	assert.InDelta(t, 0.9, cmp.Highest, 1e-9)
	assert.InDelta(t, 0.88, cmp.Average, 1e-9)
}

func TestCompareFallsBackToLocalSimilarity(t *testing.T) {
	t.Parallel()
	fake := visiontest.New()
	fake.ClassifyErr = errors.NewStd("prediction endpoint unreachable")
	f := newFixture(t, fake)
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Patterns", "")
	require.NoError(t, err)
	f.publish(t, q)
	rising, err := f.svc.AddTag(ctx, q.ID, "rising", "")
	require.NoError(t, err)
	falling, err := f.svc.AddTag(ctx, q.ID, "falling", "")
	require.NoError(t, err)

	_, err = f.svc.UploadTagImages(ctx, q.ID, rising.ID, []Upload{
		{Name: "r1.png", Body: bytes.NewReader(gradientPNG(t, false))},
		{Name: "r2.png", Body: bytes.NewReader(gradientPNG(t, false))},
	})
	require.NoError(t, err)
	_, err = f.svc.UploadTagImages(ctx, q.ID, falling.ID, []Upload{
		{Name: "f1.png", Body: bytes.NewReader(gradientPNG(t, true))},
		{Name: "f2.png", Body: bytes.NewReader(gradientPNG(t, true))},
	})
	require.NoError(t, err)

	cmp, err := f.svc.Compare(ctx, q.ID, Upload{Name: "probe.png", Body: bytes.NewReader(gradientPNG(t, false))})
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, cmp.Source)
	require.Error(t, cmp.RemoteError)
	require.Len(t, cmp.Local, 2)
	assert.Equal(t, "rising", cmp.Local[0].Tag)
	assert.InDelta(t, 1.0, cmp.Local[0].Best, 1e-9)
	assert.Equal(t, 2, cmp.Local[0].References)
	require.Len(t, cmp.Matches, 1)
	assert.Equal(t, "rising", cmp.Matches[0].TagName)

	strict := newFixture(t, fake, func(s *conf.Settings) { s.Prediction.LocalFallback = false })
	q2, err := strict.svc.Create(ctx, "Patterns", "")
	require.NoError(t, err)
	_, err = strict.svc.Compare(ctx, q2.ID, Upload{Name: "probe.png", Body: bytes.NewReader(gradientPNG(t, false))})
	require.Error(t, err)
}

func TestDeleteRemovesFiles(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := t.Context()

	q, err := f.svc.Create(ctx, "Temp", "")
	require.NoError(t, err)
	report, err := f.svc.UploadTrainingImages(ctx, q.ID, jpegs("a.jpg"))
	require.NoError(t, err)
	require.Len(t, report.Images, 1)

	require.NoError(t, f.svc.Delete(ctx, q.ID))
	assert.NoFileExists(t, report.Images[0].FilePath)

	_, err = f.svc.Get(ctx, q.ID)
	require.ErrorIs(t, err, errors.ErrQuestionNotFound)
	require.ErrorIs(t, f.svc.Delete(ctx, q.ID), errors.ErrQuestionNotFound)
}
