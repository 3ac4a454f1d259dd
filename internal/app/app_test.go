package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/questvision/internal/buildinfo"
	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/questions"
	"github.com/tphakala/questvision/internal/training"
	"github.com/tphakala/questvision/internal/vision/visiontest"
)

type nopNotifier struct{}

func (nopNotifier) NotifyTrainingFinished(context.Context, training.Result) error { return nil }

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	dir := t.TempDir()
	s := conf.Defaults()
	s.Database.SQLite.Path = filepath.Join(dir, "questvision.db")
	s.Storage.UploadRoot = filepath.Join(dir, "uploads")
	s.Storage.MaxDiskUsage = 0
	s.Metrics.Enabled = true
	s.Metrics.TextfilePath = filepath.Join(dir, "questvision.prom")
	return s
}

func TestNew_WiresServices(t *testing.T) {
	settings := testSettings(t)
	fake := visiontest.New()

	a, err := New(settings, buildinfo.NewContext("1.0.0", ""),
		WithLogger(logger.NewNop()), WithAdapter(fake), WithNotifier(nopNotifier{}))
	require.NoError(t, err)

	ctx := t.Context()
	q, err := a.Questions.Create(ctx, "Which bird?", "")
	require.NoError(t, err)

	report, err := a.Questions.UploadTrainingImages(ctx, q.ID, []questions.Upload{
		{Name: "a.jpg", Body: bytes.NewReader([]byte{0xff, 0xd8, 0xff})},
	})
	require.NoError(t, err)
	assert.True(t, report.ProjectCreated)
	assert.Len(t, report.Images, 1)

	run, err := a.Training.Status(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateUntrained, run.State)

	require.NoError(t, a.Close())

	data, err := os.ReadFile(settings.Metrics.TextfilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "questvision_training_runs_started_total 0")
}

func TestNew_WithoutVisionCredentials(t *testing.T) {
	settings := testSettings(t)
	settings.Metrics.Enabled = false

	a, err := New(settings, nil, WithLogger(logger.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.Adapter)
	assert.Nil(t, a.Metrics)

	q, err := a.Questions.Create(t.Context(), "Offline", "")
	require.NoError(t, err)
	_, err = a.Questions.Test(t.Context(), q.ID, questions.Upload{Name: "x.jpg", Body: bytes.NewReader([]byte{1})})
	require.ErrorIs(t, err, errors.ErrAdapterUnavailable)
}

func TestNew_InvalidNotificationSettings(t *testing.T) {
	settings := testSettings(t)
	settings.Notification.Enabled = true
	settings.Notification.URLs = nil

	_, err := New(settings, nil, WithLogger(logger.NewNop()), WithAdapter(visiontest.New()))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
