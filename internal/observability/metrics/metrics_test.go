package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewVisionMetrics(registry)
	require.NoError(t, err)

	m.RecordRequest("train", "200", 300*time.Millisecond)
	m.RecordRequest("train", "200", 100*time.Millisecond)
	m.RecordRequest("train", "error", time.Second)

	assert.InDelta(t, 2, testutil.ToFloat64(m.requestsTotal.WithLabelValues("train", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.requestsTotal.WithLabelValues("train", "error")), 0)

	families, err := registry.Gather()
	require.NoError(t, err)
	hist := findFamily(t, families, "questvision_vision_request_duration_seconds")
	require.Len(t, hist.GetMetric(), 1)
	assert.Equal(t, uint64(3), hist.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.InDelta(t, 1.4, hist.GetMetric()[0].GetHistogram().GetSampleSum(), 1e-9)
}

func TestTrainingMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewTrainingMetrics(registry)
	require.NoError(t, err)

	m.TrainingStarted()
	m.TrainingStarted()
	m.TrainingFinished("completed", 2*time.Minute)
	m.TrainingFinished("failed", 30*time.Minute)

	assert.InDelta(t, 2, testutil.ToFloat64(m.runsStarted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsFinished.WithLabelValues("completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsFinished.WithLabelValues("failed")), 0)

	families, err := registry.Gather()
	require.NoError(t, err)
	hist := findFamily(t, families, "questvision_training_run_duration_seconds")
	assert.Equal(t, dto.MetricType_HISTOGRAM, hist.GetType())
	assert.Len(t, hist.GetMetric(), 2)
}

func TestDoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewTrainingMetrics(registry)
	require.NoError(t, err)
	_, err = NewTrainingMetrics(registry)
	assert.Error(t, err)
}

func findFamily(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	require.Failf(t, "metric family not found", "%s", name)
	return nil
}
