package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrainingMetrics tracks training runs driven by the orchestrator.
type TrainingMetrics struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	collectors   []prometheus.Collector
}

// NewTrainingMetrics creates the training collectors and registers them with registry.
func NewTrainingMetrics(registry *prometheus.Registry) (*TrainingMetrics, error) {
	m := &TrainingMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register training metrics: %w", err)
	}
	return m, nil
}

func (m *TrainingMetrics) initMetrics() {
	m.runsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "questvision_training_runs_started_total",
		Help: "Total number of training runs handed to the remote service",
	})
	m.runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questvision_training_runs_finished_total",
			Help: "Total number of training runs that reached a terminal state",
		},
		[]string{"state"},
	)
	m.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "questvision_training_run_duration_seconds",
			Help: "Wall time from run creation to its terminal state",
			// 10s to 1h; remote training is usually minutes
			Buckets: prometheus.ExponentialBuckets(10, 2, 9),
		},
		[]string{"state"},
	)
	m.collectors = []prometheus.Collector{m.runsStarted, m.runsFinished, m.runDuration}
}

// Describe implements the Collector interface
func (m *TrainingMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *TrainingMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// TrainingStarted implements training.MetricsRecorder.
func (m *TrainingMetrics) TrainingStarted() {
	m.runsStarted.Inc()
}

// TrainingFinished implements training.MetricsRecorder.
func (m *TrainingMetrics) TrainingFinished(state string, d time.Duration) {
	m.runsFinished.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(d.Seconds())
}
