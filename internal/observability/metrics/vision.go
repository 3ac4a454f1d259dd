// Package metrics provides Prometheus collectors for QuestVision components.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// VisionMetrics tracks calls made to the remote vision service.
type VisionMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	collectors      []prometheus.Collector
}

// NewVisionMetrics creates the vision collectors and registers them with registry.
func NewVisionMetrics(registry *prometheus.Registry) (*VisionMetrics, error) {
	m := &VisionMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register vision metrics: %w", err)
	}
	return m, nil
}

func (m *VisionMetrics) initMetrics() {
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "questvision_vision_requests_total",
			Help: "Total number of vision service requests by operation and status",
		},
		[]string{"operation", "status"}, // status: HTTP status code or "error"
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "questvision_vision_request_duration_seconds",
			Help:    "Vision service request latency by operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
	m.collectors = []prometheus.Collector{m.requestsTotal, m.requestDuration}
}

// Describe implements the Collector interface
func (m *VisionMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *VisionMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// RecordRequest records one remote call. It satisfies customvision.MetricsRecorder.
func (m *VisionMetrics) RecordRequest(operation, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
