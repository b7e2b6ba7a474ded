package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Operation labels
const (
	OperationIngest = "ingest"
	OperationDelete = "delete"
)

// IngestMetrics records coordinator outcomes.
type IngestMetrics struct {
	Requests        *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	DateResolutions *prometheus.CounterVec
}

// NewIngestMetrics creates and registers the ingestion collectors.
func NewIngestMetrics(registry prometheus.Registerer) (*IngestMetrics, error) {
	m := &IngestMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phenolog_ingest_requests_total",
			Help: "Ingestion and deletion requests by outcome. Failures are labelled with the error category.",
		}, []string{"operation", "status", "category"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phenolog_ingest_duration_seconds",
			Help:    "End to end duration of coordinator operations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation"}),
		DateResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phenolog_date_resolutions_total",
			Help: "Outcomes of claimed versus embedded date reconciliation.",
		}, []string{"reason"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register ingest metrics: %w", err)
	}
	return m, nil
}

// RecordOperation counts one finished operation. An empty category means success.
func (m *IngestMetrics) RecordOperation(operation, category string, duration time.Duration) {
	status := statusSuccess
	if category != "" {
		status = statusError
	} else {
		category = "none"
	}
	m.Requests.WithLabelValues(operation, status, category).Inc()
	m.Duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDateResolution counts one reconciliation outcome.
func (m *IngestMetrics) RecordDateResolution(reason string) {
	m.DateResolutions.WithLabelValues(reason).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *IngestMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Requests.Describe(ch)
	m.Duration.Describe(ch)
	m.DateResolutions.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *IngestMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Requests.Collect(ch)
	m.Duration.Collect(ch)
	m.DateResolutions.Collect(ch)
}
