// Package metrics provides Prometheus collectors for the ingestion
// pipeline, the week index and the derivative stages.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
)

// PipelineMetrics records derivative stage timings and failures.
type PipelineMetrics struct {
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
}

// NewPipelineMetrics creates and registers the pipeline collectors.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phenolog_derivative_stage_duration_seconds",
			Help:    "Duration of derivative pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage", "status"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phenolog_derivative_stage_failures_total",
			Help: "Derivative stage failures by stage and error category.",
		}, []string{"stage", "category"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

// ObserveStage implements media.StageObserver.
func (m *PipelineMetrics) ObserveStage(stage observation.Kind, duration time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
		m.StageFailures.WithLabelValues(string(stage), string(errors.CategoryOf(err))).Inc()
	}
	m.StageDuration.WithLabelValues(string(stage), status).Observe(duration.Seconds())
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.StageDuration.Describe(ch)
	m.StageFailures.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.StageDuration.Collect(ch)
	m.StageFailures.Collect(ch)
}
