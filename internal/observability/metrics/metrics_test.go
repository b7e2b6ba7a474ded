package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
)

func TestPipelineMetricsObserveStage(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	m, err := NewPipelineMetrics(registry)
	require.NoError(t, err)

	m.ObserveStage(observation.KindOrig, 20*time.Millisecond, nil)
	m.ObserveStage(observation.KindSmall, 5*time.Millisecond,
		errors.Newf("disk full").Category(errors.CategoryDiskUsage).Build())

	assert.InDelta(t, 1, testutil.ToFloat64(m.StageFailures.WithLabelValues("small", "disk-usage")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.StageDuration))

	_, err = NewPipelineMetrics(registry)
	require.Error(t, err, "double registration fails")
}

func TestIngestMetrics(t *testing.T) {
	t.Parallel()
	m, err := NewIngestMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordOperation(OperationIngest, "", time.Second)
	m.RecordOperation(OperationIngest, "derivative-stage", time.Second)
	m.RecordOperation(OperationDelete, "not-found", time.Millisecond)
	m.RecordDateResolution("adopted")

	expected := `
# HELP phenolog_ingest_requests_total Ingestion and deletion requests by outcome. Failures are labelled with the error category.
# TYPE phenolog_ingest_requests_total counter
phenolog_ingest_requests_total{category="none",operation="ingest",status="success"} 1
phenolog_ingest_requests_total{category="derivative-stage",operation="ingest",status="error"} 1
phenolog_ingest_requests_total{category="not-found",operation="delete",status="error"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.Requests, strings.NewReader(expected)))
	assert.InDelta(t, 1, testutil.ToFloat64(m.DateResolutions.WithLabelValues("adopted")), 0)

	ingest := histogram(t, m.Duration.WithLabelValues(OperationIngest))
	assert.Equal(t, uint64(2), ingest.GetSampleCount())
	assert.InDelta(t, 2.0, ingest.GetSampleSum(), 1e-9)
	assert.Equal(t, uint64(1), histogram(t, m.Duration.WithLabelValues(OperationDelete)).GetSampleCount())
}

// histogram reads the current state of one histogram series
func histogram(t *testing.T, o prometheus.Observer) *dto.Histogram {
	t.Helper()
	h, ok := o.(prometheus.Histogram)
	require.True(t, ok)
	var metric dto.Metric
	require.NoError(t, h.Write(&metric))
	return metric.GetHistogram()
}

func TestIndexMetrics(t *testing.T) {
	t.Parallel()
	m, err := NewIndexMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.CacheMiss()
	m.ObserveRebuild(3, 12, 2*time.Millisecond)
	m.CacheHit()
	m.CacheHit()
	m.SetEntries(3, 13)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Rebuilds), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.CacheHits), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheMisses), 0)
	assert.InDelta(t, 13, testutil.ToFloat64(m.Entries.WithLabelValues("3")), 0)
}
