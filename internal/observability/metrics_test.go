package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenolog/phenolog/internal/observation"
)

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.Pipeline.ObserveStage(observation.KindThumbnail, time.Millisecond, nil)
	m.Index.CacheHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `phenolog_derivative_stage_duration_seconds_count{stage="thumbnail",status="success"} 1`)
	assert.Contains(t, body, "phenolog_index_cache_hits_total 1")
	assert.Contains(t, body, "go_goroutines")
}
