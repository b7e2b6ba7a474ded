package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IndexMetrics records week index rebuilds and cache behaviour.
type IndexMetrics struct {
	Rebuilds        prometheus.Counter
	RebuildDuration prometheus.Histogram
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	Entries         *prometheus.GaugeVec
}

// NewIndexMetrics creates and registers the index collectors.
func NewIndexMetrics(registry prometheus.Registerer) (*IndexMetrics, error) {
	m := &IndexMetrics{
		Rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phenolog_index_rebuilds_total",
			Help: "Number of full week index rebuilds.",
		}),
		RebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phenolog_index_rebuild_duration_seconds",
			Help:    "Duration of full week index rebuilds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phenolog_index_cache_hits_total",
			Help: "Week index lookups served from the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phenolog_index_cache_misses_total",
			Help: "Week index lookups that required a rebuild.",
		}),
		Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "phenolog_index_entries",
			Help: "Observations held in the week index per experiment.",
		}, []string{"experiment"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register index metrics: %w", err)
	}
	return m, nil
}

// ObserveRebuild records one rebuild and the resulting entry count.
func (m *IndexMetrics) ObserveRebuild(experimentID, entries int, duration time.Duration) {
	m.Rebuilds.Inc()
	m.RebuildDuration.Observe(duration.Seconds())
	m.SetEntries(experimentID, entries)
}

// SetEntries updates the entry gauge of one experiment.
func (m *IndexMetrics) SetEntries(experimentID, entries int) {
	m.Entries.WithLabelValues(strconv.Itoa(experimentID)).Set(float64(entries))
}

// CacheHit counts a cached lookup.
func (m *IndexMetrics) CacheHit() { m.CacheHits.Inc() }

// CacheMiss counts a lookup that had to rebuild.
func (m *IndexMetrics) CacheMiss() { m.CacheMisses.Inc() }

// Describe implements the prometheus.Collector interface.
func (m *IndexMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.Rebuilds.Desc()
	ch <- m.RebuildDuration.Desc()
	ch <- m.CacheHits.Desc()
	ch <- m.CacheMisses.Desc()
	m.Entries.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *IndexMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.Rebuilds
	ch <- m.RebuildDuration
	ch <- m.CacheHits
	ch <- m.CacheMisses
	m.Entries.Collect(ch)
}
