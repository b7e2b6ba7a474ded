package weekindex

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/observability/metrics"
	"github.com/phenolog/phenolog/internal/observation"
)

// Loader supplies what a rebuild needs. datastore.Repository satisfies it.
type Loader interface {
	Experiment(ctx context.Context, id int) (*datastore.Experiment, error)
	Observers(ctx context.Context, experimentID int) ([]datastore.Observer, error)
	Observations(ctx context.Context, experimentID int, includeDeleted bool) ([]observation.Observation, error)
}

// Registry caches one Matrix per experiment. A missing or expired matrix is
// rebuilt from the loader; concurrent requests share a single rebuild.
type Registry struct {
	loader  Loader
	cache   *cache.Cache
	group   singleflight.Group
	now     func() time.Time
	loc     *time.Location
	metrics *metrics.IndexMetrics
	log     logger.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithClock replaces time.Now
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithLocation sets the zone experiment start days are anchored in
func WithLocation(loc *time.Location) RegistryOption {
	return func(r *Registry) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithMetrics records rebuilds and cache hits
func WithMetrics(m *metrics.IndexMetrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates a registry whose matrices expire after ttl of
// inactivity. A ttl of zero keeps them until invalidated.
func NewRegistry(loader Loader, ttl time.Duration, opts ...RegistryOption) *Registry {
	expiration := ttl
	cleanup := 2 * ttl
	if ttl <= 0 {
		expiration = cache.NoExpiration
		cleanup = 0
	}
	r := &Registry{
		loader: loader,
		cache:  cache.New(expiration, cleanup),
		now:    time.Now,
		loc:    time.UTC,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Global().Module("weekindex")
	}
	return r
}

func cacheKey(experimentID int) string {
	return strconv.Itoa(experimentID)
}

// Get returns the matrix of an experiment, rebuilding it when not cached
func (r *Registry) Get(ctx context.Context, experimentID int) (*Matrix, error) {
	key := cacheKey(experimentID)
	if v, ok := r.cache.Get(key); ok {
		if r.metrics != nil {
			r.metrics.CacheHit()
		}
		m := v.(*Matrix)
		// sliding expiration
		r.cache.SetDefault(key, m)
		return m, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMiss()
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		// another caller may have finished a rebuild while this one waited
		if v, ok := r.cache.Get(key); ok {
			return v, nil
		}
		m, err := r.rebuild(ctx, experimentID)
		if err != nil {
			return nil, err
		}
		r.cache.SetDefault(key, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.log.Trace("shared matrix rebuild", logger.Int("experiment_id", experimentID))
	}
	return v.(*Matrix), nil
}

func (r *Registry) rebuild(ctx context.Context, experimentID int) (*Matrix, error) {
	began := time.Now()
	exp, err := r.loader.Experiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	observers, err := r.loader.Observers(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	observations, err := r.loader.Observations(ctx, experimentID, false)
	if err != nil {
		return nil, err
	}

	m, err := Rebuild(experimentID, exp.StartIn(r.loc), r.now().In(r.loc), observers, observations)
	if err != nil {
		// orphaned observations are left out; the rest of the matrix stands
		r.log.Warn("week index rebuilt with skipped observations",
			logger.Int("experiment_id", experimentID),
			logger.Error(err))
	}

	elapsed := time.Since(began)
	if r.metrics != nil {
		r.metrics.ObserveRebuild(experimentID, m.Len(), elapsed)
	}
	r.log.Debug("week index rebuilt",
		logger.Int("experiment_id", experimentID),
		logger.Int("observers", len(observers)),
		logger.Int("entries", m.Len()),
		logger.Duration("elapsed", elapsed))
	return m, nil
}

// Peek returns the cached matrix without rebuilding
func (r *Registry) Peek(experimentID int) (*Matrix, bool) {
	v, ok := r.cache.Get(cacheKey(experimentID))
	if !ok {
		return nil, false
	}
	return v.(*Matrix), true
}

// Invalidate drops the cached matrix of an experiment
func (r *Registry) Invalidate(experimentID int) {
	r.cache.Delete(cacheKey(experimentID))
}

// Flush drops every cached matrix
func (r *Registry) Flush() {
	r.cache.Flush()
}
