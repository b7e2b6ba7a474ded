// Package ingest runs the lifecycle of a submitted observation: validation,
// date resolution, derivative production and week indexing. It also handles
// soft deletion and the read queries served to clients.
package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/datefix"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/media"
	"github.com/phenolog/phenolog/internal/notify"
	"github.com/phenolog/phenolog/internal/observability/metrics"
	"github.com/phenolog/phenolog/internal/observation"
	"github.com/phenolog/phenolog/internal/securefs"
	"github.com/phenolog/phenolog/internal/weekindex"
)

// IncomingDir holds uploads below the media root while they are processed
const IncomingDir = "incoming"

var errEmptyImage = errors.NewStd("empty image")

// Deriver produces renditions and reads capture times. *media.Pipeline
// implements it.
type Deriver interface {
	CaptureTime(sourceRel string) (time.Time, bool)
	Process(ctx context.Context, sourceRel, destDir string, id int) (*media.Result, error)
}

// Request is one photo submission
type Request struct {
	AccountID    string
	ID           int // zero for a new observation
	ExperimentID int
	PlantID      int
	LocationID   int
	Date         string // claimed date, 2006-01-02 or RFC3339
	Image        io.Reader
}

// Coordinator runs ingestion and deletion requests
type Coordinator struct {
	repo       datastore.Repository
	fs         *securefs.SecureFS
	deriver    Deriver
	index      *weekindex.Registry
	publisher  notify.Publisher
	authorizer Authorizer
	metrics    *metrics.IngestMetrics
	onState    TransitionFunc
	location   *time.Location
	baseURL    string
	now        func() time.Time
	log        logger.Logger

	// serialises id allocation with the first save of a new observation
	allocMu sync.Mutex
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithPublisher sets where cell changes are sent
func WithPublisher(p notify.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithAuthorizer replaces OwnerAuthorizer
func WithAuthorizer(a Authorizer) Option {
	return func(c *Coordinator) { c.authorizer = a }
}

// WithMetrics records request outcomes
func WithMetrics(m *metrics.IngestMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTransitions observes state changes
func WithTransitions(fn TransitionFunc) Option {
	return func(c *Coordinator) { c.onState = fn }
}

// WithLocation sets the zone of claimed dates without offset
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) { c.location = loc }
}

// WithBaseURL sets the URL prefix of rendition paths
func WithBaseURL(baseURL string) Option {
	return func(c *Coordinator) { c.baseURL = baseURL }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the coordinator logger
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a coordinator
func New(repo datastore.Repository, fsys *securefs.SecureFS, deriver Deriver, index *weekindex.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:       repo,
		fs:         fsys,
		deriver:    deriver,
		index:      index,
		publisher:  notify.Noop{},
		authorizer: OwnerAuthorizer{},
		location:   time.UTC,
		baseURL:    "/media",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("ingest")
	}
	return c
}

// EnsureTraceID returns ctx carrying a trace id, generating one when absent
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id := logger.TraceIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return logger.WithTraceID(ctx, id), id
}

// run tracks the state of one request
type run struct {
	c     *Coordinator
	id    int
	state State
	log   logger.Logger
}

func (r *run) to(next State) {
	r.log.Debug("ingest state",
		logger.Int("observation_id", r.id),
		logger.String("from", string(r.state)),
		logger.String("to", string(next)))
	if r.c.onState != nil {
		r.c.onState(r.id, r.state, next)
	}
	r.state = next
}

func (r *run) fail(err error) error {
	if r.state != StateError {
		r.to(StateError)
	}
	return err
}

// Ingest accepts one photo. On success the formatted record is returned.
// When a derivative stage fails the observation is still persisted and
// indexed with its resolved date, and the stage error is returned together
// with the record.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (*observation.Record, error) {
	ctx, traceID := EnsureTraceID(ctx)
	began := time.Now()
	r := &run{c: c, id: req.ID, state: StateValidating, log: c.log.WithContext(ctx)}
	if c.onState != nil {
		c.onState(req.ID, "", StateValidating)
	}

	rec, err := c.ingest(ctx, r, req)
	if err != nil {
		err = r.fail(err)
		r.log.Warn("ingestion failed",
			logger.Int("observation_id", r.id),
			logger.String("trace_id", traceID),
			logger.String("category", string(errors.CategoryOf(err))),
			logger.Error(err))
	} else {
		r.to(StateDone)
		r.log.Info("observation ingested",
			logger.Int("observation_id", r.id),
			logger.String("date", rec.Date.String()),
			logger.Duration("elapsed", time.Since(began)))
	}
	c.record(metrics.OperationIngest, err, time.Since(began))
	return rec, err
}

// subject is the validated catalog context of a request
type subject struct {
	experiment *datastore.Experiment
	plant      *datastore.Plant
	location   *datastore.Location
	claimed    observation.Date
	existing   *observation.Observation
	matrix     *weekindex.Matrix
}

func (c *Coordinator) ingest(ctx context.Context, r *run, req Request) (*observation.Record, error) {
	sub, err := c.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	r.to(StateResolving)
	staged, err := c.stage(req.Image)
	if err != nil {
		return nil, err
	}
	defer c.unstage(staged)

	o, err := c.resolve(ctx, sub, req, staged)
	if err != nil {
		return nil, err
	}
	r.id = o.ID

	r.to(StateDeriving)
	_, deriveErr := c.deriver.Process(ctx, staged, observation.MediaDir(o.LocationID, o.PlantID), o.ID)

	// the persisted record is indexed even when a stage failed, so that the
	// matrix agrees with storage
	r.to(StateIndexing)
	if err := c.indexObservation(ctx, sub.matrix, *o); err != nil {
		return nil, err
	}

	rec := observation.Format(*o, labels(sub.plant, sub.location), c.baseURL)
	if deriveErr != nil {
		return rec, deriveErr
	}
	return rec, nil
}

// validate checks the request and loads everything it refers to. Nothing is
// written before it succeeds.
func (c *Coordinator) validate(ctx context.Context, req Request) (*subject, error) {
	switch {
	case req.ExperimentID <= 0, req.PlantID <= 0, req.LocationID <= 0:
		return nil, validationError("experimentId, plantId and locationId are required", nil)
	case req.Date == "":
		return nil, validationError("date is required", nil)
	case req.Image == nil:
		return nil, validationError("image is required", nil)
	case req.ID < 0:
		return nil, validationError("id must be positive", nil)
	}

	claimed, err := datefix.ParseClaimed(req.Date, c.location)
	if err != nil {
		return nil, err
	}

	sub := &subject{claimed: claimed}
	if sub.experiment, err = c.repo.Experiment(ctx, req.ExperimentID); err != nil {
		return nil, validationError("unknown experiment", err)
	}
	if sub.plant, err = c.repo.Plant(ctx, req.PlantID); err != nil {
		return nil, validationError("unknown plant", err)
	}
	if sub.location, err = c.repo.Location(ctx, req.LocationID); err != nil {
		return nil, validationError("unknown location", err)
	}
	if err := c.authorize(ctx, req.AccountID, sub.location); err != nil {
		return nil, err
	}

	if req.ID > 0 {
		existing, err := c.repo.Observation(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if existing.Deleted {
			return nil, errors.New(datastore.ErrObservationNotFound).
				Component("ingest").
				Category(errors.CategoryNotFound).
				Context("id", req.ID).
				Context("reason", "deleted").
				Build()
		}
		candidate := observation.Observation{ExperimentID: req.ExperimentID, PlantID: req.PlantID, LocationID: req.LocationID}
		if !existing.SameSubject(candidate) {
			return nil, validationError("experiment, plant and location of an observation cannot change", nil)
		}
		sub.existing = existing
	}

	sub.matrix, err = c.index.Get(ctx, req.ExperimentID)
	if err != nil {
		return nil, err
	}
	if err := c.ensureObserver(ctx, sub.matrix, req.PlantID, req.LocationID); err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Coordinator) authorize(ctx context.Context, accountID string, location *datastore.Location) error {
	if c.authorizer == nil {
		return errors.Newf("no authorizer configured").
			Component("ingest").
			Category(errors.CategoryAuthorization).
			Build()
	}
	if err := c.authorizer.Authorize(ctx, accountID, location); err != nil {
		if errors.IsCategory(err, errors.CategoryAuthorization) {
			return err
		}
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryAuthorization).
			Build()
	}
	return nil
}

// ensureObserver registers the row of a pair whose observer was added after
// the matrix was built, and rejects pairs that have no observer at all.
func (c *Coordinator) ensureObserver(ctx context.Context, m *weekindex.Matrix, plantID, locationID int) error {
	if m.Registered(plantID, locationID) {
		return nil
	}
	observers, err := c.repo.Observers(ctx, m.ExperimentID())
	if err != nil {
		return err
	}
	for _, o := range observers {
		if o.PlantID == plantID && o.LocationID == locationID {
			m.Register(plantID, locationID)
			return nil
		}
	}
	return errors.Newf("no observer registered for plant %d at location %d", plantID, locationID).
		Component("ingest").
		Category(errors.CategoryIndexConsistency).
		Priority(errors.PriorityHigh).
		Context("experiment_id", m.ExperimentID()).
		Build()
}

// stage copies the upload below the media root
func (c *Coordinator) stage(image io.Reader) (string, error) {
	if err := c.fs.MkdirAll(IncomingDir); err != nil {
		return "", fileError(err, "create_incoming")
	}
	rel := path.Join(IncomingDir, uuid.NewString()+".upload")
	err := c.fs.WriteAtomic(rel, func(w io.Writer) error {
		n, err := io.Copy(w, image)
		if err == nil && n == 0 {
			return errEmptyImage
		}
		return err
	})
	if errors.Is(err, errEmptyImage) {
		return "", validationError("image is empty", nil)
	}
	if err != nil {
		return "", fileError(err, "stage_upload")
	}
	return rel, nil
}

func (c *Coordinator) unstage(rel string) {
	if err := c.fs.Remove(rel); err != nil {
		c.log.Warn("failed to remove staged upload", logger.String("path", rel), logger.Error(err))
	}
}

// resolve creates or updates the observation record with its resolved date
// and persists it.
func (c *Coordinator) resolve(ctx context.Context, sub *subject, req Request, staged string) (*observation.Observation, error) {
	var embedded *time.Time
	if t, ok := c.deriver.CaptureTime(staged); ok {
		embedded = &t
	}
	now := c.now()
	res := datefix.Resolve(sub.claimed, embedded, sub.experiment.StartIn(c.location), now)
	if c.metrics != nil {
		c.metrics.RecordDateResolution(string(res.Reason))
	}
	c.log.WithContext(ctx).Debug("date resolved",
		logger.String("claimed", sub.claimed.String()),
		logger.String("resolved", res.Date.String()),
		logger.String("reason", string(res.Reason)))

	if sub.existing != nil {
		o := *sub.existing
		o.Date = res.Date
		if o.DateCreated == nil && embedded != nil {
			created := observation.DateTimeOf(*embedded)
			o.DateCreated = &created
		}
		if err := c.repo.SaveObservation(ctx, &o); err != nil {
			return nil, err
		}
		return &o, nil
	}

	o := observation.Observation{
		LocationID:   req.LocationID,
		PlantID:      req.PlantID,
		ExperimentID: req.ExperimentID,
		Date:         res.Date,
		DateUser:     sub.claimed,
		DateUpload:   now.UTC(),
	}
	if embedded != nil {
		created := observation.DateTimeOf(*embedded)
		o.DateCreated = &created
	}

	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	id, err := c.repo.NextObservationID(ctx)
	if err != nil {
		return nil, err
	}
	o.ID = id
	if err := c.repo.SaveObservation(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// indexObservation inserts o, or moves it when it is already indexed
func (c *Coordinator) indexObservation(ctx context.Context, m *weekindex.Matrix, o observation.Observation) error {
	change := notify.CellChange{ExperimentID: o.ExperimentID, ObservationID: o.ID, Time: c.now().UTC()}

	if current, ok := m.Find(o.ID); ok {
		to, err := m.Move(o, current.Week, m.WeekOf(o))
		if err != nil {
			return err
		}
		if to == current {
			return nil
		}
		change.Type = notify.ChangeMoved
		change.From, change.To = &current, &to
	} else {
		to, err := m.Insert(o)
		if err != nil {
			return err
		}
		change.Type = notify.ChangeInserted
		change.To = &to
	}
	c.publish(ctx, change)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, change notify.CellChange) {
	if err := c.publisher.Publish(ctx, change); err != nil {
		c.log.WithContext(ctx).Warn("cell change not published",
			logger.Int("observation_id", change.ObservationID),
			logger.Error(err))
	}
}

// Delete soft-deletes an observation and removes it from the week index.
// The returned coordinates name the cell that changed.
func (c *Coordinator) Delete(ctx context.Context, accountID string, observationID int) (weekindex.Coord, error) {
	ctx, _ = EnsureTraceID(ctx)
	began := time.Now()
	coord, err := c.delete(ctx, accountID, observationID)
	c.record(metrics.OperationDelete, err, time.Since(began))
	if err != nil {
		c.log.WithContext(ctx).Warn("deletion failed",
			logger.Int("observation_id", observationID),
			logger.Error(err))
	}
	return coord, err
}

func (c *Coordinator) delete(ctx context.Context, accountID string, observationID int) (weekindex.Coord, error) {
	o, err := c.repo.Observation(ctx, observationID)
	if err != nil {
		return weekindex.Coord{}, err
	}
	if o.Deleted {
		return weekindex.Coord{}, errors.New(datastore.ErrObservationNotFound).
			Component("ingest").
			Category(errors.CategoryNotFound).
			Context("id", observationID).
			Context("reason", "deleted").
			Build()
	}
	location, err := c.repo.Location(ctx, o.LocationID)
	if err != nil {
		return weekindex.Coord{}, err
	}
	if err := c.authorize(ctx, accountID, location); err != nil {
		return weekindex.Coord{}, err
	}

	o.Deleted = true
	if err := c.repo.SaveObservation(ctx, o); err != nil {
		return weekindex.Coord{}, err
	}

	m, err := c.index.Get(ctx, o.ExperimentID)
	if err != nil {
		// the record is deleted; the next rebuild leaves it out
		c.index.Invalidate(o.ExperimentID)
		return weekindex.Coord{}, err
	}
	live := *o
	live.Deleted = false
	coord, ok := m.Remove(live)
	if !ok {
		// indexed under another week; the rebuild leaves the deleted record out
		if current, found := m.Find(o.ID); found {
			coord = current
			c.index.Invalidate(o.ExperimentID)
		}
		c.log.WithContext(ctx).Debug("observation was not in its expected cell",
			logger.Int("observation_id", o.ID),
			logger.Int("week", coord.Week))
	}

	c.publish(ctx, notify.CellChange{
		Type:          notify.ChangeRemoved,
		ExperimentID:  o.ExperimentID,
		ObservationID: o.ID,
		From:          &coord,
		Time:          c.now().UTC(),
	})
	c.log.WithContext(ctx).Info("observation deleted",
		logger.Int("observation_id", o.ID),
		logger.Int("plant_id", coord.PlantID),
		logger.Int("location_id", coord.LocationID),
		logger.Int("week", coord.Week))
	return coord, nil
}

func (c *Coordinator) record(operation string, err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	category := ""
	if err != nil {
		category = string(errors.CategoryOf(err))
	}
	c.metrics.RecordOperation(operation, category, elapsed)
}

func labels(p *datastore.Plant, l *datastore.Location) observation.Labels {
	var lb observation.Labels
	if p != nil {
		lb.PlantFamily = p.Family
		lb.PlantVariety = p.Variety
	}
	if l != nil {
		lb.LocationName = l.Name
		lb.AccountID = l.AccountID
	}
	return lb
}

func validationError(msg string, cause error) error {
	err := errors.NewStd(msg)
	if cause != nil {
		err = fmt.Errorf("%s: %w", msg, cause)
	}
	return errors.New(err).
		Component("ingest").
		Category(errors.CategoryValidation).
		Build()
}

func fileError(err error, operation string) error {
	return errors.New(err).
		Component("ingest").
		Category(errors.CategoryFileIO).
		Context("operation", operation).
		Build()
}
