package datastore

import (
	"context"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
	"github.com/phenolog/phenolog/internal/tablestore"
)

// repository implements Repository on top of typed tables.
type repository struct {
	experiments  *tablestore.Table[Experiment]
	plants       *tablestore.Table[Plant]
	locations    *tablestore.Table[Location]
	observers    *tablestore.Table[Observer]
	observations *tablestore.Table[observation.Observation]
}

// NewRepository creates a Repository backed by store.
func NewRepository(store tablestore.Store) Repository {
	return &repository{
		experiments:  tablestore.NewTable[Experiment](store, CollectionExperiments),
		plants:       tablestore.NewTable[Plant](store, CollectionPlants),
		locations:    tablestore.NewTable[Location](store, CollectionLocations),
		observers:    tablestore.NewTable[Observer](store, CollectionObservers),
		observations: tablestore.NewTable[observation.Observation](store, CollectionObservations),
	}
}

// get maps tablestore.ErrNotFound to the entity's not-found error
func get[T tablestore.Entity](ctx context.Context, t *tablestore.Table[T], id int, sentinel error, entity string) (*T, error) {
	v, err := t.Get(ctx, id)
	if errors.Is(err, tablestore.ErrNotFound) {
		return nil, notFound(sentinel, entity, id)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *repository) Experiment(ctx context.Context, id int) (*Experiment, error) {
	return get(ctx, r.experiments, id, ErrExperimentNotFound, "experiment")
}

func (r *repository) Experiments(ctx context.Context) ([]Experiment, error) {
	return r.experiments.All(ctx)
}

func (r *repository) Plant(ctx context.Context, id int) (*Plant, error) {
	return get(ctx, r.plants, id, ErrPlantNotFound, "plant")
}

func (r *repository) Plants(ctx context.Context) ([]Plant, error) {
	return r.plants.All(ctx)
}

func (r *repository) Location(ctx context.Context, id int) (*Location, error) {
	return get(ctx, r.locations, id, ErrLocationNotFound, "location")
}

func (r *repository) Observers(ctx context.Context, experimentID int) ([]Observer, error) {
	return r.observers.Filter(ctx, func(o Observer) bool {
		return o.ExperimentID == experimentID
	})
}

func (r *repository) Observation(ctx context.Context, id int) (*observation.Observation, error) {
	return get(ctx, r.observations, id, ErrObservationNotFound, "observation")
}

func (r *repository) Observations(ctx context.Context, experimentID int, includeDeleted bool) ([]observation.Observation, error) {
	return r.observations.Filter(ctx, func(o observation.Observation) bool {
		return o.ExperimentID == experimentID && (includeDeleted || !o.Deleted)
	})
}

func (r *repository) NextObservationID(ctx context.Context) (int, error) {
	return r.observations.NextID(ctx)
}

func (r *repository) SaveObservation(ctx context.Context, o *observation.Observation) error {
	if o.ID <= 0 {
		return errors.Newf("observation id must be positive, got %d", o.ID).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	return r.observations.Put(ctx, *o)
}

// assignID gives a zero id the next free value of the table
func assignID[T tablestore.Entity](ctx context.Context, t *tablestore.Table[T], id *int) error {
	if *id != 0 {
		return nil
	}
	next, err := t.NextID(ctx)
	if err != nil {
		return err
	}
	*id = next
	return nil
}

func (r *repository) PutExperiment(ctx context.Context, e *Experiment) error {
	if e.StartDate.IsZero() {
		return errors.Newf("experiment %q has no start date", e.Name).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := assignID(ctx, r.experiments, &e.ID); err != nil {
		return err
	}
	return r.experiments.Put(ctx, *e)
}

func (r *repository) PutPlant(ctx context.Context, p *Plant) error {
	if err := assignID(ctx, r.plants, &p.ID); err != nil {
		return err
	}
	return r.plants.Put(ctx, *p)
}

func (r *repository) PutLocation(ctx context.Context, l *Location) error {
	if err := assignID(ctx, r.locations, &l.ID); err != nil {
		return err
	}
	return r.locations.Put(ctx, *l)
}

func (r *repository) PutObserver(ctx context.Context, o *Observer) error {
	if err := assignID(ctx, r.observers, &o.ID); err != nil {
		return err
	}
	return r.observers.Put(ctx, *o)
}
