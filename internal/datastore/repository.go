// Package datastore provides typed access to the catalog and observation
// collections held in a tablestore.Store.
package datastore

import (
	"context"

	"github.com/phenolog/phenolog/internal/observation"
)

// Repository is the persistence boundary used by ingestion and queries.
type Repository interface {
	// Experiment returns the experiment or a not-found error wrapping ErrExperimentNotFound.
	Experiment(ctx context.Context, id int) (*Experiment, error)

	// Experiments returns every experiment in storage order.
	Experiments(ctx context.Context) ([]Experiment, error)

	// Plant returns the plant or a not-found error wrapping ErrPlantNotFound.
	Plant(ctx context.Context, id int) (*Plant, error)

	// Plants returns every plant in storage order.
	Plants(ctx context.Context) ([]Plant, error)

	// Location returns the location or a not-found error wrapping ErrLocationNotFound.
	Location(ctx context.Context, id int) (*Location, error)

	// Observers returns the observer registrations of one experiment.
	Observers(ctx context.Context, experimentID int) ([]Observer, error)

	// Observation returns the observation by id, including soft-deleted ones.
	Observation(ctx context.Context, id int) (*observation.Observation, error)

	// Observations returns the observations of one experiment in storage order.
	// Soft-deleted observations are left out unless includeDeleted is set.
	Observations(ctx context.Context, experimentID int, includeDeleted bool) ([]observation.Observation, error)

	// NextObservationID returns max(id)+1 over all observations.
	NextObservationID(ctx context.Context) (int, error)

	// SaveObservation appends or replaces the observation by id.
	SaveObservation(ctx context.Context, o *observation.Observation) error

	// PutExperiment, PutPlant, PutLocation and PutObserver append or replace
	// catalog entities. A zero id is replaced by the next free id.
	PutExperiment(ctx context.Context, e *Experiment) error
	PutPlant(ctx context.Context, p *Plant) error
	PutLocation(ctx context.Context, l *Location) error
	PutObserver(ctx context.Context, o *Observer) error
}
