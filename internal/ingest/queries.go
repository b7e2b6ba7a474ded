package ingest

import (
	"context"

	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
	"github.com/phenolog/phenolog/internal/weekindex"
)

// Get returns one formatted observation. Deleted observations are returned
// with Deleted set.
func (c *Coordinator) Get(ctx context.Context, id int) (*observation.Record, error) {
	o, err := c.repo.Observation(ctx, id)
	if err != nil {
		return nil, err
	}
	plant, err := c.repo.Plant(ctx, o.PlantID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	location, err := c.repo.Location(ctx, o.LocationID)
	if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	return observation.Format(*o, labels(plant, location), c.baseURL), nil
}

// List returns the non-deleted observations of an experiment in storage order
func (c *Coordinator) List(ctx context.Context, experimentID int) ([]*observation.Record, error) {
	if _, err := c.repo.Experiment(ctx, experimentID); err != nil {
		return nil, err
	}
	observations, err := c.repo.Observations(ctx, experimentID, false)
	if err != nil {
		return nil, err
	}

	plants := make(map[int]*datastore.Plant)
	locations := make(map[int]*datastore.Location)
	records := make([]*observation.Record, 0, len(observations))
	for _, o := range observations {
		plant, ok := plants[o.PlantID]
		if !ok {
			if plant, err = c.repo.Plant(ctx, o.PlantID); err != nil && !errors.IsNotFound(err) {
				return nil, err
			}
			plants[o.PlantID] = plant
		}
		location, ok := locations[o.LocationID]
		if !ok {
			if location, err = c.repo.Location(ctx, o.LocationID); err != nil && !errors.IsNotFound(err) {
				return nil, err
			}
			locations[o.LocationID] = location
		}
		records = append(records, observation.Format(o, labels(plant, location), c.baseURL))
	}
	return records, nil
}

// Matrix returns a snapshot of the week index of an experiment
func (c *Coordinator) Matrix(ctx context.Context, experimentID int) (weekindex.Snapshot, error) {
	m, err := c.index.Get(ctx, experimentID)
	if err != nil {
		return weekindex.Snapshot{}, err
	}
	return m.Snapshot(), nil
}
