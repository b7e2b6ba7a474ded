// Package catalog loads experiments, plants, locations and observer
// registrations from a YAML document into the repository.
package catalog

import (
	"context"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/observation"
)

// GetLogger returns the catalog module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("catalog")
}

// Catalog is the YAML document layout
type Catalog struct {
	Experiments []Experiment `yaml:"experiments"`
	Plants      []Plant      `yaml:"plants"`
	Locations   []Location   `yaml:"locations"`
	Observers   []Observer   `yaml:"observers"`
}

// Experiment entry. Dates are 2006-01-02 or RFC 3339.
type Experiment struct {
	ID    int    `yaml:"id"`
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end,omitempty"`
}

// Plant entry
type Plant struct {
	ID      int    `yaml:"id"`
	Family  string `yaml:"family"`
	Variety string `yaml:"variety"`
}

// Location entry
type Location struct {
	ID      int    `yaml:"id"`
	Name    string `yaml:"name"`
	Account string `yaml:"account"`
}

// Observer entry
type Observer struct {
	Experiment int `yaml:"experiment"`
	Plant      int `yaml:"plant"`
	Location   int `yaml:"location"`
}

// Summary counts what Apply wrote
type Summary struct {
	Experiments int
	Plants      int
	Locations   int
	Observers   int
	Skipped     int // observer registrations already present
}

// Load decodes a catalog. Unknown keys are rejected so that typos surface.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, invalid(fmt.Errorf("failed to parse catalog: %w", err))
	}
	return &c, nil
}

// Validate checks ids and required fields. Observer references are checked
// by Apply, since they may point at entities already stored.
func (c *Catalog) Validate() error {
	seen := map[string]map[int]bool{"experiment": {}, "plant": {}, "location": {}}
	check := func(kind string, id int, required ...string) error {
		if id <= 0 {
			return invalid(fmt.Errorf("%s id must be positive, got %d", kind, id))
		}
		if seen[kind][id] {
			return invalid(fmt.Errorf("duplicate %s id %d", kind, id))
		}
		seen[kind][id] = true
		for _, v := range required {
			if v == "" {
				return invalid(fmt.Errorf("%s %d is missing a required field", kind, id))
			}
		}
		return nil
	}

	for _, e := range c.Experiments {
		if err := check("experiment", e.ID, e.Name, e.Start); err != nil {
			return err
		}
	}
	for _, p := range c.Plants {
		if err := check("plant", p.ID, p.Family); err != nil {
			return err
		}
	}
	for _, l := range c.Locations {
		if err := check("location", l.ID, l.Name, l.Account); err != nil {
			return err
		}
	}
	return nil
}

// Apply validates the catalog and writes it. Entities replace stored ones
// with the same id. Observer registrations are added once.
func (c *Catalog) Apply(ctx context.Context, repo datastore.Repository, loc *time.Location) (Summary, error) {
	var sum Summary
	if err := c.Validate(); err != nil {
		return sum, err
	}

	experiments := make([]datastore.Experiment, 0, len(c.Experiments))
	for _, e := range c.Experiments {
		exp, err := e.entity(loc)
		if err != nil {
			return sum, err
		}
		experiments = append(experiments, exp)
	}

	for i := range experiments {
		if err := repo.PutExperiment(ctx, &experiments[i]); err != nil {
			return sum, err
		}
		sum.Experiments++
	}
	for _, p := range c.Plants {
		if err := repo.PutPlant(ctx, &datastore.Plant{ID: p.ID, Family: p.Family, Variety: p.Variety}); err != nil {
			return sum, err
		}
		sum.Plants++
	}
	for _, l := range c.Locations {
		if err := repo.PutLocation(ctx, &datastore.Location{ID: l.ID, Name: l.Name, AccountID: l.Account}); err != nil {
			return sum, err
		}
		sum.Locations++
	}

	for _, o := range c.Observers {
		added, err := addObserver(ctx, repo, o)
		if err != nil {
			return sum, err
		}
		if added {
			sum.Observers++
		} else {
			sum.Skipped++
		}
	}

	GetLogger().Info("catalog imported",
		logger.Int("experiments", sum.Experiments),
		logger.Int("plants", sum.Plants),
		logger.Int("locations", sum.Locations),
		logger.Int("observers", sum.Observers),
		logger.Int("skipped", sum.Skipped))
	return sum, nil
}

func (e Experiment) entity(loc *time.Location) (datastore.Experiment, error) {
	start, err := observation.ParseDate(e.Start, loc)
	if err != nil {
		return datastore.Experiment{}, invalid(fmt.Errorf("experiment %d start: %w", e.ID, err))
	}
	exp := datastore.Experiment{ID: e.ID, Name: e.Name, StartDate: observation.DateOf(start.Time)}
	if e.End != "" {
		end, err := observation.ParseDate(e.End, loc)
		if err != nil {
			return datastore.Experiment{}, invalid(fmt.Errorf("experiment %d end: %w", e.ID, err))
		}
		if end.Time.Before(start.Time) {
			return datastore.Experiment{}, invalid(fmt.Errorf("experiment %d ends before it starts", e.ID))
		}
		endDate := observation.DateOf(end.Time)
		exp.EndDate = &endDate
	}
	return exp, nil
}

func addObserver(ctx context.Context, repo datastore.Repository, o Observer) (bool, error) {
	if _, err := repo.Experiment(ctx, o.Experiment); err != nil {
		return false, err
	}
	if _, err := repo.Plant(ctx, o.Plant); err != nil {
		return false, err
	}
	if _, err := repo.Location(ctx, o.Location); err != nil {
		return false, err
	}

	existing, err := repo.Observers(ctx, o.Experiment)
	if err != nil {
		return false, err
	}
	for _, ob := range existing {
		if ob.PlantID == o.Plant && ob.LocationID == o.Location {
			return false, nil
		}
	}
	return true, repo.PutObserver(ctx, &datastore.Observer{
		ExperimentID: o.Experiment,
		PlantID:      o.Plant,
		LocationID:   o.Location,
	})
}

func invalid(err error) error {
	return errors.New(err).
		Component("catalog").
		Category(errors.CategoryValidation).
		Build()
}
