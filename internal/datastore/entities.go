package datastore

import (
	"time"

	"github.com/phenolog/phenolog/internal/observation"
)

// Collection names in the table store
const (
	CollectionExperiments  = "experiments"
	CollectionPlants       = "plants"
	CollectionLocations    = "locations"
	CollectionObservers    = "observers"
	CollectionObservations = "observations"
)

// Experiment is a longitudinal observation campaign. Week numbers are
// counted from StartDate.
type Experiment struct {
	ID        int               `json:"id"`
	Name      string            `json:"name"`
	StartDate observation.Date  `json:"startDate"`
	EndDate   *observation.Date `json:"endDate,omitempty"`
}

// EntityID implements tablestore.Entity
func (e Experiment) EntityID() int { return e.ID }

// StartIn returns midnight of the start day in loc. The start is a calendar
// day, so the location it was decoded in does not matter.
func (e Experiment) StartIn(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := e.StartDate.Time.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Plant is a catalog entry for an observed plant
type Plant struct {
	ID      int    `json:"id"`
	Family  string `json:"family"`
	Variety string `json:"variety"`
}

// EntityID implements tablestore.Entity
func (p Plant) EntityID() int { return p.ID }

// Location is an observation site owned by one account
type Location struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	AccountID string `json:"accountId"`
}

// EntityID implements tablestore.Entity
func (l Location) EntityID() int { return l.ID }

// Observer registers a location as observing a plant within an experiment.
// Observations may only be indexed for registered pairs.
type Observer struct {
	ID           int `json:"id"`
	ExperimentID int `json:"experimentId"`
	LocationID   int `json:"locationId"`
	PlantID      int `json:"plantId"`
}

// EntityID implements tablestore.Entity
func (o Observer) EntityID() int { return o.ID }
