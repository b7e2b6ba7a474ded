package weekindex

import (
	"cmp"
	"slices"
	"time"

	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
)

// Rebuild creates the matrix of an experiment from its observers and
// observations. Deleted observations are skipped. Observations without a
// registered observer are left out and reported in the joined error; the
// returned matrix is usable either way.
func Rebuild(experimentID int, start, now time.Time, observers []datastore.Observer, observations []observation.Observation) (*Matrix, error) {
	m := New(experimentID, start, now)
	for _, o := range observers {
		if o.ExperimentID == experimentID {
			m.registerLocked(o.PlantID, o.LocationID)
		}
	}

	var errs []error
	for _, o := range observations {
		if o.Deleted || o.ExperimentID != experimentID {
			continue
		}
		if _, err := m.insertLocked(o, m.WeekOf(o)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return m, errors.New(errors.Join(errs...)).
			Component("weekindex").
			Category(errors.CategoryIndexConsistency).
			Context("experiment_id", experimentID).
			Context("skipped", len(errs)).
			Build()
	}
	return m, nil
}

// Snapshot is a point-in-time copy of a matrix, ordered by plant then location
type Snapshot struct {
	ExperimentID int             `json:"experimentId"`
	StartDate    string          `json:"startDate"`
	CurrentWeek  int             `json:"currentWeek"`
	Plants       []PlantSnapshot `json:"plants"`
}

// PlantSnapshot holds the rows of one plant
type PlantSnapshot struct {
	PlantID   int           `json:"plantId"`
	Locations []RowSnapshot `json:"locations"`
}

// RowSnapshot holds the cells of one location. Cells[i] is week FirstWeek+i.
type RowSnapshot struct {
	LocationID int       `json:"locationId"`
	FirstWeek  int       `json:"firstWeek"`
	Cells      [][]Entry `json:"cells"`
}

// Snapshot copies the matrix
func (m *Matrix) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]pairKey, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b pairKey) int {
		return cmp.Or(cmp.Compare(a.plantID, b.plantID), cmp.Compare(a.locationID, b.locationID))
	})

	snap := Snapshot{
		ExperimentID: m.experimentID,
		StartDate:    m.start.Format(observation.DateLayout),
		CurrentWeek:  m.currentWeek,
		Plants:       []PlantSnapshot{},
	}
	for _, k := range keys {
		if n := len(snap.Plants); n == 0 || snap.Plants[n-1].PlantID != k.plantID {
			snap.Plants = append(snap.Plants, PlantSnapshot{PlantID: k.plantID})
		}
		r := m.rows[k]
		cells := make([][]Entry, len(r.cells))
		for i, c := range r.cells {
			cells[i] = append([]Entry{}, c...)
		}
		p := &snap.Plants[len(snap.Plants)-1]
		p.Locations = append(p.Locations, RowSnapshot{LocationID: k.locationID, FirstWeek: r.first, Cells: cells})
	}
	return snap
}
