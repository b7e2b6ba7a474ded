// Package weekindex maintains the plant × location × week observation
// matrix of an experiment.
package weekindex

import (
	"slices"
	"sync"
	"time"

	"github.com/phenolog/phenolog/internal/datefix"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
)

// Coord addresses one cell
type Coord struct {
	PlantID    int `json:"plantId"`
	LocationID int `json:"locationId"`
	Week       int `json:"week"`
}

// Entry is an observation reference held in a cell
type Entry struct {
	ID   int              `json:"id"`
	Date observation.Date `json:"date"`
}

// row holds the cells of one plant and location. cells[i] is week first+i.
type row struct {
	first int
	cells [][]Entry
}

func (r *row) last() int {
	return r.first + len(r.cells) - 1
}

// cover grows the row so that it includes week
func (r *row) cover(week int) {
	if week < r.first {
		grown := make([][]Entry, r.first-week, r.first-week+len(r.cells))
		r.cells = append(grown, r.cells...)
		r.first = week
	}
	if week > r.last() {
		r.cells = append(r.cells, make([][]Entry, week-r.last())...)
	}
}

func (r *row) cell(week int) []Entry {
	if week < r.first || week > r.last() {
		return nil
	}
	return r.cells[week-r.first]
}

func (r *row) indexOf(week, id int) int {
	return slices.IndexFunc(r.cell(week), func(e Entry) bool { return e.ID == id })
}

type pairKey struct {
	plantID    int
	locationID int
}

// Matrix maps plant and location to week-ordered cells of observation
// references. Every indexed observation sits in exactly one cell, chosen by
// its date. Cells keep insertion order. A Matrix is safe for concurrent use.
type Matrix struct {
	mu           sync.RWMutex
	experimentID int
	start        time.Time
	currentWeek  int
	rows         map[pairKey]*row
	byID         map[int]Coord
}

// New returns an empty matrix whose rows will span weeks 0 through the week of now
func New(experimentID int, start, now time.Time) *Matrix {
	return &Matrix{
		experimentID: experimentID,
		start:        start,
		currentWeek:  max(0, datefix.WeekNumber(now, start)),
		rows:         make(map[pairKey]*row),
		byID:         make(map[int]Coord),
	}
}

// ExperimentID returns the experiment the matrix belongs to
func (m *Matrix) ExperimentID() int {
	return m.experimentID
}

// WeekOf returns the week bucket of o's date
func (m *Matrix) WeekOf(o observation.Observation) int {
	return datefix.WeekNumber(o.Date.Time, m.start)
}

// Register creates the row of a plant and location if it does not exist yet
func (m *Matrix) Register(plantID, locationID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerLocked(plantID, locationID)
}

func (m *Matrix) registerLocked(plantID, locationID int) {
	key := pairKey{plantID, locationID}
	if _, ok := m.rows[key]; ok {
		return
	}
	m.rows[key] = &row{cells: make([][]Entry, m.currentWeek+1)}
}

// Registered reports whether a row exists for the plant and location
func (m *Matrix) Registered(plantID, locationID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rows[pairKey{plantID, locationID}]
	return ok
}

// Insert appends o to the cell of its week. The plant and location must be
// registered and o must not already be indexed.
func (m *Matrix) Insert(o observation.Observation) (Coord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(o, m.WeekOf(o))
}

func (m *Matrix) insertLocked(o observation.Observation, week int) (Coord, error) {
	coord := Coord{PlantID: o.PlantID, LocationID: o.LocationID, Week: week}
	if err := m.checkInsertLocked(o, coord); err != nil {
		return coord, err
	}
	r := m.rows[pairKey{o.PlantID, o.LocationID}]
	r.cover(week)
	r.cells[week-r.first] = append(r.cells[week-r.first], Entry{ID: o.ID, Date: o.Date})
	m.byID[o.ID] = coord
	return coord, nil
}

func (m *Matrix) checkInsertLocked(o observation.Observation, coord Coord) error {
	if o.Deleted {
		return errors.Newf("observation %d is deleted and cannot be indexed", o.ID).
			Component("weekindex").
			Category(errors.CategoryValidation).
			Build()
	}
	if o.ExperimentID != 0 && o.ExperimentID != m.experimentID {
		return errors.Newf("observation %d belongs to experiment %d, not %d", o.ID, o.ExperimentID, m.experimentID).
			Component("weekindex").
			Category(errors.CategoryIndexConsistency).
			Build()
	}
	if _, ok := m.rows[pairKey{o.PlantID, o.LocationID}]; !ok {
		return errors.Newf("no observer registered for plant %d at location %d", o.PlantID, o.LocationID).
			Component("weekindex").
			Category(errors.CategoryIndexConsistency).
			Context("experiment_id", m.experimentID).
			Context("plant_id", o.PlantID).
			Context("location_id", o.LocationID).
			Context("week", coord.Week).
			Build()
	}
	if existing, ok := m.byID[o.ID]; ok {
		return errors.Newf("observation %d is already indexed at week %d", o.ID, existing.Week).
			Component("weekindex").
			Category(errors.CategoryConflict).
			Build()
	}
	return nil
}

// Remove deletes o's reference from the cell of its week and returns the
// cell coordinates. ok is false when the cell holds no such reference.
func (m *Matrix) Remove(o observation.Observation) (coord Coord, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coord = Coord{PlantID: o.PlantID, LocationID: o.LocationID, Week: m.WeekOf(o)}
	return coord, m.removeLocked(coord, o.ID)
}

func (m *Matrix) removeLocked(coord Coord, id int) bool {
	r, ok := m.rows[pairKey{coord.PlantID, coord.LocationID}]
	if !ok {
		return false
	}
	i := r.indexOf(coord.Week, id)
	if i < 0 {
		return false
	}
	idx := coord.Week - r.first
	r.cells[idx] = slices.Delete(r.cells[idx], i, i+1)
	delete(m.byID, id)
	return true
}

// Move relocates o from oldWeek to newWeek under one lock, so no reader sees
// it in neither or both cells. Nothing changes when the move cannot complete.
// When the weeks are equal the entry is refreshed in place.
func (m *Matrix) Move(o observation.Observation, oldWeek, newWeek int) (Coord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := Coord{PlantID: o.PlantID, LocationID: o.LocationID, Week: oldWeek}
	r, ok := m.rows[pairKey{o.PlantID, o.LocationID}]
	if !ok || r.indexOf(oldWeek, o.ID) < 0 {
		return from, errors.Newf("observation %d is not indexed at week %d", o.ID, oldWeek).
			Component("weekindex").
			Category(errors.CategoryNotFound).
			Context("plant_id", o.PlantID).
			Context("location_id", o.LocationID).
			Build()
	}
	if o.Deleted {
		return from, errors.Newf("observation %d is deleted and cannot be moved", o.ID).
			Component("weekindex").
			Category(errors.CategoryValidation).
			Build()
	}
	if o.ExperimentID != 0 && o.ExperimentID != m.experimentID {
		return from, errors.Newf("observation %d belongs to experiment %d, not %d", o.ID, o.ExperimentID, m.experimentID).
			Component("weekindex").
			Category(errors.CategoryIndexConsistency).
			Build()
	}

	if oldWeek == newWeek {
		r.cells[oldWeek-r.first][r.indexOf(oldWeek, o.ID)].Date = o.Date
		return from, nil
	}

	m.removeLocked(from, o.ID)
	// the row exists and the id was just released, so insert cannot fail
	return m.insertLocked(o, newWeek)
}

// Replace refreshes the entry of an indexed observation in place, or moves
// it when its date now falls into another week.
func (m *Matrix) Replace(o observation.Observation) (Coord, error) {
	current, ok := m.Find(o.ID)
	if !ok {
		return Coord{}, errors.Newf("observation %d is not indexed", o.ID).
			Component("weekindex").
			Category(errors.CategoryNotFound).
			Build()
	}
	return m.Move(o, current.Week, m.WeekOf(o))
}

// Find returns the cell currently holding the observation
func (m *Matrix) Find(id int) (Coord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

// Cell returns a copy of the entries of one cell
func (m *Matrix) Cell(c Coord) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[pairKey{c.PlantID, c.LocationID}]
	if !ok {
		return nil
	}
	return slices.Clone(r.cell(c.Week))
}

// Len returns the number of indexed observations
func (m *Matrix) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
