package weekindex

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
)

var (
	expStart = time.Date(2015, 5, 1, 0, 0, 0, 0, time.UTC)
	expNow   = time.Date(2015, 6, 1, 12, 0, 0, 0, time.UTC) // week 4
)

func obs(id, plant, location int, date time.Time) observation.Observation {
	return observation.Observation{
		ID: id, ExperimentID: 1, PlantID: plant, LocationID: location,
		Date: observation.DateOf(date),
	}
}

func newTestMatrix() *Matrix {
	m := New(1, expStart, expNow)
	m.Register(10, 100)
	m.Register(10, 101)
	m.Register(11, 100)
	return m
}

func ids(entries []Entry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestRegisteredRowsCoverCurrentWeek(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()
	snap := m.Snapshot()
	require.Len(t, snap.Plants, 2)
	assert.Equal(t, 4, snap.CurrentWeek)
	for _, p := range snap.Plants {
		for _, row := range p.Locations {
			assert.Equal(t, 0, row.FirstWeek)
			assert.Len(t, row.Cells, 5, "weeks 0 through 4")
		}
	}
	assert.Equal(t, "2015-05-01", snap.StartDate)
}

func TestInsertPlacesByWeek(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()

	coord, err := m.Insert(obs(1, 10, 100, time.Date(2015, 5, 9, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, Coord{PlantID: 10, LocationID: 100, Week: 1}, coord)

	_, err = m.Insert(obs(2, 10, 100, time.Date(2015, 5, 14, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = m.Insert(obs(3, 10, 100, time.Date(2015, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, ids(m.Cell(coord)), "insertion order kept")
	assert.Equal(t, []int{3}, ids(m.Cell(Coord{PlantID: 10, LocationID: 100, Week: 0})))
	assert.Equal(t, 3, m.Len())

	found, ok := m.Find(2)
	require.True(t, ok)
	assert.Equal(t, coord, found)
}

func TestInsertRequiresObserver(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()
	_, err := m.Insert(obs(1, 12, 100, expStart))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryIndexConsistency))
	assert.Equal(t, 0, m.Len())
}

func TestInsertRejectsDuplicatesAndDeleted(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()
	o := obs(1, 10, 100, expStart)
	_, err := m.Insert(o)
	require.NoError(t, err)

	_, err = m.Insert(o)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	deleted := obs(2, 10, 100, expStart)
	deleted.Deleted = true
	_, err = m.Insert(deleted)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	other := obs(3, 10, 100, expStart)
	other.ExperimentID = 2
	_, err = m.Insert(other)
	assert.True(t, errors.IsCategory(err, errors.CategoryIndexConsistency))
}

func TestRowsGrowForOutOfRangeWeeks(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()

	_, err := m.Insert(obs(1, 10, 100, time.Date(2015, 4, 20, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	_, err = m.Insert(obs(2, 10, 100, time.Date(2015, 7, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.Equal(t, []int{1}, ids(m.Cell(Coord{PlantID: 10, LocationID: 100, Week: -2})))
	assert.Equal(t, []int{2}, ids(m.Cell(Coord{PlantID: 10, LocationID: 100, Week: 8})))

	row := m.Snapshot().Plants[0].Locations[0]
	assert.Equal(t, -2, row.FirstWeek)
	assert.Len(t, row.Cells, 11)
}

func TestRemoveReturnsCoordinates(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()
	o := obs(7, 11, 100, time.Date(2015, 5, 20, 0, 0, 0, 0, time.UTC))
	_, err := m.Insert(o)
	require.NoError(t, err)

	coord, ok := m.Remove(o)
	require.True(t, ok)
	assert.Equal(t, Coord{PlantID: 11, LocationID: 100, Week: 2}, coord)
	assert.Empty(t, m.Cell(coord))
	_, found := m.Find(7)
	assert.False(t, found)

	_, ok = m.Remove(o)
	assert.False(t, ok, "second removal reports not found")

	_, ok = m.Remove(obs(8, 99, 99, expStart))
	assert.False(t, ok, "unknown row is not a crash")
}

func TestMove(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()
	claimed := obs(1, 10, 100, time.Date(2015, 5, 15, 0, 0, 0, 0, time.UTC))
	_, err := m.Insert(claimed)
	require.NoError(t, err)

	resolved := claimed
	resolved.Date = observation.DateTimeOf(time.Date(2015, 5, 7, 18, 0, 0, 0, time.UTC))
	coord, err := m.Move(resolved, 2, m.WeekOf(resolved))
	require.NoError(t, err)
	assert.Equal(t, Coord{PlantID: 10, LocationID: 100, Week: 0}, coord)
	assert.Empty(t, m.Cell(Coord{PlantID: 10, LocationID: 100, Week: 2}))
	cell := m.Cell(coord)
	require.Len(t, cell, 1)
	assert.True(t, cell[0].Date.Equal(resolved.Date))

	// same week refreshes the entry
	again := resolved
	again.Date = observation.DateTimeOf(time.Date(2015, 5, 6, 9, 0, 0, 0, time.UTC))
	coord, err = m.Move(again, 0, 0)
	require.NoError(t, err)
	cell = m.Cell(coord)
	require.Len(t, cell, 1)
	assert.True(t, cell[0].Date.Equal(again.Date))

	// a wrong old week changes nothing
	_, err = m.Move(again, 3, 4)
	assert.True(t, errors.IsNotFound(err))
	assert.Len(t, m.Cell(coord), 1)
	assert.Equal(t, 1, m.Len())
}

func TestReplaceFollowsDate(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()
	o := obs(1, 10, 100, time.Date(2015, 5, 15, 0, 0, 0, 0, time.UTC))
	_, err := m.Insert(o)
	require.NoError(t, err)

	o.Date = observation.DateOf(time.Date(2015, 5, 30, 0, 0, 0, 0, time.UTC))
	coord, err := m.Replace(o)
	require.NoError(t, err)
	assert.Equal(t, 4, coord.Week)

	_, err = m.Replace(obs(2, 10, 100, expStart))
	assert.True(t, errors.IsNotFound(err))
}

func TestMoveIsAtomicForReaders(t *testing.T) {
	t.Parallel()
	m := newTestMatrix()
	o := obs(1, 10, 100, expStart)
	_, err := m.Insert(o)
	require.NoError(t, err)

	week0 := Coord{PlantID: 10, LocationID: 100, Week: 0}
	week3 := Coord{PlantID: 10, LocationID: 100, Week: 3}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := m.Snapshot()
			count := 0
			for _, cell := range snap.Plants[0].Locations[0].Cells {
				count += len(cell)
			}
			assert.Equal(t, 1, count)
		}
	}()

	at := 0
	for range 200 {
		to := 3 - at
		moved := o
		moved.Date = observation.DateOf(expStart.AddDate(0, 0, 7*to))
		_, err := m.Move(moved, at, to)
		require.NoError(t, err)
		at = to
	}
	close(stop)
	wg.Wait()

	assert.Len(t, m.Cell(week0), 1)
	assert.Empty(t, m.Cell(week3))
}

func TestRebuildMatchesIncrementalInserts(t *testing.T) {
	t.Parallel()
	observers := []datastore.Observer{
		{ID: 1, ExperimentID: 1, PlantID: 10, LocationID: 100},
		{ID: 2, ExperimentID: 1, PlantID: 10, LocationID: 101},
		{ID: 3, ExperimentID: 1, PlantID: 11, LocationID: 100},
		{ID: 4, ExperimentID: 2, PlantID: 12, LocationID: 100},
	}
	pairs := [][2]int{{10, 100}, {10, 101}, {11, 100}}

	rng := rand.New(rand.NewPCG(1, 2))
	var all []observation.Observation
	for id := 1; id <= 200; id++ {
		p := pairs[rng.IntN(len(pairs))]
		o := obs(id, p[0], p[1], expStart.AddDate(0, 0, rng.IntN(60)-10))
		o.Deleted = rng.IntN(10) == 0
		all = append(all, o)
	}
	all = append(all, observation.Observation{ID: 500, ExperimentID: 2, PlantID: 12, LocationID: 100, Date: observation.DateOf(expStart)})

	rebuilt, err := Rebuild(1, expStart, expNow, observers, all)
	require.NoError(t, err)

	incremental := newTestMatrix()
	live := 0
	for _, o := range all {
		if o.Deleted || o.ExperimentID != 1 {
			continue
		}
		_, err := incremental.Insert(o)
		require.NoError(t, err)
		live++
	}

	assert.Equal(t, incremental.Snapshot(), rebuilt.Snapshot())
	assert.Equal(t, live, rebuilt.Len())

	// every live observation is found in exactly the cell of its date
	for _, o := range all {
		if o.Deleted || o.ExperimentID != 1 {
			_, ok := rebuilt.Find(o.ID)
			assert.False(t, ok)
			continue
		}
		coord, ok := rebuilt.Find(o.ID)
		require.True(t, ok)
		assert.Equal(t, rebuilt.WeekOf(o), coord.Week)
		assert.Contains(t, ids(rebuilt.Cell(coord)), o.ID)
	}
}

func TestRebuildReportsOrphans(t *testing.T) {
	t.Parallel()
	observers := []datastore.Observer{{ID: 1, ExperimentID: 1, PlantID: 10, LocationID: 100}}
	all := []observation.Observation{
		obs(1, 10, 100, expStart),
		obs(2, 10, 999, expStart),
	}

	m, err := Rebuild(1, expStart, expNow, observers, all)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryIndexConsistency))
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Len())
}
