package datastore

import "github.com/phenolog/phenolog/internal/errors"

// Sentinel errors for repository lookups. The repository wraps them in
// not-found EnhancedErrors, so both errors.Is and errors.IsNotFound work.
var (
	// ErrExperimentNotFound indicates the requested experiment does not exist.
	ErrExperimentNotFound = errors.NewStd("experiment not found")

	// ErrPlantNotFound indicates the requested plant does not exist.
	ErrPlantNotFound = errors.NewStd("plant not found")

	// ErrLocationNotFound indicates the requested location does not exist.
	ErrLocationNotFound = errors.NewStd("location not found")

	// ErrObservationNotFound indicates the requested observation does not exist.
	ErrObservationNotFound = errors.NewStd("observation not found")
)

func notFound(sentinel error, entity string, id int) error {
	return errors.New(sentinel).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("entity", entity).
		Context("id", id).
		Build()
}
