// Package tablestore persists named collections of JSON records keyed by an
// integer id. Two backends are provided: one JSON file per collection, and a
// single GORM table for SQLite or MySQL.
package tablestore

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/phenolog/phenolog/internal/errors"
)

// ErrNotFound indicates that no row with the requested id exists
var ErrNotFound = errors.NewStd("record not found")

// Row is one stored record
type Row struct {
	ID   int             `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Store is the collection persistence contract. Every mutating call is
// durable once it returns without error.
type Store interface {
	// Rows returns every row of the collection in insertion order
	Rows(ctx context.Context, collection string) ([]Row, error)
	// Get returns the row with the given id or ErrNotFound
	Get(ctx context.Context, collection string, id int) (Row, error)
	// Put appends the row, or replaces the existing row with the same id
	Put(ctx context.Context, collection string, row Row) error
	// NextID returns max(id)+1, or 1 for an empty collection
	NextID(ctx context.Context, collection string) (int, error)
	Close() error
}

var collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

func validateCollection(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return errors.Newf("invalid collection name %q", name).
			Component("tablestore").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

func validateRow(row Row) error {
	if row.ID <= 0 {
		return errors.Newf("invalid row id %d", row.ID).
			Component("tablestore").
			Category(errors.CategoryValidation).
			Build()
	}
	if !json.Valid(row.Data) {
		return errors.Newf("row %d holds invalid JSON", row.ID).
			Component("tablestore").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

func cloneRow(row Row) Row {
	return Row{ID: row.ID, Data: append(json.RawMessage(nil), row.Data...)}
}
