package tablestore

import (
	"context"
	"encoding/json"

	"github.com/phenolog/phenolog/internal/errors"
)

// Entity is a value stored in a Table
type Entity interface {
	EntityID() int
}

// Table is a typed view of one collection
type Table[T Entity] struct {
	store Store
	name  string
}

// NewTable binds a collection name to an entity type
func NewTable[T Entity](store Store, name string) *Table[T] {
	return &Table[T]{store: store, name: name}
}

// Name returns the collection name
func (t *Table[T]) Name() string {
	return t.name
}

// All decodes every row
func (t *Table[T]) All(ctx context.Context) ([]T, error) {
	rows, err := t.store.Rows(ctx, t.name)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := t.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Get decodes one row. A missing id yields ErrNotFound.
func (t *Table[T]) Get(ctx context.Context, id int) (T, error) {
	var zero T
	row, err := t.store.Get(ctx, t.name, id)
	if err != nil {
		return zero, err
	}
	return t.decode(row)
}

// Put encodes and stores v under v.EntityID()
func (t *Table[T]) Put(ctx context.Context, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.New(err).
			Component("tablestore").
			Category(errors.CategoryValidation).
			Context("collection", t.name).
			Context("operation", "encode").
			Build()
	}
	return t.store.Put(ctx, t.name, Row{ID: v.EntityID(), Data: data})
}

// NextID returns the id a new entity should use
func (t *Table[T]) NextID(ctx context.Context) (int, error) {
	return t.store.NextID(ctx, t.name)
}

// Filter returns the entities for which keep returns true, in storage order
func (t *Table[T]) Filter(ctx context.Context, keep func(T) bool) ([]T, error) {
	all, err := t.All(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, v := range all {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *Table[T]) decode(row Row) (T, error) {
	var v T
	if err := json.Unmarshal(row.Data, &v); err != nil {
		return v, errors.New(err).
			Component("tablestore").
			Category(errors.CategoryDatabase).
			Context("collection", t.name).
			Context("id", row.ID).
			Context("operation", "decode").
			Build()
	}
	return v, nil
}
