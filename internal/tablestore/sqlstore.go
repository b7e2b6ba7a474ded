package tablestore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/phenolog/phenolog/internal/errors"
)

const tableRecords = "records"

// record is the single table backing every collection
type record struct {
	Collection string    `gorm:"primaryKey;size:64"`
	ID         int       `gorm:"primaryKey;autoIncrement:false"`
	Data       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// TableName returns the table name for GORM
func (record) TableName() string {
	return tableRecords
}

// SQLStore stores collections as rows of one GORM table
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the records table and returns a store on db
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, dbError(err, "migrate", "")
	}
	return &SQLStore{db: db}, nil
}

// Rows returns the collection ordered by id, which matches insertion order
// because ids are assigned as max+1.
func (s *SQLStore) Rows(ctx context.Context, collection string) ([]Row, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	var records []record
	err := s.db.WithContext(ctx).Table(tableRecords).
		Where("collection = ?", collection).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, dbError(err, "rows", collection)
	}

	rows := make([]Row, len(records))
	for i := range records {
		rows[i] = Row{ID: records[i].ID, Data: []byte(records[i].Data)}
	}
	return rows, nil
}

// Get returns one row or ErrNotFound
func (s *SQLStore) Get(ctx context.Context, collection string, id int) (Row, error) {
	if err := validateCollection(collection); err != nil {
		return Row{}, err
	}
	var rec record
	err := s.db.WithContext(ctx).Table(tableRecords).
		Where("collection = ? AND id = ?", collection, id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, dbError(err, "get", collection)
	}
	return Row{ID: rec.ID, Data: []byte(rec.Data)}, nil
}

// Put upserts a row on (collection, id)
func (s *SQLStore) Put(ctx context.Context, collection string, row Row) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if err := validateRow(row); err != nil {
		return err
	}
	rec := record{Collection: collection, ID: row.ID, Data: string(row.Data)}
	err := s.db.WithContext(ctx).Table(tableRecords).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return dbError(err, "put", collection)
	}
	return nil
}

// NextID returns max(id)+1
func (s *SQLStore) NextID(ctx context.Context, collection string) (int, error) {
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	var maxID int
	err := s.db.WithContext(ctx).Table(tableRecords).
		Where("collection = ?", collection).
		Select("COALESCE(MAX(id), 0)").
		Scan(&maxID).Error
	if err != nil {
		return 0, dbError(err, "next_id", collection)
	}
	return maxID + 1, nil
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dbError(err error, operation, collection string) error {
	b := errors.New(err).
		Component("tablestore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)
	if collection != "" {
		b = b.Context("collection", collection)
	}
	return b.Build()
}

var _ Store = (*SQLStore)(nil)
