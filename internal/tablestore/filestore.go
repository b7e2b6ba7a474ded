package tablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
)

const (
	dataDirPermissions  = 0o755
	dataFilePermissions = 0o644
)

// FileStore keeps each collection in {dir}/{collection}.json. A collection is
// read on first use and rewritten through a temp file and rename on every Put.
type FileStore struct {
	dir         string
	mu          sync.Mutex
	collections map[string]*fileCollection
	log         logger.Logger
}

type fileCollection struct {
	mu     sync.RWMutex
	path   string
	loaded bool
	rows   []Row
	index  map[int]int // id -> position in rows
}

// NewFileStore creates dir if needed and returns a store rooted there
func NewFileStore(dir string, log logger.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.Global().Module("tablestore")
	}
	if err := os.MkdirAll(dir, dataDirPermissions); err != nil {
		return nil, errors.New(err).
			Component("tablestore").
			Category(errors.CategoryFileIO).
			Context("operation", "create_data_dir").
			Build()
	}
	return &FileStore{
		dir:         dir,
		collections: make(map[string]*fileCollection),
		log:         log,
	}, nil
}

// collection returns the loaded collection, reading its file on first access
func (s *FileStore) collection(name string) (*fileCollection, error) {
	if err := validateCollection(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	c, ok := s.collections[name]
	if !ok {
		c = &fileCollection{path: filepath.Join(s.dir, name+".json")}
		s.collections[name] = c
	}
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c, nil
	}
	if err := c.load(); err != nil {
		return nil, errors.New(err).
			Component("tablestore").
			Category(errors.CategoryFileIO).
			Context("operation", "load_collection").
			Context("collection", name).
			Build()
	}
	s.log.Debug("collection loaded", logger.String("collection", name), logger.Int("rows", len(c.rows)))
	return c, nil
}

func (c *fileCollection) load() error {
	c.index = make(map[int]int)
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		c.rows = nil
		c.loaded = true
		return nil
	}
	if err != nil {
		return err
	}

	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(c.path), err)
	}
	for i, row := range rows {
		if _, dup := c.index[row.ID]; dup {
			return fmt.Errorf("decode %s: duplicate id %d", filepath.Base(c.path), row.ID)
		}
		c.index[row.ID] = i
	}
	c.rows = rows
	c.loaded = true
	return nil
}

// persist writes rows to a temp file in the same directory and renames it over the collection file
func (c *fileCollection) persist(rows []Row) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, dataFilePermissions); err != nil {
		return err
	}
	return os.Rename(tmpName, c.path)
}

// Rows returns a copy of every row in insertion order
func (s *FileStore) Rows(ctx context.Context, collection string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Row, len(c.rows))
	for i, row := range c.rows {
		out[i] = cloneRow(row)
	}
	return out, nil
}

// Get returns a copy of one row
func (s *FileStore) Get(ctx context.Context, collection string, id int) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	c, err := s.collection(collection)
	if err != nil {
		return Row{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, ok := c.index[id]
	if !ok {
		return Row{}, ErrNotFound
	}
	return cloneRow(c.rows[pos]), nil
}

// Put appends or replaces a row. The in-memory copy is updated only after
// the file has been replaced.
func (s *FileStore) Put(ctx context.Context, collection string, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRow(row); err != nil {
		return err
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := slices.Clone(c.rows)
	pos, exists := c.index[row.ID]
	if exists {
		next[pos] = cloneRow(row)
	} else {
		pos = len(next)
		next = append(next, cloneRow(row))
	}

	if err := c.persist(next); err != nil {
		return errors.New(err).
			Component("tablestore").
			Category(errors.CategoryFileIO).
			Context("operation", "persist_collection").
			Context("collection", collection).
			Build()
	}

	c.rows = next
	c.index[row.ID] = pos
	return nil
}

// NextID returns max(id)+1
func (s *FileStore) NextID(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	maxID := 0
	for id := range c.index {
		maxID = max(maxID, id)
	}
	return maxID + 1, nil
}

// Close releases nothing; every Put is already on disk
func (s *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)
