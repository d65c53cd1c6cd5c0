// Package datastoretest provides an in-memory datastore for tests.
package datastoretest

import (
	"context"
	"sync"

	"github.com/jordanlanch/funnelsync/pkg/datastore"
	"github.com/jordanlanch/funnelsync/pkg/models"
)

// MemoryStore is a datastore.Store backed by a map. It answers like the
// PostgREST client: an update of an absent row affects zero rows and a
// duplicate insert is datastore.ErrConflict.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[int64]models.Record
	fail   map[string][]error
	calls  map[string]int
	writes int

	// BeforeInsert runs without the lock held, before the insert is applied
	BeforeInsert func(id int64)
}

var _ datastore.Store = (*MemoryStore)(nil)

// New returns an empty store
func New() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[int64]models.Record),
		fail:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

// Seed stores rows directly, bypassing counters
func (s *MemoryStore) Seed(recs ...models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		id, ok := rec.ID()
		if !ok {
			continue
		}
		s.rows[id] = rec.Clone()
	}
}

// FailNext queues errors returned by the next calls of op
// ("exists", "lookup", "insert", "update")
func (s *MemoryStore) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], errs...)
}

// Row returns a copy of a stored row
func (s *MemoryStore) Row(id int64) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Len returns the number of stored rows
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Calls returns how many times op was called
func (s *MemoryStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Writes returns the number of successful inserts and updates that touched a row
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemoryStore) enter(op string) error {
	s.calls[op]++
	if queue := s.fail[op]; len(queue) > 0 {
		s.fail[op] = queue[1:]
		return queue[0]
	}
	return nil
}

// Exists implements datastore.Store
func (s *MemoryStore) Exists(ctx context.Context, id int64) (*datastore.Existing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("exists"); err != nil {
		return nil, err
	}
	rec, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &datastore.Existing{ID: id, UpdateDate: rec.UpdateDate()}, nil
}

// Lookup implements datastore.Store
func (s *MemoryStore) Lookup(ctx context.Context, ids []int64) (map[int64]datastore.Existing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("lookup"); err != nil {
		return nil, err
	}
	out := make(map[int64]datastore.Existing)
	for _, id := range ids {
		if rec, ok := s.rows[id]; ok {
			out[id] = datastore.Existing{ID: id, UpdateDate: rec.UpdateDate()}
		}
	}
	return out, nil
}

// Insert implements datastore.Store
func (s *MemoryStore) Insert(ctx context.Context, rec models.Record) (datastore.WriteResult, error) {
	id, _ := rec.ID()
	if s.BeforeInsert != nil {
		s.BeforeInsert(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("insert"); err != nil {
		return datastore.WriteResult{}, err
	}
	if _, ok := s.rows[id]; ok {
		return datastore.WriteResult{}, datastore.ErrConflict
	}
	s.rows[id] = rec.Clone()
	s.writes++
	return datastore.WriteResult{RowsAffected: 1, Rows: []models.Record{rec.Clone()}}, nil
}

// Update implements datastore.Store
func (s *MemoryStore) Update(ctx context.Context, id int64, rec models.Record) (datastore.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("update"); err != nil {
		return datastore.WriteResult{}, err
	}
	row, ok := s.rows[id]
	if !ok {
		return datastore.WriteResult{}, nil
	}
	for k, v := range rec {
		row[k] = v
	}
	s.writes++
	return datastore.WriteResult{RowsAffected: 1, Rows: []models.Record{row.Clone()}}, nil
}

// Ping implements datastore.Store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
