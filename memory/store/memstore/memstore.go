// Package memstore is an in-memory key-value store for records and vectors.
// It has no native transactions; callers wrap it in a snapshot context.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/memsync/core"
)

// Store keeps records and vectors in maps guarded by one RWMutex.
type Store struct {
	name    string
	mu      sync.RWMutex
	items   map[string]core.Record
	vectors map[string]core.VectorRecord
}

// New creates an empty store.
func New(name string) *Store {
	return &Store{
		name:    name,
		items:   make(map[string]core.Record),
		vectors: make(map[string]core.VectorRecord),
	}
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Store saves a copy of r.
func (s *Store) Store(_ context.Context, r core.Record) (string, error) {
	r = r.Clone()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.items[r.ID] = r
	s.mu.Unlock()
	return r.ID, nil
}

// Retrieve returns a copy of the record.
func (s *Store) Retrieve(_ context.Context, id string) (core.Record, bool, error) {
	s.mu.RLock()
	r, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return core.Record{}, false, nil
	}
	return r.Clone(), true, nil
}

// Search returns matching records ordered by id.
func (s *Store) Search(_ context.Context, q core.Query) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Record
	for _, r := range s.items {
		if q.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the record.
func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

// AllItems returns every record.
func (s *Store) AllItems(ctx context.Context) ([]core.Record, error) {
	return s.Search(ctx, core.Query{})
}

// StoreVector saves a copy of v.
func (s *Store) StoreVector(_ context.Context, v core.VectorRecord) (string, error) {
	v = v.Clone()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	s.mu.Lock()
	s.vectors[v.ID] = v
	s.mu.Unlock()
	return v.ID, nil
}

// RetrieveVector returns a copy of the vector.
func (s *Store) RetrieveVector(_ context.Context, id string) (core.VectorRecord, bool, error) {
	s.mu.RLock()
	v, ok := s.vectors[id]
	s.mu.RUnlock()
	if !ok {
		return core.VectorRecord{}, false, nil
	}
	return v.Clone(), true, nil
}

// DeleteVector removes the vector.
func (s *Store) DeleteVector(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vectors[id]; !ok {
		return false, nil
	}
	delete(s.vectors, id)
	return true, nil
}

// AllVectors returns every vector ordered by id.
func (s *Store) AllVectors(_ context.Context) ([]core.VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.VectorRecord, 0, len(s.vectors))
	for _, v := range s.vectors {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
