// Package inmem provides the in-memory thread store used by tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/relay/thread"
)

// Store keeps threads in a map guarded by a mutex.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*thread.Thread
}

// New returns an empty store.
func New() *Store {
	return &Store{byID: make(map[string]*thread.Thread)}
}

// Create implements thread.Store.
func (s *Store) Create(_ context.Context, th *thread.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[th.ID]; ok {
		return thread.ErrExists
	}
	s.byID[th.ID] = clone(th)
	return nil
}

// Get implements thread.Store.
func (s *Store) Get(_ context.Context, id string) (*thread.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.byID[id]
	if !ok {
		return nil, thread.ErrNotFound
	}
	return clone(th), nil
}

// Update implements thread.Store.
func (s *Store) Update(_ context.Context, th *thread.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[th.ID]; !ok {
		return thread.ErrNotFound
	}
	s.byID[th.ID] = clone(th)
	return nil
}

// Delete implements thread.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return thread.ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

// ListByOwner implements thread.Store.
func (s *Store) ListByOwner(_ context.Context, owner string) ([]*thread.Thread, error) {
	s.mu.RLock()
	var matched []*thread.Thread
	for _, th := range s.byID {
		if th.Owner == owner {
			matched = append(matched, clone(th))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

func clone(th *thread.Thread) *thread.Thread {
	dup := *th
	if th.Metadata != nil {
		dup.Metadata = make(map[string]any, len(th.Metadata))
		for k, v := range th.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}
