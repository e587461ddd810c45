// Package inmem provides the in-memory assistant store used by tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/relay/assistant"
)

// Store keeps assistants in a map guarded by a mutex.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*assistant.Assistant
}

// New returns an empty store.
func New() *Store {
	return &Store{byID: make(map[string]*assistant.Assistant)}
}

// Create implements assistant.Store.
func (s *Store) Create(_ context.Context, a *assistant.Assistant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID]; ok {
		return assistant.ErrExists
	}
	s.byID[a.ID] = clone(a)
	return nil
}

// Get implements assistant.Store.
func (s *Store) Get(_ context.Context, id string) (*assistant.Assistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, assistant.ErrNotFound
	}
	return clone(a), nil
}

// Update implements assistant.Store.
func (s *Store) Update(_ context.Context, a *assistant.Assistant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID]; !ok {
		return assistant.ErrNotFound
	}
	s.byID[a.ID] = clone(a)
	return nil
}

// Delete implements assistant.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return assistant.ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

// Search implements assistant.Store.
func (s *Store) Search(_ context.Context, f assistant.SearchFilter) ([]*assistant.Assistant, error) {
	s.mu.RLock()
	var matched []*assistant.Assistant
	for _, a := range s.byID {
		if a.Owner != f.Owner {
			continue
		}
		if f.GraphRef != "" && a.GraphRef != f.GraphRef {
			continue
		}
		matched = append(matched, clone(a))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func clone(a *assistant.Assistant) *assistant.Assistant {
	dup := *a
	if a.Config != nil {
		dup.Config = make(map[string]any, len(a.Config))
		for k, v := range a.Config {
			dup.Config[k] = v
		}
	}
	if a.Metadata != nil {
		dup.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			dup.Metadata[k] = v
		}
	}
	if a.ConfigSchema != nil {
		dup.ConfigSchema = append([]byte(nil), a.ConfigSchema...)
	}
	if a.InputSchema != nil {
		dup.InputSchema = append([]byte(nil), a.InputSchema...)
	}
	return &dup
}
