// Package inmem provides an in-memory implementation of run.Store for tests
// and single-process deployments. It is not durable; production deployments
// should use the Mongo-backed store under features/store/mongo.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/relay/run"
)

// Store implements run.Store in memory. All operations are thread-safe.
// Records are copied on read and write so callers cannot mutate stored state.
type Store struct {
	mu   sync.RWMutex
	runs map[string]run.Run
	// byKey indexes runs by thread ID + idempotency key.
	byKey map[[2]string]string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:  make(map[string]run.Run),
		byKey: make(map[[2]string]string),
	}
}

// Create implements run.Store.
func (s *Store) Create(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.IdempotencyKey != "" {
		key := [2]string{r.ThreadID, r.IdempotencyKey}
		if _, ok := s.byKey[key]; ok {
			return run.ErrDuplicateKey
		}
		s.byKey[key] = r.ID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	s.runs[r.ID] = clone(r)
	return nil
}

// Get implements run.Store.
func (s *Store) Get(_ context.Context, id string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return run.Run{}, run.ErrNotFound
	}
	return clone(r), nil
}

// Update implements run.Store.
func (s *Store) Update(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return run.ErrNotFound
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	s.runs[r.ID] = clone(r)
	return nil
}

// ListByOwner implements run.Store.
func (s *Store) ListByOwner(_ context.Context, owner string) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.Owner == owner {
			out = append(out, clone(r))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListByThread implements run.Store.
func (s *Store) ListByThread(_ context.Context, threadID string) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, r := range s.runs {
		if r.ThreadID == threadID {
			out = append(out, clone(r))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// FindByIdempotencyKey implements run.Store.
func (s *Store) FindByIdempotencyKey(_ context.Context, threadID, key string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[[2]string{threadID, key}]
	if !ok {
		return run.Run{}, run.ErrNotFound
	}
	r, ok := s.runs[id]
	if !ok {
		return run.Run{}, run.ErrNotFound
	}
	return clone(r), nil
}

// CountActiveByThread implements run.Store.
func (s *Store) CountActiveByThread(_ context.Context, threadID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.ThreadID == threadID && !r.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(runs []run.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

func clone(r run.Run) run.Run {
	c := r
	if r.Input != nil {
		c.Input = append([]byte(nil), r.Input...)
	}
	if r.Output != nil {
		c.Output = append([]byte(nil), r.Output...)
	}
	if len(r.Config) > 0 {
		c.Config = make(map[string]any, len(r.Config))
		for k, v := range r.Config {
			c.Config[k] = v
		}
	}
	return c
}
