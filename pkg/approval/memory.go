package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Request)}
}

func (s *MemoryStore) Create(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[r.ID]; ok {
		return fmt.Errorf("approval %s already exists", r.ID)
	}
	s.items[r.ID] = clone(r)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return clone(r), nil
}

// List returns matching requests newest first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Request, error) {
	s.mu.Lock()
	out := make([]Request, 0, len(s.items))
	for _, r := range s.items {
		if f.match(r) {
			out = append(out, clone(r))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Request) error) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	next := clone(r)
	if err := fn(&next); err != nil {
		return Request{}, err
	}
	s.items[id] = clone(next)
	return next, nil
}
