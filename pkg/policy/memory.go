package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kagehq/keys-sub000/pkg/clock"
)

// MemoryStore keeps policies in insertion order, which is evaluation order.
type MemoryStore struct {
	mu    sync.RWMutex
	clock clock.Clock
	order []string
	items map[string]Policy
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clock.OrReal(c), items: make(map[string]Policy)}
}

func (s *MemoryStore) List(_ context.Context, orgID string) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, 0, len(s.order))
	for _, id := range s.order {
		p := s.items[id]
		if orgID == "" || p.OrgID == orgID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.items[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) Put(_ context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if prev, ok := s.items[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	} else {
		p.CreatedAt = now
		s.order = append(s.order, p.ID)
	}
	p.UpdatedAt = now
	s.items[p.ID] = p
	return p, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
