// Package audit stores one record per gateway request and answers range
// queries over them.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrQueryUnsupported = errors.New("audit sink does not support queries")

type Record struct {
	Timestamp         time.Time `json:"timestamp"`
	Agent             string    `json:"agent"`
	Scope             string    `json:"scope"`
	DurationMS        int64     `json:"duration_ms"`
	Status            string    `json:"status"`
	Route             string    `json:"route"`
	Method            string    `json:"method,omitempty"`
	ProviderLatencyMS *int64    `json:"provider_latency_ms,omitempty"`
	CredentialID      string    `json:"credential_id"`
	CredentialHash    string    `json:"credential_hash"`
	Error             string    `json:"error,omitempty"`
}

// Filter bounds are inclusive; zero values do not constrain.
type Filter struct {
	From   time.Time
	To     time.Time
	Agent  string
	Scope  string
	Status string
	Limit  int
}

func (f Filter) match(r Record) bool {
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	if f.Agent != "" && r.Agent != f.Agent {
		return false
	}
	if f.Scope != "" && r.Scope != f.Scope {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, f Filter) ([]Record, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

// Query returns matching records oldest first.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Tee appends to every store and queries the first. All append errors are
// returned joined; a failing sink never stops the others.
type Tee []Store

func (t Tee) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range t {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Query(ctx context.Context, f Filter) ([]Record, error) {
	if len(t) == 0 {
		return nil, ErrQueryUnsupported
	}
	return t[0].Query(ctx, f)
}
