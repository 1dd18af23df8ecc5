package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kagehq/keys-sub000/pkg/clock"
)

// Budget is the number of requests admitted per window for one key.
type Budget struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// Metered reports whether b actually limits anything.
func (b *Budget) Metered() bool {
	return b != nil && b.Requests > 0 && b.Window > 0
}

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits or rejects a request for key under budget. A nil budget
// always admits: unmetered routes are a configuration choice.
type Limiter interface {
	Admit(ctx context.Context, key string, budget *Budget) Decision
}

// Key builds the per-(principal, scope) rate-limit key.
func Key(principal, scope string) string {
	return strings.TrimSpace(principal) + "|" + strings.TrimSpace(scope)
}

func unmetered() Decision {
	return Decision{Allowed: true, Remaining: -1}
}

type InMemoryLimiter struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]entry
}

type entry struct {
	remaining int
	resetAt   time.Time
}

func NewInMemory(c clock.Clock) *InMemoryLimiter {
	return &InMemoryLimiter{
		clock: clock.OrReal(c),
		items: make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Admit(_ context.Context, key string, budget *Budget) Decision {
	if !budget.Metered() {
		return unmetered()
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{remaining: budget.Requests - 1, resetAt: now.Add(budget.Window)}
		l.items[key] = curr
		return Decision{Allowed: true, Limit: budget.Requests, Remaining: curr.remaining, ResetAt: curr.resetAt}
	}
	if curr.remaining <= 0 {
		return Decision{Allowed: false, Limit: budget.Requests, Remaining: 0, ResetAt: curr.resetAt}
	}
	curr.remaining--
	l.items[key] = curr
	return Decision{Allowed: true, Limit: budget.Requests, Remaining: curr.remaining, ResetAt: curr.resetAt}
}

// Len returns the number of live keys.
func (l *InMemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}
