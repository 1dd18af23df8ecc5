package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kagehq/keys-sub000/pkg/clock"
)

var admitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares budgets across broker processes. When Redis is
// unreachable it degrades to the in-memory limiter rather than admitting
// unconditionally.
type RedisLimiter struct {
	Client   *redis.Client
	Prefix   string
	Timeout  time.Duration
	Fallback *InMemoryLimiter
	Clock    clock.Clock
	Logger   *slog.Logger
}

func NewRedis(client *redis.Client, c clock.Clock) *RedisLimiter {
	return &RedisLimiter{
		Client:   client,
		Prefix:   "rl:",
		Timeout:  2 * time.Second,
		Fallback: NewInMemory(c),
		Clock:    clock.OrReal(c),
	}
}

func (l *RedisLimiter) Admit(ctx context.Context, key string, budget *Budget) Decision {
	if !budget.Metered() {
		return unmetered()
	}
	if l.Client == nil {
		return l.Fallback.Admit(ctx, key, budget)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := admitScript.Run(ctx, l.Client, []string{l.Prefix + key}, budget.Window.Milliseconds()).Result()
	if err != nil {
		l.logFallback(key, err)
		return l.Fallback.Admit(ctx, key, budget)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.Fallback.Admit(ctx, key, budget)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = budget.Window.Milliseconds()
	}
	remaining := budget.Requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= budget.Requests,
		Limit:     budget.Requests,
		Remaining: remaining,
		ResetAt:   l.now().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}

func (l *RedisLimiter) now() time.Time {
	return clock.OrReal(l.Clock).Now()
}

func (l *RedisLimiter) logFallback(key string, err error) {
	if l.Logger == nil {
		return
	}
	l.Logger.Warn("rate limiter falling back to memory", "key", key, "error", err)
}
