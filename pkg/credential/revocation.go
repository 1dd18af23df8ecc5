package credential

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RevocationSet records revoked credential ids. There is no removal:
// once revoked, an id stays revoked for the life of the set.
type RevocationSet interface {
	Add(ctx context.Context, id string) error
	Contains(ctx context.Context, id string) (bool, error)
}

// MemoryRevocations is a process-local revocation set.
type MemoryRevocations struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{ids: map[string]struct{}{}}
}

func (m *MemoryRevocations) Add(_ context.Context, id string) error {
	m.mu.Lock()
	m.ids[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryRevocations) Contains(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.ids[id]
	m.mu.RUnlock()
	return ok, nil
}

// Len returns the number of revoked ids.
func (m *MemoryRevocations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// RedisRevocations shares the revocation set between the CLI and every
// broker process through a Redis set.
type RedisRevocations struct {
	Client *redis.Client
	Key    string
}

func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{Client: client, Key: "keys:revoked"}
}

func (r *RedisRevocations) Add(ctx context.Context, id string) error {
	return r.Client.SAdd(ctx, r.key(), id).Err()
}

func (r *RedisRevocations) Contains(ctx context.Context, id string) (bool, error) {
	return r.Client.SIsMember(ctx, r.key(), id).Result()
}

func (r *RedisRevocations) key() string {
	if k := strings.TrimSpace(r.Key); k != "" {
		return k
	}
	return "keys:revoked"
}
