package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpoints persists resumable cursors of long runs.
type Checkpoints interface {
	Load(ctx context.Context, name string) (string, error)
	Save(ctx context.Context, name, cursor string) error
	Clear(ctx context.Context, name string) error
}

// MemoryCheckpoints keeps cursors in process memory.
type MemoryCheckpoints struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cursors: make(map[string]string)}
}

func (m *MemoryCheckpoints) Load(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[name], nil
}

func (m *MemoryCheckpoints) Save(_ context.Context, name, cursor string) error {
	m.mu.Lock()
	m.cursors[name] = cursor
	m.mu.Unlock()
	return nil
}

func (m *MemoryCheckpoints) Clear(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.cursors, name)
	m.mu.Unlock()
	return nil
}

// RedisCheckpoints stores cursors as expiring Redis strings.
type RedisCheckpoints struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCheckpoints(rdb *redis.Client, prefix string, ttl time.Duration) *RedisCheckpoints {
	return &RedisCheckpoints{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisCheckpoints) Load(ctx context.Context, name string) (string, error) {
	v, err := r.rdb.Get(ctx, r.prefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisCheckpoints) Save(ctx context.Context, name, cursor string) error {
	return r.rdb.Set(ctx, r.prefix+name, cursor, r.ttl).Err()
}

func (r *RedisCheckpoints) Clear(ctx context.Context, name string) error {
	return r.rdb.Del(ctx, r.prefix+name).Err()
}
