// Package lock serializes rebuild runs across instances and remembers how far
// an interrupted run got.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock: already held")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	until := now.Add(ttl)
	l.held[key] = until
	return &localLease{l: l, key: key, until: until}, nil
}

type localLease struct {
	l     *Local
	key   string
	until time.Time
}

func (ll *localLease) Release(context.Context) error {
	ll.l.mu.Lock()
	defer ll.l.mu.Unlock()
	if cur, ok := ll.l.held[ll.key]; ok && cur.Equal(ll.until) {
		delete(ll.l.held, ll.key)
	}
	return nil
}

// Redis is a Locker backed by redislock.
type Redis struct {
	client *redislock.Client
	prefix string
}

// NewRedis wraps rdb. Keys are namespaced with prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{client: redislock.New(rdb), prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}
