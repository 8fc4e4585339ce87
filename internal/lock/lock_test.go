package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalExclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "sweep", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "sweep", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := l.Acquire(ctx, "other", time.Minute); err != nil {
		t.Fatalf("independent key should be free: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "sweep", time.Minute); err != nil {
		t.Fatalf("released key should be free: %v", err)
	}
}

func TestLocalLeaseExpires(t *testing.T) {
	l := NewLocal()
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("expired lease should not block: %v", err)
	}
	// releasing the expired lease must not free the new holder
	_ = stale.Release(ctx)
	if _, err := l.Acquire(ctx, "k", time.Second); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestMemoryCheckpoints(t *testing.T) {
	c := NewMemoryCheckpoints()
	ctx := context.Background()
	if v, _ := c.Load(ctx, "buckets"); v != "" {
		t.Fatalf("unexpected cursor %q", v)
	}
	_ = c.Save(ctx, "buckets", "b:42")
	if v, _ := c.Load(ctx, "buckets"); v != "b:42" {
		t.Fatalf("cursor=%q", v)
	}
	_ = c.Clear(ctx, "buckets")
	if v, _ := c.Load(ctx, "buckets"); v != "" {
		t.Fatalf("cursor not cleared: %q", v)
	}
}
