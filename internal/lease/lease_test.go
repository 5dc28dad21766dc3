package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testMutex(t *testing.T, ttl time.Duration) (*Mutex, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, ttl), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	m, _ := testMutex(t, time.Minute)

	l, err := m.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := m.Acquire(ctx, "job-1"); !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire: got %v, want ErrHeld", err)
	}

	// A different job id is independent.
	if _, err := m.Acquire(ctx, "job-2"); err != nil {
		t.Fatalf("acquire other job: %v", err)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, "job-1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLeaseExpiresForCrashedHolder(t *testing.T) {
	ctx := context.Background()
	m, mr := testMutex(t, time.Second)

	stale, err := m.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(2 * time.Second)

	fresh, err := m.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	// The stale lease must not be able to release or extend the new hold.
	if err := stale.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("stale release: got %v, want ErrNotHeld", err)
	}
	if err := stale.Extend(ctx, time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("stale extend: got %v, want ErrNotHeld", err)
	}
	if err := fresh.Release(ctx); err != nil {
		t.Fatalf("fresh release: %v", err)
	}
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	m, mr := testMutex(t, time.Second)

	l, err := m.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Extend(ctx, 10*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}

	mr.FastForward(2 * time.Second)

	if _, err := m.Acquire(ctx, "job-1"); !errors.Is(err, ErrHeld) {
		t.Fatalf("acquire during extended lease: got %v, want ErrHeld", err)
	}
}
