package seedlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLockerExclusivity(t *testing.T) {
	locker := NewMemoryLocker(4 * time.Second)
	ctx := context.Background()

	ok, err := locker.TryAcquire(ctx, "doc-1", "alice")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !ok {
		t.Fatal("first TryAcquire() denied")
	}

	ok, err = locker.TryAcquire(ctx, "doc-1", "bob")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a live lock")
	}

	// A different document is independent.
	ok, _ = locker.TryAcquire(ctx, "doc-2", "bob")
	if !ok {
		t.Fatal("TryAcquire() denied on an unrelated document")
	}
}

func TestMemoryLockerSameHolderReacquires(t *testing.T) {
	locker := NewMemoryLocker(4 * time.Second)
	ctx := context.Background()

	if ok, _ := locker.TryAcquire(ctx, "doc-1", "alice"); !ok {
		t.Fatal("first TryAcquire() denied")
	}
	if ok, _ := locker.TryAcquire(ctx, "doc-1", "alice"); !ok {
		t.Fatal("same holder could not re-acquire")
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	locker := NewMemoryLocker(4 * time.Second)
	ctx := context.Background()

	now := time.Now()
	locker.SetClock(func() time.Time { return now })

	if ok, _ := locker.TryAcquire(ctx, "doc-1", "alice"); !ok {
		t.Fatal("first TryAcquire() denied")
	}

	// Inside the TTL the lock holds.
	now = now.Add(3 * time.Second)
	if ok, _ := locker.TryAcquire(ctx, "doc-1", "bob"); ok {
		t.Fatal("lock fell inside the TTL")
	}

	// Past the TTL staleness is the release.
	now = now.Add(2 * time.Second)
	if ok, _ := locker.TryAcquire(ctx, "doc-1", "bob"); !ok {
		t.Fatal("stale lock was not granted to a new holder")
	}

	// And the new record protects the new holder.
	if ok, _ := locker.TryAcquire(ctx, "doc-1", "alice"); ok {
		t.Fatal("old holder re-acquired over a fresh record")
	}
}

func newTestRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLockerWithClient(client, ttl), mr
}

func TestRedisLockerExclusivity(t *testing.T) {
	locker, _ := newTestRedisLocker(t, 4*time.Second)
	ctx := context.Background()

	ok, err := locker.TryAcquire(ctx, "doc-1", "alice")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !ok {
		t.Fatal("first TryAcquire() denied")
	}

	ok, err = locker.TryAcquire(ctx, "doc-1", "bob")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a live lock")
	}

	if ok, _ := locker.TryAcquire(ctx, "doc-1", "alice"); !ok {
		t.Fatal("same holder could not re-acquire")
	}
}

func TestRedisLockerStaleRecord(t *testing.T) {
	locker, _ := newTestRedisLocker(t, 4*time.Second)
	ctx := context.Background()

	now := time.Now()
	locker.now = func() time.Time { return now }

	if ok, _ := locker.TryAcquire(ctx, "doc-1", "alice"); !ok {
		t.Fatal("first TryAcquire() denied")
	}

	// The record is still stored but its stamp is past the TTL.
	now = now.Add(5 * time.Second)
	ok, err := locker.TryAcquire(ctx, "doc-1", "bob")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !ok {
		t.Fatal("stale record was not overridden")
	}
}

func TestRedisLockerKeyExpiry(t *testing.T) {
	locker, mr := newTestRedisLocker(t, 4*time.Second)
	ctx := context.Background()

	if ok, _ := locker.TryAcquire(ctx, "doc-1", "alice"); !ok {
		t.Fatal("first TryAcquire() denied")
	}
	if !mr.Exists("seedlock:doc-1") {
		t.Fatal("lock key missing after acquire")
	}

	// The Redis key carries twice the TTL; after that it is simply gone.
	mr.FastForward(9 * time.Second)
	if mr.Exists("seedlock:doc-1") {
		t.Fatal("lock key survived its expiry")
	}
	if ok, _ := locker.TryAcquire(ctx, "doc-1", "bob"); !ok {
		t.Fatal("TryAcquire() denied after key expiry")
	}
}

func TestRedisLockerCorruptRecord(t *testing.T) {
	locker, mr := newTestRedisLocker(t, 4*time.Second)
	ctx := context.Background()

	mr.Set("seedlock:doc-1", "not json")
	ok, err := locker.TryAcquire(ctx, "doc-1", "alice")
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !ok {
		t.Fatal("corrupt record blocked acquisition")
	}
}
