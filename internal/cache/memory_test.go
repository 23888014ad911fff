package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockerExcludesConcurrentHolders(t *testing.T) {
	t.Parallel()

	locker, err := NewMemoryLocker()
	if err != nil {
		t.Fatalf("NewMemoryLocker() error = %v", err)
	}
	ctx := context.Background()

	token, ok, err := locker.Acquire(ctx, TaskKey("sweeper"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v; want ok", ok, err)
	}
	if _, ok, _ := locker.Acquire(ctx, TaskKey("sweeper"), time.Minute); ok {
		t.Fatal("second Acquire() succeeded while the lock was held")
	}
	if _, ok, _ := locker.Acquire(ctx, TaskKey("deleter"), time.Minute); !ok {
		t.Fatal("Acquire() on another key failed")
	}

	if err := locker.Release(ctx, TaskKey("sweeper"), "someone-else"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("Release() with a foreign token error = %v, want ErrNotHeld", err)
	}
	if err := locker.Release(ctx, TaskKey("sweeper"), token); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok, _ := locker.Acquire(ctx, TaskKey("sweeper"), time.Minute); !ok {
		t.Fatal("Acquire() after Release() failed")
	}
}

func TestMemoryLockerLeaseExpires(t *testing.T) {
	t.Parallel()

	locker, err := NewMemoryLocker()
	if err != nil {
		t.Fatalf("NewMemoryLocker() error = %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	stale, ok, _ := locker.Acquire(ctx, "k", time.Second)
	if !ok {
		t.Fatal("Acquire() failed")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := locker.Acquire(ctx, "k", time.Second); !ok {
		t.Fatal("Acquire() after expiry failed")
	}
	if err := locker.Release(ctx, "k", stale); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("Release() of an expired lease error = %v, want ErrNotHeld", err)
	}
}

func TestNewLockerRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	if _, err := NewLocker(Config{Provider: "etcd"}); err == nil {
		t.Fatal("NewLocker() error = nil, want error")
	}
}
