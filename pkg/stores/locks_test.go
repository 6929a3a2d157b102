package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sitespinner/sitespinner/pkg/engine"
)

func TestAcquireAndRelease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lock, err := store.Acquire(ctx, "destination:peace", "run-1", time.Hour)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	_, err = store.Acquire(ctx, "destination:peace", "run-2", time.Hour)
	var locked *engine.LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if locked.Holder != "run-1" || locked.Key != "destination:peace" {
		t.Errorf("unexpected lock holder: %+v", locked)
	}

	// Another destination is independent.
	other, err := store.Acquire(ctx, "destination:love", "run-2", time.Hour)
	if err != nil {
		t.Fatalf("Acquire of other key failed: %v", err)
	}
	defer other.Release(ctx)

	// The holder can extend its own lock.
	if _, err := store.Acquire(ctx, "destination:peace", "run-1", 2*time.Hour); err != nil {
		t.Errorf("re-acquire by holder failed: %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	next, err := store.Acquire(ctx, "destination:peace", "run-2", time.Hour)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}

	// A stale handle does not release someone else's lock.
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("stale Release failed: %v", err)
	}
	if _, err := store.Acquire(ctx, "destination:peace", "run-3", time.Hour); err == nil {
		t.Error("expected lock to still be held by run-2")
	}
	next.Release(ctx)
}

func TestAcquireExpiredLock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if _, err := store.Acquire(ctx, "destination:peace", "crashed-run", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Acquire(ctx, "destination:peace", "run-2", time.Minute); err != nil {
		t.Fatalf("expected expired lock to be taken over, got %v", err)
	}

	action := "lock.taken_over"
	entries, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != "run-2" {
		t.Errorf("expected takeover to be audited, got %+v", entries)
	}

	locks, err := store.Locks(ctx)
	if err != nil {
		t.Fatalf("Locks failed: %v", err)
	}
	if len(locks) != 1 || locks[0].Owner != "run-2" {
		t.Errorf("unexpected locks: %+v", locks)
	}
}

func TestForceRelease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, "destination:peace", "run-1", time.Hour); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := store.ForceRelease(ctx, "destination:peace", "operator"); err != nil {
		t.Fatalf("ForceRelease failed: %v", err)
	}
	if err := store.ForceRelease(ctx, "destination:peace", "operator"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.Acquire(ctx, "destination:peace", "run-2", time.Hour); err != nil {
		t.Errorf("Acquire after force release failed: %v", err)
	}

	if _, err := store.Acquire(ctx, "destination:peace", "run-2", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}
