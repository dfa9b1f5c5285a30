package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func enqueue(t *testing.T, store *MemStore, id string, priority, maxRetries int) {
	t.Helper()
	if err := store.Enqueue(context.Background(), Job{
		ID: id, Type: "resume_run", TenantID: "t1", Priority: priority, MaxRetries: maxRetries,
	}); err != nil {
		t.Fatalf("Enqueue(%s): %v", id, err)
	}
}

func TestClaim_HighestPriorityFirstAndExclusive(t *testing.T) {
	store := NewMemStore(nil)
	enqueue(t, store, "low", 1, 3)
	enqueue(t, store, "high", 10, 3)

	now := time.Now()
	claimed, err := store.Claim(context.Background(), "worker-a", 1, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "high" {
		t.Fatalf("claimed = %+v, want the high-priority job first", claimed)
	}
	if claimed[0].Status != StatusClaimed || claimed[0].ClaimedBy != "worker-a" {
		t.Fatalf("claimed job = %+v, want status claimed by worker-a", claimed[0])
	}

	// A second worker must not see the already-claimed job.
	claimed2, err := store.Claim(context.Background(), "worker-b", 2, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed2) != 1 || claimed2[0].ID != "low" {
		t.Fatalf("second claim = %+v, want only the remaining pending job", claimed2)
	}
}

func TestLifecycle_ClaimStartComplete(t *testing.T) {
	store := NewMemStore(nil)
	enqueue(t, store, "j1", 0, 3)
	now := time.Now()

	if _, err := store.Claim(context.Background(), "w1", 1, now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Start(context.Background(), "j1", "w1", now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := store.Complete(context.Background(), "j1", "w1", map[string]any{"ok": true}, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	j, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusCompleted || j.CompletedAt == nil {
		t.Fatalf("job = %+v, want completed with CompletedAt", j)
	}
}

func TestLifecycle_OwnershipEnforced(t *testing.T) {
	store := NewMemStore(nil)
	enqueue(t, store, "j1", 0, 3)
	now := time.Now()

	if _, err := store.Claim(context.Background(), "w1", 1, now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Start(context.Background(), "j1", "intruder", now); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("Start by non-claimant err = %v, want ErrNotClaimed", err)
	}
	if err := store.Heartbeat(context.Background(), "j1", "intruder", now); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("Heartbeat by non-claimant err = %v, want ErrNotClaimed", err)
	}
}

func TestFail_ReturnsToPendingUntilRetriesExhausted(t *testing.T) {
	store := NewMemStore(nil)
	enqueue(t, store, "j1", 0, 2)
	now := time.Now()

	// First failure: attempts 1 < 2, back to pending.
	if _, err := store.Claim(context.Background(), "w1", 1, now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	j, err := store.Fail(context.Background(), "j1", "w1", "transient", now)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if j.Status != StatusPending || j.Attempts != 1 || j.ClaimedBy != "" {
		t.Fatalf("job after first failure = %+v, want pending, unclaimed, attempts=1", j)
	}

	// Second failure: attempts 2 == MaxRetries, dead-lettered.
	if _, err := store.Claim(context.Background(), "w1", 1, now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	j, err = store.Fail(context.Background(), "j1", "w1", "still broken", now)
	if !errors.Is(err, ErrDeadLettered) {
		t.Fatalf("Fail err = %v, want ErrDeadLettered", err)
	}
	if j.Status != StatusDeadLetter {
		t.Fatalf("job = %+v, want dead_letter", j)
	}

	// Dead-lettered jobs are never claimed again.
	claimed, err := store.Claim(context.Background(), "w2", 1, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed = %+v, want dead-lettered job to stay buried", claimed)
	}
}
