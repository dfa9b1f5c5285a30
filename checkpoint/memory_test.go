package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/intent-solutions-io/git-with-intent/runs"
)

func TestMemStore_ListOrdersByTimestampThenInsertion(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Two checkpoints share a timestamp; insertion order must break the tie.
	cps := []runs.Checkpoint{
		{RunID: "run-1", Step: runs.Step{StepID: "analyze", Status: "completed"}, Resumable: true, Idempotent: true, Timestamp: t0},
		{RunID: "run-1", Step: runs.Step{StepID: "plan", Status: "completed"}, Resumable: true, Idempotent: true, Timestamp: t0},
		{RunID: "run-1", Step: runs.Step{StepID: "apply", Status: "completed"}, Resumable: true, Idempotent: false, Timestamp: t0.Add(time.Second)},
	}
	for _, cp := range cps {
		if err := s.Save(ctx, "run-1", cp); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := s.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d checkpoints, want 3", len(got))
	}
	wantOrder := []string{"analyze", "plan", "apply"}
	for i, w := range wantOrder {
		if got[i].Step.StepID != w {
			t.Fatalf("checkpoint %d = %q, want %q (ordering invariant)", i, got[i].Step.StepID, w)
		}
	}
}

func TestMemStore_LatestReturnsMostRecentCompleted(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.Save(ctx, "run-2", runs.Checkpoint{RunID: "run-2", Step: runs.Step{StepID: "analyze", Status: "completed"}, Resumable: true, Idempotent: true, Timestamp: t0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "run-2", runs.Checkpoint{RunID: "run-2", Step: runs.Step{StepID: "plan", Status: "completed"}, Resumable: true, Idempotent: true, Timestamp: t0.Add(time.Second)}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	latest, err := s.Latest(ctx, "run-2")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Step.StepID != "plan" {
		t.Fatalf("Latest = %q, want plan", latest.Step.StepID)
	}
}

func TestMemStore_LatestOnEmptyRunReturnsNotFound(t *testing.T) {
	s := NewMemStore(nil)
	if _, err := s.Latest(context.Background(), "no-such-run"); err != ErrNotFound {
		t.Fatalf("Latest on empty run = %v, want ErrNotFound", err)
	}
}

func TestMemStore_ClearRemovesAllCheckpoints(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	t0 := time.Now()

	if err := s.Save(ctx, "run-3", runs.Checkpoint{RunID: "run-3", Step: runs.Step{StepID: "analyze", Status: "completed"}, Timestamp: t0}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(ctx, "run-3"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	exists, err := s.Exists(ctx, "run-3")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatalf("Exists = true after Clear, want false")
	}
}
