package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/intent-solutions-io/git-with-intent/runs"
)

func newTestRun(tenantID, id string, hb time.Time) runs.Run {
	return runs.Run{
		ID: id, TenantID: tenantID, Type: runs.TypeAutopilot, Status: runs.StatusRunning,
		LastHeartbeatAt: hb, CreatedAt: hb, UpdatedAt: hb,
	}
}

func TestStartHeartbeat_StampsOnTick(t *testing.T) {
	store := runs.NewMemStore(nil)
	now := time.Now()
	if err := store.Create(context.Background(), newTestRun("t1", "r1", now)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	svc := NewService(store, WithInterval(10*time.Millisecond))
	if err := svc.StartHeartbeat("t1", "r1"); err != nil {
		t.Fatalf("StartHeartbeat: %v", err)
	}
	defer svc.Shutdown()

	time.Sleep(50 * time.Millisecond)

	r, err := store.Get(context.Background(), "t1", "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.OwnerID != svc.OwnerID() {
		t.Fatalf("OwnerID = %q, want %q", r.OwnerID, svc.OwnerID())
	}
	if !r.LastHeartbeatAt.After(now) {
		t.Fatalf("LastHeartbeatAt not advanced: %v", r.LastHeartbeatAt)
	}
}

func TestStopHeartbeat_SynchronouslyStopsTimer(t *testing.T) {
	store := runs.NewMemStore(nil)
	now := time.Now()
	_ = store.Create(context.Background(), newTestRun("t1", "r1", now))

	svc := NewService(store, WithInterval(5*time.Millisecond))
	_ = svc.StartHeartbeat("t1", "r1")
	svc.StopHeartbeat("r1")

	r1, _ := store.Get(context.Background(), "t1", "r1")
	time.Sleep(30 * time.Millisecond)
	r2, _ := store.Get(context.Background(), "t1", "r1")
	if !r1.LastHeartbeatAt.Equal(r2.LastHeartbeatAt) {
		t.Fatalf("heartbeat still advancing after StopHeartbeat: %v -> %v", r1.LastHeartbeatAt, r2.LastHeartbeatAt)
	}
}

func TestShutdown_RefusesNewStarts(t *testing.T) {
	store := runs.NewMemStore(nil)
	svc := NewService(store)
	svc.Shutdown()

	if err := svc.StartHeartbeat("t1", "r1"); err == nil {
		t.Fatalf("StartHeartbeat after Shutdown should error")
	}
}

func TestTickLoop_StopsItselfWhenRunGoesTerminal(t *testing.T) {
	store := runs.NewMemStore(nil)
	now := time.Now()
	_ = store.Create(context.Background(), newTestRun("t1", "r1", now))

	svc := NewService(store, WithInterval(5*time.Millisecond))
	if err := svc.StartHeartbeat("t1", "r1"); err != nil {
		t.Fatalf("StartHeartbeat: %v", err)
	}
	defer svc.Shutdown()

	if _, err := store.Update(context.Background(), "t1", "r1", func(r runs.Run) (runs.Run, error) {
		r.Status = runs.StatusCompleted
		return r, nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		svc.mu.Lock()
		_, stillTicking := svc.timers["r1"]
		svc.mu.Unlock()
		if !stillTicking {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timer for terminal run was never retired (tickLoop likely deadlocked)")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestListOrphanedRuns_FindsStaleInFlightOnly(t *testing.T) {
	store := runs.NewMemStore(nil)
	now := time.Now()
	_ = store.Create(context.Background(), newTestRun("t1", "stale", now.Add(-10*time.Minute)))
	_ = store.Create(context.Background(), newTestRun("t1", "fresh", now))
	completed := newTestRun("t1", "done", now.Add(-10*time.Minute))
	completed.Status = runs.StatusCompleted
	_ = store.Create(context.Background(), completed)

	svc := NewService(store, WithClock(func() time.Time { return now }))
	orphans, err := svc.ListOrphanedRuns(context.Background(), "t1", DefaultStaleThreshold)
	if err != nil {
		t.Fatalf("ListOrphanedRuns: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "stale" {
		t.Fatalf("orphans = %+v, want only 'stale'", orphans)
	}
}
