package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/intent-solutions-io/git-with-intent/checkpoint"
	"github.com/intent-solutions-io/git-with-intent/heartbeat"
	"github.com/intent-solutions-io/git-with-intent/jobqueue"
	"github.com/intent-solutions-io/git-with-intent/runs"
)

var errBoom = errors.New("jobqueue: enqueue refused")

func seedOrphan(t *testing.T, store *runs.MemStore, id string, status runs.Status, lastHeartbeat time.Time) {
	t.Helper()
	r := runs.Run{
		ID:              id,
		TenantID:        "t1",
		Type:            runs.TypeAutopilot,
		Status:          status,
		OwnerID:         "old-owner",
		LastHeartbeatAt: lastHeartbeat,
	}
	if err := store.Create(context.Background(), r); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func newFixture(t *testing.T) (*runs.MemStore, *checkpoint.MemStore, *jobqueue.MemStore, *heartbeat.Service) {
	t.Helper()
	runStore := runs.NewMemStore(nil)
	cpStore := checkpoint.NewMemStore(nil)
	jobStore := jobqueue.NewMemStore(nil)
	hb := heartbeat.NewService(runStore, heartbeat.WithOwnerID("recovering-owner"))
	return runStore, cpStore, jobStore, hb
}

// TestRecover_SkipsTerminalRuns exercises recoverOne directly: a run
// that reached a terminal status between the orphan scan and recovery
// (a narrow race) must be skipped, never failed or resumed. In
// practice heartbeat.ListOrphanedRuns already filters these out before
// Recover ever sees them, so this guards the decision tree's own
// defense in depth.
func TestRecover_SkipsTerminalRuns(t *testing.T) {
	runStore, cpStore, jobStore, hb := newFixture(t)
	old := time.Now().Add(-time.Hour)
	r := runs.Run{ID: "run-done", TenantID: "t1", Type: runs.TypeAutopilot, Status: runs.StatusCompleted, LastHeartbeatAt: old}

	o := New(runStore, cpStore, jobStore, hb)
	outcome := o.recoverOne(context.Background(), r, "recovering-owner")
	if outcome.Verdict != VerdictSkip {
		t.Fatalf("Verdict = %v, want skip", outcome.Verdict)
	}
}

func TestRecover_FailsRunWithNoCheckpoints(t *testing.T) {
	runStore, cpStore, jobStore, hb := newFixture(t)
	old := time.Now().Add(-time.Hour)
	seedOrphan(t, runStore, "run-nocp", runs.StatusRunning, old)

	o := New(runStore, cpStore, jobStore, hb)
	summary, err := o.Recover(context.Background(), "t1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if summary.FailedCount != 1 {
		t.Fatalf("FailedCount = %d, want 1", summary.FailedCount)
	}
	outcome := summary.Runs[0]
	if outcome.Verdict != VerdictFail {
		t.Fatalf("Verdict = %v, want fail", outcome.Verdict)
	}

	updated, err := runStore.Get(context.Background(), "t1", "run-nocp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status != runs.StatusFailed {
		t.Fatalf("Status = %v, want failed", updated.Status)
	}
	if updated.Error == "" {
		t.Fatalf("Error not set on failed run")
	}
}

func TestRecover_FailsRunWithNoResumableCheckpoint(t *testing.T) {
	runStore, cpStore, jobStore, hb := newFixture(t)
	old := time.Now().Add(-time.Hour)
	seedOrphan(t, runStore, "run-notresumable", runs.StatusRunning, old)

	if err := cpStore.Save(context.Background(), "run-notresumable", runs.Checkpoint{
		RunID:     "run-notresumable",
		Step:      runs.Step{StepID: "apply", Status: "completed"},
		Resumable: false,
		Timestamp: old,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	o := New(runStore, cpStore, jobStore, hb)
	summary, err := o.Recover(context.Background(), "t1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if summary.FailedCount != 1 {
		t.Fatalf("FailedCount = %d, want 1", summary.FailedCount)
	}
}

func TestRecover_ResumesOrphanWithResumableCheckpointAndReenqueues(t *testing.T) {
	runStore, cpStore, jobStore, hb := newFixture(t)
	old := time.Now().Add(-time.Hour)
	seedOrphan(t, runStore, "run-resumable", runs.StatusRunning, old)

	if err := cpStore.Save(context.Background(), "run-resumable", runs.Checkpoint{
		RunID:     "run-resumable",
		Step:      runs.Step{StepID: "analyze", Status: "completed", Output: map[string]any{"x": 1}},
		Resumable: true,
		Timestamp: old,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	o := New(runStore, cpStore, jobStore, hb)
	summary, err := o.Recover(context.Background(), "t1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if summary.ResumedCount != 1 {
		t.Fatalf("ResumedCount = %d, want 1 (reason %q)", summary.ResumedCount, summary.Runs[0].Reason)
	}

	updated, err := runStore.Get(context.Background(), "t1", "run-resumable")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status != runs.StatusRunning {
		t.Fatalf("Status = %v, want running", updated.Status)
	}
	if updated.OwnerID != "recovering-owner" {
		t.Fatalf("OwnerID = %q, want recovering-owner", updated.OwnerID)
	}
	if updated.ResumeCount != 1 {
		t.Fatalf("ResumeCount = %d, want 1", updated.ResumeCount)
	}

	job, err := jobStore.Get(context.Background(), "resume-run-resumable-1")
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if job.Type != "resume_run" {
		t.Fatalf("job.Type = %q, want resume_run", job.Type)
	}
}

// TestRecover_FailsRunCrashedInsideNonIdempotentPhase covers the
// crash-mid-apply shape: analyze and plan completed, apply began (its
// non-resumable begin marker is the newest checkpoint) and the worker
// died. Resuming would replay a partially-applied phase, so recovery
// must fail the run instead.
func TestRecover_FailsRunCrashedInsideNonIdempotentPhase(t *testing.T) {
	runStore, cpStore, jobStore, hb := newFixture(t)
	base := time.Now().Add(-time.Hour)
	seedOrphan(t, runStore, "run-midapply", runs.StatusRunning, base)

	for i, cp := range []runs.Checkpoint{
		{Step: runs.Step{StepID: "analyze", Status: "completed"}, Resumable: true, Idempotent: true},
		{Step: runs.Step{StepID: "plan", Status: "completed"}, Resumable: true, Idempotent: true},
		{Step: runs.Step{StepID: "apply", Status: "running"}, Resumable: false, Idempotent: false},
	} {
		cp.RunID = "run-midapply"
		cp.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := cpStore.Save(context.Background(), "run-midapply", cp); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	o := New(runStore, cpStore, jobStore, hb)
	summary, err := o.Recover(context.Background(), "t1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if summary.FailedCount != 1 || summary.ResumedCount != 0 {
		t.Fatalf("summary = %+v, want fail (not resume) for a crash inside apply", summary)
	}

	updated, err := runStore.Get(context.Background(), "t1", "run-midapply")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status != runs.StatusFailed {
		t.Fatalf("Status = %v, want failed", updated.Status)
	}
	if !strings.Contains(updated.Error, "No resumable checkpoint found") {
		t.Fatalf("Error = %q, want no-resumable-checkpoint diagnostic", updated.Error)
	}
}

// TestRecover_ResumesRunCrashedAfterNonIdempotentCheckpoint covers the
// crash-after-apply shape: apply's completed resumable checkpoint is
// newer than its begin marker, so recovery resumes and the skip set
// covers everything through apply.
func TestRecover_ResumesRunCrashedAfterNonIdempotentCheckpoint(t *testing.T) {
	runStore, cpStore, jobStore, hb := newFixture(t)
	base := time.Now().Add(-time.Hour)
	seedOrphan(t, runStore, "run-postapply", runs.StatusRunning, base)

	for i, cp := range []runs.Checkpoint{
		{Step: runs.Step{StepID: "analyze", Status: "completed"}, Resumable: true, Idempotent: true},
		{Step: runs.Step{StepID: "plan", Status: "completed"}, Resumable: true, Idempotent: true},
		{Step: runs.Step{StepID: "apply", Status: "running"}, Resumable: false, Idempotent: false},
		{Step: runs.Step{StepID: "apply", Status: "completed", Output: map[string]any{"patched": true}}, Resumable: true, Idempotent: false},
	} {
		cp.RunID = "run-postapply"
		cp.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := cpStore.Save(context.Background(), "run-postapply", cp); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	o := New(runStore, cpStore, jobStore, hb)
	summary, err := o.Recover(context.Background(), "t1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if summary.ResumedCount != 1 {
		t.Fatalf("summary = %+v, want resume after apply's completed checkpoint", summary)
	}

	job, err := jobStore.Get(context.Background(), "resume-run-postapply-1")
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	skips, _ := job.Payload["skipStepIds"].([]string)
	want := map[string]bool{"analyze": true, "plan": true, "apply": true}
	if len(skips) != 3 {
		t.Fatalf("skipStepIds = %v, want analyze, plan, apply", skips)
	}
	for _, s := range skips {
		if !want[s] {
			t.Fatalf("unexpected skip step %q", s)
		}
	}
}

func TestRecover_ReenqueueFailureFlipsVerdictToFail(t *testing.T) {
	runStore, cpStore, _, hb := newFixture(t)
	old := time.Now().Add(-time.Hour)
	seedOrphan(t, runStore, "run-badqueue", runs.StatusRunning, old)

	if err := cpStore.Save(context.Background(), "run-badqueue", runs.Checkpoint{
		RunID:     "run-badqueue",
		Step:      runs.Step{StepID: "analyze", Status: "completed"},
		Resumable: true,
		Timestamp: old,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	o := New(runStore, cpStore, failingJobStore{}, hb)
	summary, err := o.Recover(context.Background(), "t1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if summary.FailedCount != 1 || summary.ResumedCount != 0 {
		t.Fatalf("summary = %+v, want a single failed outcome when re-enqueue fails", summary)
	}

	updated, err := runStore.Get(context.Background(), "t1", "run-badqueue")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status != runs.StatusFailed {
		t.Fatalf("Status = %v, want failed after reenqueue failure (non-negotiable)", updated.Status)
	}
}

// failingJobStore always refuses to enqueue, to exercise the
// non-negotiable reenqueue-failure-flips-to-fail path.
type failingJobStore struct{}

func (failingJobStore) Enqueue(ctx context.Context, job jobqueue.Job) error {
	return errBoom
}
func (failingJobStore) Claim(ctx context.Context, claimedBy string, n int, now time.Time) ([]jobqueue.Job, error) {
	return nil, nil
}
func (failingJobStore) Heartbeat(ctx context.Context, id, claimedBy string, now time.Time) error {
	return nil
}
func (failingJobStore) Start(ctx context.Context, id, claimedBy string, now time.Time) error {
	return nil
}
func (failingJobStore) Complete(ctx context.Context, id, claimedBy string, result map[string]any, now time.Time) error {
	return nil
}
func (failingJobStore) Fail(ctx context.Context, id, claimedBy, reason string, now time.Time) (jobqueue.Job, error) {
	return jobqueue.Job{}, nil
}
func (failingJobStore) Get(ctx context.Context, id string) (jobqueue.Job, error) {
	return jobqueue.Job{}, jobqueue.ErrNotFound
}
