package worker

import (
	"context"
	"testing"
	"time"

	"github.com/intent-solutions-io/git-with-intent/checkpoint"
	"github.com/intent-solutions-io/git-with-intent/heartbeat"
	"github.com/intent-solutions-io/git-with-intent/jobqueue"
	"github.com/intent-solutions-io/git-with-intent/orchestrator"
	"github.com/intent-solutions-io/git-with-intent/recovery"
	"github.com/intent-solutions-io/git-with-intent/runs"
)

func newTestWorker(t *testing.T, pipeline orchestrator.Pipeline) (*Worker, *runs.MemStore, *jobqueue.MemStore) {
	t.Helper()
	runStore := runs.NewMemStore(nil)
	cpStore := checkpoint.NewMemStore(nil)
	jobStore := jobqueue.NewMemStore(nil)
	hb := heartbeat.NewService(runStore, heartbeat.WithOwnerID("worker-under-test"))
	t.Cleanup(hb.Shutdown)
	orch := orchestrator.New(runStore, cpStore, nil)
	rec := recovery.New(runStore, cpStore, jobStore, hb)

	w := New(DefaultConfig(), jobStore, runStore, orch, hb, rec,
		map[runs.Type]orchestrator.Pipeline{runs.TypeAutopilot: pipeline})
	return w, runStore, jobStore
}

func seedRunAndJob(t *testing.T, runStore *runs.MemStore, jobStore *jobqueue.MemStore, runID, jobType string, payload map[string]any) jobqueue.Job {
	t.Helper()
	if err := runStore.Create(context.Background(), runs.Run{
		ID: runID, TenantID: "t1", Type: runs.TypeAutopilot, Status: runs.StatusPending,
	}); err != nil {
		t.Fatalf("Create run: %v", err)
	}
	job := jobqueue.Job{ID: "job-" + runID, Type: jobType, TenantID: "t1", RunID: runID, Payload: payload, MaxRetries: 3}
	if err := jobStore.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := jobStore.Claim(context.Background(), "worker-under-test", 1, time.Now())
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim: %v (%d claimed)", err, len(claimed))
	}
	return claimed[0]
}

func TestHandleJob_StartRunDrivesPipelineAndCompletesJob(t *testing.T) {
	var executed []string
	pipeline := orchestrator.Pipeline{
		{StepID: "analyze", Idempotent: true, Run: func(pc orchestrator.PhaseContext) (map[string]any, error) {
			executed = append(executed, "analyze")
			return map[string]any{"ok": true}, nil
		}},
	}
	w, runStore, jobStore := newTestWorker(t, pipeline)
	job := seedRunAndJob(t, runStore, jobStore, "run-1", JobTypeStartRun, nil)

	w.handleJob(context.Background(), job)

	if len(executed) != 1 {
		t.Fatalf("executed = %v, want the pipeline to run once", executed)
	}
	settled, err := jobStore.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if settled.Status != jobqueue.StatusCompleted {
		t.Fatalf("job status = %v, want completed", settled.Status)
	}
	r, err := runStore.Get(context.Background(), "t1", "run-1")
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if r.Status != runs.StatusCompleted {
		t.Fatalf("run status = %v, want completed", r.Status)
	}
}

func TestHandleJob_ResumeRunSkipsCompletedSteps(t *testing.T) {
	var executed []string
	phase := func(name string) orchestrator.PhaseFunc {
		return func(pc orchestrator.PhaseContext) (map[string]any, error) {
			executed = append(executed, name)
			return map[string]any{}, nil
		}
	}
	pipeline := orchestrator.Pipeline{
		{StepID: "analyze", Idempotent: true, Run: phase("analyze")},
		{StepID: "plan", Idempotent: true, Run: phase("plan")},
	}
	w, runStore, jobStore := newTestWorker(t, pipeline)
	job := seedRunAndJob(t, runStore, jobStore, "run-2", JobTypeResumeRun, map[string]any{
		"resumeMode":  "from_checkpoint",
		"skipStepIds": []any{"analyze"},
	})

	w.handleJob(context.Background(), job)

	if len(executed) != 1 || executed[0] != "plan" {
		t.Fatalf("executed = %v, want only plan", executed)
	}
}

func TestHandleJob_PhaseFailureFailsJobForRetry(t *testing.T) {
	pipeline := orchestrator.Pipeline{
		{StepID: "analyze", Idempotent: true, Run: func(pc orchestrator.PhaseContext) (map[string]any, error) {
			return nil, context.DeadlineExceeded
		}},
	}
	w, runStore, jobStore := newTestWorker(t, pipeline)
	job := seedRunAndJob(t, runStore, jobStore, "run-3", JobTypeStartRun, nil)

	w.handleJob(context.Background(), job)

	settled, err := jobStore.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if settled.Status != jobqueue.StatusPending || settled.Attempts != 1 {
		t.Fatalf("job = %+v, want back to pending with one recorded attempt", settled)
	}
}

func TestHandleJob_UnknownJobTypeFails(t *testing.T) {
	w, runStore, jobStore := newTestWorker(t, orchestrator.Pipeline{})
	job := seedRunAndJob(t, runStore, jobStore, "run-4", "reticulate_splines", nil)

	w.handleJob(context.Background(), job)

	settled, err := jobStore.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get job: %v", err)
	}
	if settled.Status != jobqueue.StatusPending {
		t.Fatalf("job status = %v, want failed back to pending", settled.Status)
	}
}

func TestDecodeResumeContext(t *testing.T) {
	rc, err := decodeResumeContext(map[string]any{
		"resumeMode":        "replay_step",
		"replayStepId":      "test",
		"skipStepIds":       []string{"analyze", "plan"},
		"carryForwardState": map[string]any{"x": 1},
	})
	if err != nil {
		t.Fatalf("decodeResumeContext: %v", err)
	}
	if rc.Mode != runs.ResumeReplayStep || rc.ReplayStepID != "test" {
		t.Fatalf("rc = %+v", rc)
	}
	if len(rc.SkipStepIDs) != 2 || rc.CarryForwardState["x"] != 1 {
		t.Fatalf("rc = %+v", rc)
	}

	if _, err := decodeResumeContext(map[string]any{"skipStepIds": "not-a-list"}); err == nil {
		t.Fatalf("want error for malformed skipStepIds")
	}
}
