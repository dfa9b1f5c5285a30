package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/intent-solutions-io/git-with-intent/approval"
	"github.com/intent-solutions-io/git-with-intent/checkpoint"
	"github.com/intent-solutions-io/git-with-intent/gate"
	"github.com/intent-solutions-io/git-with-intent/policy"
	"github.com/intent-solutions-io/git-with-intent/runs"
)

func newTestRun(id string) *runs.Run {
	return &runs.Run{ID: id, TenantID: "t1", Type: runs.TypeAutopilot, Status: runs.StatusRunning}
}

func TestExecute_RunsUngatedPhasesInOrderAndCheckpoints(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)
	var executed []string

	phase := func(name string) PhaseFunc {
		return func(pc PhaseContext) (map[string]any, error) {
			executed = append(executed, name)
			return map[string]any{"from": name}, nil
		}
	}

	pipeline := Pipeline{
		{StepID: "analyze", Idempotent: true, Run: phase("analyze")},
		{StepID: "plan", Idempotent: true, Run: phase("plan")},
	}

	o := New(runs.NewMemStore(nil), cp, nil)
	r := newTestRun("run-1")

	if err := o.Execute(context.Background(), r, pipeline, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(executed) != 2 || executed[0] != "analyze" || executed[1] != "plan" {
		t.Fatalf("executed = %v, want [analyze plan]", executed)
	}

	cps, err := cp.List(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("len(checkpoints) = %d, want 2", len(cps))
	}
}

func TestExecute_PhaseErrorTerminatesRunAsFailed(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)
	boom := errors.New("boom")

	pipeline := Pipeline{
		{StepID: "analyze", Idempotent: true, Run: func(pc PhaseContext) (map[string]any, error) {
			return nil, boom
		}},
		{StepID: "plan", Idempotent: true, Run: func(pc PhaseContext) (map[string]any, error) {
			t.Fatalf("plan should not run after analyze fails")
			return nil, nil
		}},
	}

	o := New(runs.NewMemStore(nil), cp, nil)
	r := newTestRun("run-2")

	err := o.Execute(context.Background(), r, pipeline, nil)
	if err == nil {
		t.Fatalf("Execute: want error, got nil")
	}
	if r.Status != runs.StatusFailed {
		t.Fatalf("Status = %v, want failed", r.Status)
	}
	if r.Error == "" {
		t.Fatalf("Error not set on failed run")
	}
}

func TestExecute_TestPhaseFailureIsSoftAndRunContinues(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)
	var publishRan bool

	pipeline := Pipeline{
		{StepID: "test", Idempotent: true, SoftFailure: true, Run: func(pc PhaseContext) (map[string]any, error) {
			return nil, errors.New("assertion failed")
		}},
		{StepID: "publish", Run: func(pc PhaseContext) (map[string]any, error) {
			publishRan = true
			return map[string]any{"published": true}, nil
		}},
	}

	o := New(runs.NewMemStore(nil), cp, nil)
	r := newTestRun("run-3")

	if err := o.Execute(context.Background(), r, pipeline, nil); err != nil {
		t.Fatalf("Execute: %v (test-phase failure must be soft)", err)
	}
	if !publishRan {
		t.Fatalf("publish phase did not run after soft test failure")
	}
	if r.Status == runs.StatusFailed {
		t.Fatalf("Status = failed, want run to survive a soft test failure")
	}

	testStep := findStep(r, "test")
	if testStep == nil || testStep.Output["testsFailed"] != true {
		t.Fatalf("test step output missing testsFailed annotation: %+v", testStep)
	}
}

func TestExecute_ResumeFromCheckpointSkipsCompletedSteps(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)
	var executed []string

	phase := func(name string) PhaseFunc {
		return func(pc PhaseContext) (map[string]any, error) {
			executed = append(executed, name)
			return map[string]any{"from": name}, nil
		}
	}

	pipeline := Pipeline{
		{StepID: "analyze", Idempotent: true, Run: phase("analyze")},
		{StepID: "plan", Idempotent: true, Run: phase("plan")},
		{StepID: "apply", Run: phase("apply")},
	}

	resume := &runs.ResumeContext{
		Mode:              runs.ResumeFromCheckpoint,
		SkipStepIDs:       []string{"analyze", "plan"},
		CarryForwardState: map[string]any{"from": "plan"},
	}

	o := New(runs.NewMemStore(nil), cp, nil, WithClock(func() time.Time { return time.Unix(0, 0) }))
	r := newTestRun("run-4")

	if err := o.Execute(context.Background(), r, pipeline, resume); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(executed) != 1 || executed[0] != "apply" {
		t.Fatalf("executed = %v, want [apply] only", executed)
	}
}

func TestExecute_ReplayStepModeRunsOnlyNamedStep(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)
	var executed []string

	phase := func(name string) PhaseFunc {
		return func(pc PhaseContext) (map[string]any, error) {
			executed = append(executed, name)
			return map[string]any{}, nil
		}
	}

	pipeline := Pipeline{
		{StepID: "analyze", Idempotent: true, Run: phase("analyze")},
		{StepID: "plan", Idempotent: true, Run: phase("plan")},
	}

	resume := &runs.ResumeContext{Mode: runs.ResumeReplayStep, ReplayStepID: "plan"}
	o := New(runs.NewMemStore(nil), cp, nil)
	r := newTestRun("run-5")

	if err := o.Execute(context.Background(), r, pipeline, resume); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(executed) != 1 || executed[0] != "plan" {
		t.Fatalf("executed = %v, want [plan] only", executed)
	}
}

func TestExecute_SuccessfulRunIsMarkedCompletedAndPersisted(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)
	store := runs.NewMemStore(nil)

	pipeline := Pipeline{
		{StepID: "analyze", Idempotent: true, Run: func(pc PhaseContext) (map[string]any, error) {
			return map[string]any{"issues": 1}, nil
		}},
	}

	o := New(store, cp, nil)
	r := newTestRun("run-7")
	if err := store.Create(context.Background(), *r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := o.Execute(context.Background(), r, pipeline, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if r.Status != runs.StatusCompleted {
		t.Fatalf("Status = %v, want completed", r.Status)
	}
	if r.CompletedAt == nil {
		t.Fatalf("CompletedAt not set")
	}
	if r.Result["issues"] != 1 {
		t.Fatalf("Result = %v, want last phase output carried", r.Result)
	}

	stored, err := store.Get(context.Background(), "t1", "run-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != runs.StatusCompleted {
		t.Fatalf("stored Status = %v, want completed", stored.Status)
	}
	if len(stored.Steps) != 1 || stored.Steps[0].Status != "completed" {
		t.Fatalf("stored Steps = %+v, want one completed step", stored.Steps)
	}
}

func TestExecute_NonIdempotentPhaseLeavesBeginMarkerCheckpoint(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)

	pipeline := Pipeline{
		{StepID: "apply", Idempotent: false, Run: func(pc PhaseContext) (map[string]any, error) {
			return map[string]any{"applied": true}, nil
		}},
	}

	o := New(runs.NewMemStore(nil), cp, nil)
	r := newTestRun("run-8")

	if err := o.Execute(context.Background(), r, pipeline, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	cps, err := cp.List(context.Background(), "run-8")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("len(checkpoints) = %d, want begin marker + completion", len(cps))
	}
	marker := cps[0]
	if marker.Resumable || marker.Step.Status != "running" {
		t.Fatalf("begin marker = %+v, want non-resumable running marker", marker)
	}
	final := cps[1]
	if !final.Resumable || final.Step.Status != "completed" {
		t.Fatalf("final checkpoint = %+v, want resumable completed", final)
	}
}

func TestExecute_ReplayStepRefusesNonIdempotentStep(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)

	pipeline := Pipeline{
		{StepID: "apply", Idempotent: false, Run: func(pc PhaseContext) (map[string]any, error) {
			t.Fatalf("apply must not run under replay_step")
			return nil, nil
		}},
	}

	resume := &runs.ResumeContext{Mode: runs.ResumeReplayStep, ReplayStepID: "apply"}
	o := New(runs.NewMemStore(nil), cp, nil)
	r := newTestRun("run-9")

	err := o.Execute(context.Background(), r, pipeline, resume)
	if err == nil {
		t.Fatalf("Execute: want error replaying non-idempotent step")
	}
	if r.Status != runs.StatusFailed {
		t.Fatalf("Status = %v, want failed", r.Status)
	}
}

func TestExecute_CancellationIsHonoredBetweenPhases(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)
	store := runs.NewMemStore(nil)

	pipeline := Pipeline{
		{StepID: "analyze", Idempotent: true, Run: func(pc PhaseContext) (map[string]any, error) {
			// Cancel arrives while this phase is executing; the phase
			// itself finishes, the next one must not start.
			_, err := store.Update(pc.Context, "t1", "run-10", func(cur runs.Run) (runs.Run, error) {
				cur.Status = runs.StatusCancelled
				return cur, nil
			})
			return map[string]any{}, err
		}},
		{StepID: "plan", Idempotent: true, Run: func(pc PhaseContext) (map[string]any, error) {
			t.Fatalf("plan must not run after cancellation")
			return nil, nil
		}},
	}

	o := New(store, cp, nil)
	r := newTestRun("run-10")
	if err := store.Create(context.Background(), *r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := o.Execute(context.Background(), r, pipeline, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if r.Status != runs.StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", r.Status)
	}
}

func TestExecute_GatedPhaseWithoutApprovalFailsBeforePhaseBody(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)

	engine, err := policy.NewEngine(context.Background())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	g := gate.New(
		approval.NewFilesystemLoader(t.TempDir(), nil), // no approval files
		approval.NewVerifier(approval.NewKeyStore()),
		engine,
		nil,
	)

	var applyRan bool
	pipeline := Pipeline{
		{StepID: "apply", Idempotent: false,
			RequiredScopes: []approval.Scope{approval.ScopeCommit, approval.ScopePush},
			Run: func(pc PhaseContext) (map[string]any, error) {
				applyRan = true
				return nil, nil
			}},
	}

	o := New(runs.NewMemStore(nil), cp, g)
	r := newTestRun("run-11")
	r.Trigger.ActorID = "actor-1"

	err = o.Execute(context.Background(), r, pipeline, nil)
	if err == nil {
		t.Fatalf("Execute: want gate denial, got nil")
	}
	if applyRan {
		t.Fatalf("apply body ran despite missing approval")
	}
	if r.Status != runs.StatusFailed {
		t.Fatalf("Status = %v, want failed", r.Status)
	}
	if !strings.Contains(r.Error, "--scopes commit,push") {
		t.Fatalf("Error = %q, want the suggested approve command naming the missing scopes", r.Error)
	}
}

func TestExecute_TerminalRunRefusesExecution(t *testing.T) {
	cp := checkpoint.NewMemStore(nil)
	o := New(runs.NewMemStore(nil), cp, nil)
	r := newTestRun("run-6")
	r.Status = runs.StatusCompleted

	err := o.Execute(context.Background(), r, Pipeline{}, nil)
	if !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("Execute on terminal run: err = %v, want ErrRunTerminal", err)
	}
}
