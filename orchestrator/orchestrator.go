// Package orchestrator drives a Run through its phase sequence
// (analyze, plan, apply, test, publish), persisting a checkpoint after
// every phase, honoring resume contexts, and gating destructive phases
// on the Approval Gate. It is deliberately not a general
// workflow engine: the phase sequence is fixed per run Type, and the
// only branching it supports is resume-driven skip/replay.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/approval"
	"github.com/intent-solutions-io/git-with-intent/checkpoint"
	"github.com/intent-solutions-io/git-with-intent/gate"
	"github.com/intent-solutions-io/git-with-intent/policy"
	"github.com/intent-solutions-io/git-with-intent/resilience"
	"github.com/intent-solutions-io/git-with-intent/runs"
	"github.com/intent-solutions-io/git-with-intent/telemetry"
)

// ErrPhaseFailed is wrapped into the run's terminal error when a phase
// body returns an error.
var ErrPhaseFailed = errors.New("orchestrator: phase failed")

// ErrRunTerminal is returned when Execute is called on a run that has
// already reached a terminal status.
var ErrRunTerminal = errors.New("orchestrator: run is terminal")

// ErrApprovalRequired is returned when the Approval Gate declines a
// gated phase.
var ErrApprovalRequired = errors.New("orchestrator: approval required")

// Phase is one named step in a run's pipeline.
type Phase struct {
	StepID     string
	Idempotent bool

	// RequiredScopes is non-empty for phases gated by the Approval Gate
	// (apply needs commit+push, publish needs open_pr and optionally
	// deploy/delete).
	RequiredScopes []approval.Scope

	// SoftFailure, when true, means a failing phase body annotates the
	// run with "testsFailed" and lets the pipeline continue instead of
	// terminating the run. AutopilotPipeline sets this on "test" by
	// default; callers that want strict CI-gated tenants can build a
	// pipeline with it cleared.
	SoftFailure bool

	Run PhaseFunc
}

// PhaseContext carries everything a phase body or middleware needs.
type PhaseContext struct {
	context.Context

	Run   *runs.Run
	Phase Phase

	// Input is the carried-forward state: either the previous phase's
	// Output, or a resume checkpoint's CarryForwardState.
	Input map[string]any
}

// PhaseFunc is a phase body: given the accumulated state, produce the
// next state or fail.
type PhaseFunc func(pc PhaseContext) (map[string]any, error)

// PhaseMiddleware wraps a PhaseFunc, e.g. to gate on approvals or to
// annotate soft failures. Middlewares compose outer-to-inner in the
// order passed to New.
type PhaseMiddleware func(pc PhaseContext, next PhaseFunc) (map[string]any, error)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Pipeline is an ordered phase sequence for one run Type.
type Pipeline []Phase

// AutopilotPipeline is the `analyze → plan → apply → test → publish`
// sequence for runs.TypeAutopilot. apply and publish carry the
// scopes the Approval Gate enforces; test is idempotent and, uniquely,
// a soft failure.
func AutopilotPipeline(analyze, plan, apply, test, publish PhaseFunc) Pipeline {
	return Pipeline{
		{StepID: "analyze", Idempotent: true, Run: analyze},
		{StepID: "plan", Idempotent: true, Run: plan},
		{StepID: "apply", Idempotent: false, RequiredScopes: []approval.Scope{approval.ScopeCommit, approval.ScopePush}, Run: apply},
		{StepID: "test", Idempotent: true, SoftFailure: true, Run: test},
		{StepID: "publish", Idempotent: false, RequiredScopes: []approval.Scope{approval.ScopeOpenPR}, Run: publish},
	}
}

// Orchestrator executes Pipelines against a Run, persisting checkpoints
// and consulting the Approval Gate on gated phases.
type Orchestrator struct {
	runStore   runs.Store
	cpStore    checkpoint.Store
	gate       *gate.Gate
	log        *zap.Logger
	emitter    telemetry.Emitter
	metrics    *telemetry.Metrics
	clock      Clock
	middleware []PhaseMiddleware
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option { return func(o *Orchestrator) { o.log = log } }

// WithEmitter sets the telemetry emitter.
func WithEmitter(e telemetry.Emitter) Option { return func(o *Orchestrator) { o.emitter = e } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithClock overrides time.Now, for tests.
func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithMiddleware appends phase middleware, applied in the given order
// (first entry is outermost).
func WithMiddleware(mw ...PhaseMiddleware) Option {
	return func(o *Orchestrator) { o.middleware = append(o.middleware, mw...) }
}

// New constructs an Orchestrator. gate may be nil only if no phase in
// any pipeline the caller runs declares RequiredScopes.
func New(runStore runs.Store, cpStore checkpoint.Store, g *gate.Gate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runStore: runStore,
		cpStore:  cpStore,
		gate:     g,
		log:      zap.NewNop(),
		emitter:  telemetry.NullEmitter{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute drives r through pipeline, honoring resume when resume is
// non-nil. It mutates r in place and persists run progress through
// o.runStore, and returns the terminal error, if any (nil on success; a
// run that completes with a soft test failure is still success).
func (o *Orchestrator) Execute(ctx context.Context, r *runs.Run, pipeline Pipeline, resume *runs.ResumeContext) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: run %s", ErrRunTerminal, r.ID)
	}

	skip := make(map[string]bool)
	var carry map[string]any
	replayOnly := ""

	if resume != nil {
		o.metrics.IncRunsResumed()
		carry = resume.CarryForwardState
		switch resume.Mode {
		case runs.ResumeFromCheckpoint:
			for _, id := range resume.SkipStepIDs {
				skip[id] = true
			}
		case runs.ResumeReplayStep:
			replayOnly = resume.ReplayStepID
			if err := validateReplayStep(pipeline, replayOnly); err != nil {
				return o.failRun(ctx, r, replayOnly, err)
			}
		}
	}

	started := o.clock()
	r.Status = runs.StatusRunning
	o.persist(ctx, r)

	state := carry

	for _, phase := range pipeline {
		if replayOnly != "" && phase.StepID != replayOnly {
			continue
		}
		if skip[phase.StepID] {
			continue
		}

		if o.cancelled(ctx, r) {
			return nil
		}

		if err := o.runPhase(ctx, r, phase, state); err != nil {
			return err
		}

		step := findStep(r, phase.StepID)
		if step != nil {
			state = step.Output
		}
	}

	now := o.clock()
	r.Status = runs.StatusCompleted
	r.CurrentStep = ""
	r.CompletedAt = &now
	r.DurationMS = now.Sub(started).Milliseconds()
	r.Result = state
	o.persist(ctx, r)
	o.emitter.Emit(telemetry.Event{TenantID: r.TenantID, RunID: r.ID, Msg: "run_completed", At: now})
	return nil
}

// cancelled re-reads the run between phases and honors a cancelRun that
// arrived while the previous phase was executing. An in-progress phase
// is never interrupted; this flag check is the only cancellation point.
func (o *Orchestrator) cancelled(ctx context.Context, r *runs.Run) bool {
	cur, err := o.runStore.Get(ctx, r.TenantID, r.ID)
	if err != nil || cur.Status != runs.StatusCancelled {
		return false
	}
	r.Status = runs.StatusCancelled
	o.emitter.Emit(telemetry.Event{TenantID: r.TenantID, RunID: r.ID, Msg: "run_cancelled", At: o.clock()})
	return true
}

// validateReplayStep enforces that replay_step mode only names steps
// whose phase is marked idempotent; replaying a non-idempotent phase
// would duplicate its side effects.
func validateReplayStep(pipeline Pipeline, stepID string) error {
	for _, p := range pipeline {
		if p.StepID == stepID {
			if !p.Idempotent {
				return fmt.Errorf("orchestrator: step %s is not idempotent and cannot be replayed", stepID)
			}
			return nil
		}
	}
	return fmt.Errorf("orchestrator: step %s is not part of this pipeline", stepID)
}

// persist writes the orchestrator-owned run fields back to the store,
// leaving ownership fields (OwnerID, LastHeartbeatAt, ResumeCount) to
// the heartbeat service and recovery orchestrator.
func (o *Orchestrator) persist(ctx context.Context, r *runs.Run) {
	_, err := o.runStore.Update(ctx, r.TenantID, r.ID, func(cur runs.Run) (runs.Run, error) {
		if cur.Status.Terminal() {
			return runs.Run{}, runs.ErrTerminal
		}
		cur.Status = r.Status
		cur.CurrentStep = r.CurrentStep
		cur.Steps = r.Steps
		cur.Error = r.Error
		cur.Result = r.Result
		cur.CompletedAt = r.CompletedAt
		cur.DurationMS = r.DurationMS
		return cur, nil
	})
	if err != nil && !errors.Is(err, runs.ErrNotFound) && !errors.Is(err, runs.ErrTerminal) {
		o.log.Warn("orchestrator: persist run state failed", zap.String("run_id", r.ID), zap.Error(err))
	}
}

// runPhase executes beforeStep, the phase body (through middleware),
// and afterStep, writing a checkpoint on success and terminating the
// run on failure — except for SoftFailure phases, which annotate and
// continue.
func (o *Orchestrator) runPhase(ctx context.Context, r *runs.Run, phase Phase, input map[string]any) error {
	pc := PhaseContext{Context: ctx, Run: r, Phase: phase, Input: input}
	started := o.clock()

	if err := o.beforeStep(ctx, r, phase); err != nil {
		return o.failRun(ctx, r, phase.StepID, err)
	}

	r.CurrentStep = phase.StepID
	step := &runs.Step{StepID: phase.StepID, Status: "running", Input: input}
	r.Steps = append(r.Steps, *step)
	o.persist(ctx, r)

	// A non-idempotent phase leaves a non-resumable marker before its
	// body runs: a crash inside apply or publish must fail recovery
	// instead of replaying partially-applied side effects.
	if !phase.Idempotent {
		if err := o.saveCheckpoint(ctx, r, *step, false, false); err != nil {
			return o.failRun(ctx, r, phase.StepID, err)
		}
	}

	body := phase.Run
	for i := len(o.middleware) - 1; i >= 0; i-- {
		mw := o.middleware[i]
		next := body
		body = func(pc PhaseContext) (map[string]any, error) { return mw(pc, next) }
	}

	output, err := body(pc)
	elapsed := o.clock().Sub(started)

	last := &r.Steps[len(r.Steps)-1]
	last.DurationMS = elapsed.Milliseconds()

	if err != nil {
		if phase.SoftFailure {
			last.Status = "failed"
			last.Error = err.Error()
			if output == nil {
				output = map[string]any{}
			}
			output["testsFailed"] = true
			last.Output = output
			o.metrics.IncPhaseFailure(string(r.Type), phase.StepID)
			o.metrics.ObservePhase(string(r.Type), phase.StepID, "failed_soft", elapsed)
			o.afterStep(ctx, r, phase.StepID, "failed_soft")
			o.persist(ctx, r)
			if err := o.saveCheckpoint(ctx, r, *last, true, phase.Idempotent); err != nil {
				return o.failRun(ctx, r, phase.StepID, err)
			}
			return nil
		}

		last.Status = "failed"
		last.Error = err.Error()
		o.metrics.IncPhaseFailure(string(r.Type), phase.StepID)
		o.metrics.ObservePhase(string(r.Type), phase.StepID, "failed", elapsed)
		o.afterStep(ctx, r, phase.StepID, "failed")
		return o.failRun(ctx, r, phase.StepID, fmt.Errorf("%w: %s: %v", ErrPhaseFailed, phase.StepID, err))
	}

	last.Status = "completed"
	last.Output = output
	o.metrics.ObservePhase(string(r.Type), phase.StepID, "completed", elapsed)
	o.afterStep(ctx, r, phase.StepID, "completed")
	o.persist(ctx, r)

	if err := o.saveCheckpoint(ctx, r, *last, true, phase.Idempotent); err != nil {
		return o.failRun(ctx, r, phase.StepID, err)
	}
	return nil
}

// beforeStep consults the Approval Gate for phases declaring
// RequiredScopes. publish additionally picks up any destructive scopes
// the plan phase declared (deploy, delete).
func (o *Orchestrator) beforeStep(ctx context.Context, r *runs.Run, phase Phase) error {
	if len(phase.RequiredScopes) == 0 {
		return nil
	}

	scopes := phase.RequiredScopes
	if phase.StepID == "publish" {
		scopes = append(append([]approval.Scope{}, scopes...), planDeclaredScopes(r)...)
	}

	if o.gate == nil {
		return fmt.Errorf("%w: phase %s requires scopes but no gate is configured", ErrApprovalRequired, phase.StepID)
	}

	intentHash, _ := planIntentHash(r)
	result, err := o.gate.Evaluate(ctx, gate.Request{
		TenantID:       r.TenantID,
		RunID:          r.ID,
		Action:         phase.StepID,
		Actor:          policy.Actor{ID: r.Trigger.ActorID, Type: r.Trigger.ActorType},
		RequiredScopes: scopes,
		IntentHash:     intentHash,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApprovalRequired, err)
	}
	if result.Decision != policy.DecisionAllow {
		csv := scopesCSV(scopes)
		return fmt.Errorf("%w: %s (%s); run `gwi approval approve --run %s --scopes %s` to grant the missing scopes",
			ErrApprovalRequired, result.Reason, result.Decision, r.ID, csv)
	}
	return nil
}

func scopesCSV(scopes []approval.Scope) string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return strings.Join(out, ",")
}

// planDeclaredScopes extracts the destructive scopes (deploy, delete)
// the plan phase declared in its output, so publish is gated on them
// too.
func planDeclaredScopes(r *runs.Run) []approval.Scope {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].StepID != "plan" || r.Steps[i].Output == nil {
			continue
		}
		declared, ok := r.Steps[i].Output["requiredScopes"].([]any)
		if !ok {
			return nil
		}
		var out []approval.Scope
		for _, d := range declared {
			s, ok := d.(string)
			if !ok {
				continue
			}
			if sc := approval.Scope(s); sc == approval.ScopeDeploy || sc == approval.ScopeDelete {
				out = append(out, sc)
			}
		}
		return out
	}
	return nil
}

func (o *Orchestrator) afterStep(_ context.Context, r *runs.Run, stepID, status string) {
	o.emitter.Emit(telemetry.Event{
		TenantID: r.TenantID,
		RunID:    r.ID,
		Phase:    stepID,
		Msg:      status,
		At:       o.clock(),
	})
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, r *runs.Run, step runs.Step, resumable, idempotent bool) error {
	cp := runs.Checkpoint{
		RunID:      r.ID,
		Step:       step,
		Resumable:  resumable,
		Idempotent: idempotent,
		Timestamp:  o.clock(),
	}
	// A checkpoint write is the one store call whose loss breaks resume,
	// so transient failures are retried with backoff before the run is
	// failed.
	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		return o.cpStore.Save(ctx, r.ID, cp)
	})
	if err != nil {
		return fmt.Errorf("orchestrator: save checkpoint: %w", err)
	}
	o.metrics.IncCheckpointsSaved(string(r.Type), step.StepID)
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, r *runs.Run, stepID string, err error) error {
	r.Status = runs.StatusFailed
	r.Error = err.Error()
	now := o.clock()
	r.CompletedAt = &now
	o.persist(ctx, r)
	o.emitter.Emit(telemetry.Event{
		TenantID: r.TenantID,
		RunID:    r.ID,
		Phase:    stepID,
		Msg:      "run_failed",
		Fields:   map[string]any{"error": err.Error()},
		At:       now,
	})
	return err
}

func findStep(r *runs.Run, stepID string) *runs.Step {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}

// planIntentHash extracts the intent hash the Approval Gate should
// compare against from the run's accumulated plan output, if any.
func planIntentHash(r *runs.Run) (string, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].StepID == "plan" && r.Steps[i].Output != nil {
			if h, ok := r.Steps[i].Output["intentHash"].(string); ok {
				return h, true
			}
		}
	}
	return "", false
}

// BuildResumeContext computes the ResumeContext the Recovery
// Orchestrator needs from a run's checkpoint history, implementing the
// `from_checkpoint` half of the resume policy.
func BuildResumeContext(ctx context.Context, cpStore checkpoint.Store, runID string) (runs.ResumeContext, error) {
	latest, err := cpStore.Latest(ctx, runID)
	if err != nil {
		return runs.ResumeContext{}, err
	}
	if !latest.Resumable {
		return runs.ResumeContext{}, fmt.Errorf("orchestrator: latest checkpoint for %s is not resumable", runID)
	}

	all, err := cpStore.List(ctx, runID)
	if err != nil {
		return runs.ResumeContext{}, err
	}

	var skip []string
	for _, cp := range all {
		if cp.Step.Status == "completed" && !cp.Timestamp.After(latest.Timestamp) {
			skip = append(skip, cp.Step.StepID)
		}
	}

	latestCopy := latest
	return runs.ResumeContext{
		Mode:              runs.ResumeFromCheckpoint,
		ResumeCheckpoint:  &latestCopy,
		SkipStepIDs:       skip,
		CarryForwardState: latest.Step.Output,
	}, nil
}
