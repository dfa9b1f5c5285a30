// Package recovery implements the Recovery Orchestrator: on
// worker startup it scans for orphaned runs (stale heartbeat,
// non-terminal status) and, for each, either resumes it with a
// ResumeContext re-enqueued as a Durable Job, or fails it with a
// precise diagnostic.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/checkpoint"
	"github.com/intent-solutions-io/git-with-intent/heartbeat"
	"github.com/intent-solutions-io/git-with-intent/jobqueue"
	"github.com/intent-solutions-io/git-with-intent/orchestrator"
	"github.com/intent-solutions-io/git-with-intent/runs"
	"github.com/intent-solutions-io/git-with-intent/telemetry"
)

// Verdict is the per-orphan decision the recovery algorithm reaches.
type Verdict string

// The recovery verdicts.
const (
	VerdictSkip   Verdict = "skip"
	VerdictResume Verdict = "resume"
	VerdictFail   Verdict = "fail"
)

// RunOutcome records what happened to one orphaned run.
type RunOutcome struct {
	RunID   string
	Verdict Verdict
	Reason  string
	Err     error
}

// Summary is the result of one recovery pass.
type Summary struct {
	OrphanedCount int
	ResumedCount  int
	FailedCount   int
	SkippedCount  int
	ErrorCount    int
	Runs          []RunOutcome
	DurationMS    int64
	OwnerID       string
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Orchestrator is the Recovery Orchestrator.
type Orchestrator struct {
	runStore  runs.Store
	cpStore   checkpoint.Store
	jobStore  jobqueue.Store
	heartbeat *heartbeat.Service
	log       *zap.Logger
	emitter   telemetry.Emitter
	metrics   *telemetry.Metrics
	clock     Clock
	maxRuns   int
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

// WithMaxRuns caps how many orphans one pass processes (default 100).
func WithMaxRuns(n int) Option { return func(o *Orchestrator) { o.maxRuns = n } }

// New constructs a recovery Orchestrator.
func New(runStore runs.Store, cpStore checkpoint.Store, jobStore jobqueue.Store, hb *heartbeat.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runStore:  runStore,
		cpStore:   cpStore,
		jobStore:  jobStore,
		heartbeat: hb,
		log:       zap.NewNop(),
		emitter:   telemetry.NullEmitter{},
		clock:     time.Now,
		maxRuns:   100,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Recover runs one recovery pass over tenantID's orphaned runs (empty
// tenantID scans every tenant this worker serves), applying the
// decision tree below to each orphan.
func (o *Orchestrator) Recover(ctx context.Context, tenantID string, staleThreshold time.Duration) (Summary, error) {
	started := o.clock()
	ownerID := o.heartbeat.OwnerID()

	orphans, err := o.heartbeat.ListOrphanedRuns(ctx, tenantID, staleThreshold)
	if err != nil {
		return Summary{}, fmt.Errorf("recovery: list orphaned runs: %w", err)
	}

	summary := Summary{OrphanedCount: len(orphans), OwnerID: ownerID}
	for i, r := range orphans {
		if i >= o.maxRuns {
			o.log.Warn("recovery: maxRuns reached, deferring remaining orphans to next pass",
				zap.Int("max_runs", o.maxRuns), zap.Int("remaining", len(orphans)-i))
			break
		}
		o.metrics.IncOrphansDetected()

		outcome := o.recoverOne(ctx, r, ownerID)
		summary.Runs = append(summary.Runs, outcome)
		switch outcome.Verdict {
		case VerdictResume:
			summary.ResumedCount++
		case VerdictFail:
			summary.FailedCount++
		case VerdictSkip:
			summary.SkippedCount++
		}
		if outcome.Err != nil {
			summary.ErrorCount++
		}
	}

	summary.DurationMS = o.clock().Sub(started).Milliseconds()
	return summary, nil
}

// recoverOne applies the resume/fail decision tree to a single orphaned run.
func (o *Orchestrator) recoverOne(ctx context.Context, r runs.Run, ownerID string) RunOutcome {
	if r.Status == runs.StatusCompleted || r.Status == runs.StatusCancelled {
		o.metrics.IncRecoverySkipped()
		return RunOutcome{RunID: r.ID, Verdict: VerdictSkip, Reason: "run already terminal"}
	}

	exists, err := o.cpStore.Exists(ctx, r.ID)
	if err != nil {
		return o.failOrphan(ctx, r, ownerID, fmt.Sprintf("checkpoint lookup failed: %v", err))
	}
	if !exists {
		return o.failOrphan(ctx, r, ownerID, "No checkpoints saved")
	}

	// The verdict hangs on the newest checkpoint of any kind: a crash
	// inside a non-idempotent phase leaves that phase's non-resumable
	// begin marker as the newest entry, and resuming past it would
	// replay partially-applied side effects (e.g. a second PR).
	all, err := o.cpStore.List(ctx, r.ID)
	if err != nil {
		return o.failOrphan(ctx, r, ownerID, fmt.Sprintf("checkpoint lookup failed: %v", err))
	}
	if len(all) == 0 {
		return o.failOrphan(ctx, r, ownerID, "No checkpoints saved")
	}
	if newest := all[len(all)-1]; !newest.Resumable {
		return o.failOrphan(ctx, r, ownerID,
			fmt.Sprintf("No resumable checkpoint found (newest checkpoint %q is not a resume point)", newest.Step.StepID))
	}

	resumeCtx, err := orchestrator.BuildResumeContext(ctx, o.cpStore, r.ID)
	if err != nil {
		return o.failOrphan(ctx, r, ownerID, fmt.Sprintf("build resume context failed: %v", err))
	}

	if err := o.reenqueue(ctx, r, resumeCtx, ownerID); err != nil {
		return o.failOrphan(ctx, r, ownerID, fmt.Sprintf("resume action failed: %v", err))
	}

	o.metrics.IncRecoveryResumed()
	o.emit(r, "recovery_resumed", map[string]any{"previous_owner_id": r.OwnerID, "new_owner_id": ownerID})
	return RunOutcome{RunID: r.ID, Verdict: VerdictResume, Reason: "resumed from checkpoint"}
}

// reenqueue updates the run to running under this instance and
// re-enqueues a Durable Job carrying the ResumeContext. If enqueue
// fails, the caller must flip the decision to fail — this is
// non-negotiable to prevent infinite recovery loops across instances.
func (o *Orchestrator) reenqueue(ctx context.Context, r runs.Run, resumeCtx runs.ResumeContext, ownerID string) error {
	now := o.clock()

	updated, err := o.runStore.Update(ctx, r.TenantID, r.ID, func(cur runs.Run) (runs.Run, error) {
		cur.Status = runs.StatusRunning
		cur.OwnerID = ownerID
		cur.LastHeartbeatAt = now
		cur.ResumeCount++
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("update run to running: %w", err)
	}

	payload := map[string]any{
		"resumeMode":        string(resumeCtx.Mode),
		"skipStepIds":       resumeCtx.SkipStepIDs,
		"carryForwardState": resumeCtx.CarryForwardState,
		"replayStepId":      resumeCtx.ReplayStepID,
	}
	job := jobqueue.Job{
		ID:         fmt.Sprintf("resume-%s-%d", updated.ID, updated.ResumeCount),
		Type:       "resume_run",
		TenantID:   updated.TenantID,
		RunID:      updated.ID,
		Payload:    payload,
		MaxRetries: 3,
		Priority:   10,
	}
	if err := o.jobStore.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue resume job: %w", err)
	}

	if err := o.heartbeat.StartHeartbeat(updated.TenantID, updated.ID); err != nil {
		o.log.Warn("recovery: failed to start heartbeat for resumed run", zap.String("run_id", updated.ID), zap.Error(err))
	}

	return nil
}

// failOrphan updates the run to failed with a diagnostic naming the
// previous owner, its last heartbeat, and this recovering instance.
func (o *Orchestrator) failOrphan(ctx context.Context, r runs.Run, ownerID, reason string) RunOutcome {
	now := o.clock()
	diagnostic := fmt.Sprintf("%s (previous owner %s, last heartbeat %s, recovered by %s)",
		reason, r.OwnerID, r.LastHeartbeatAt.UTC().Format(time.RFC3339), ownerID)

	_, err := o.runStore.Update(ctx, r.TenantID, r.ID, func(cur runs.Run) (runs.Run, error) {
		cur.Status = runs.StatusFailed
		cur.Error = diagnostic
		cur.CompletedAt = &now
		return cur, nil
	})

	o.metrics.IncRecoveryFailed()
	o.emit(r, "recovery_failed", map[string]any{"reason": diagnostic})

	return RunOutcome{RunID: r.ID, Verdict: VerdictFail, Reason: diagnostic, Err: err}
}

func (o *Orchestrator) emit(r runs.Run, msg string, fields map[string]any) {
	o.emitter.Emit(telemetry.Event{
		TenantID: r.TenantID,
		RunID:    r.ID,
		Msg:      msg,
		Fields:   fields,
		At:       o.clock(),
	})
}
