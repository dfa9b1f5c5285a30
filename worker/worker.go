// Package worker ties the durable execution core together into one
// worker process: a startup recovery pass, then a claim loop that
// leases Durable Jobs and drives each one's Run through the
// orchestrator under a heartbeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/intent-solutions-io/git-with-intent/heartbeat"
	"github.com/intent-solutions-io/git-with-intent/jobqueue"
	"github.com/intent-solutions-io/git-with-intent/orchestrator"
	"github.com/intent-solutions-io/git-with-intent/recovery"
	"github.com/intent-solutions-io/git-with-intent/runs"
)

// Job types the claim loop understands.
const (
	JobTypeStartRun  = "start_run"
	JobTypeResumeRun = "resume_run"
)

// ErrUnknownJobType fails jobs whose Type no pipeline handles.
var ErrUnknownJobType = errors.New("worker: unknown job type")

// Config tunes the claim loop.
type Config struct {
	// ClaimBatch is how many jobs one poll leases at once.
	ClaimBatch int

	// PollInterval is how long the loop idles when a poll comes back
	// empty.
	PollInterval time.Duration

	// MaxConcurrentRuns caps how many runs this worker advances in
	// parallel.
	MaxConcurrentRuns int64

	// StaleThreshold is handed to the startup recovery pass.
	StaleThreshold time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ClaimBatch:        4,
		PollInterval:      2 * time.Second,
		MaxConcurrentRuns: 8,
		StaleThreshold:    heartbeat.DefaultStaleThreshold,
	}
}

// Worker is one peer worker process: it recovers orphans at startup,
// then claims and executes Durable Jobs until its context is
// cancelled.
type Worker struct {
	cfg       Config
	jobs      jobqueue.Store
	runStore  runs.Store
	orch      *orchestrator.Orchestrator
	hb        *heartbeat.Service
	rec       *recovery.Orchestrator
	pipelines map[runs.Type]orchestrator.Pipeline
	log       *zap.Logger
	sem       *semaphore.Weighted
	clock     func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option { return func(w *Worker) { w.log = log } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.clock = now } }

// New constructs a Worker. pipelines maps each run Type this worker
// serves to its phase sequence; jobs for other types are failed back to
// the queue for a differently-configured peer.
func New(cfg Config, jobs jobqueue.Store, runStore runs.Store, orch *orchestrator.Orchestrator,
	hb *heartbeat.Service, rec *recovery.Orchestrator, pipelines map[runs.Type]orchestrator.Pipeline, opts ...Option) *Worker {
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = DefaultConfig().ClaimBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultConfig().MaxConcurrentRuns
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}
	w := &Worker{
		cfg:       cfg,
		jobs:      jobs,
		runStore:  runStore,
		orch:      orch,
		hb:        hb,
		rec:       rec,
		pipelines: pipelines,
		log:       zap.NewNop(),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run performs the startup recovery pass, then claims and executes jobs
// until ctx is cancelled. It returns only after every in-flight job has
// finished and the heartbeat service is shut down.
func (w *Worker) Run(ctx context.Context) error {
	summary, err := w.rec.Recover(ctx, "", w.cfg.StaleThreshold)
	if err != nil {
		return fmt.Errorf("worker: startup recovery: %w", err)
	}
	w.log.Info("worker: startup recovery complete",
		zap.Int("orphaned", summary.OrphanedCount),
		zap.Int("resumed", summary.ResumedCount),
		zap.Int("failed", summary.FailedCount),
		zap.String("owner_id", summary.OwnerID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.claimLoop(gctx, g) })

	err = g.Wait()
	w.hb.Shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// claimLoop polls the queue, dispatching each claimed job onto the
// group under the concurrency semaphore.
func (w *Worker) claimLoop(ctx context.Context, g *errgroup.Group) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		claimed, err := w.jobs.Claim(ctx, w.hb.OwnerID(), w.cfg.ClaimBatch, w.clock())
		if err != nil {
			w.log.Warn("worker: claim failed", zap.Error(err))
		}
		for _, job := range claimed {
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			job := job
			g.Go(func() error {
				defer w.sem.Release(1)
				w.handleJob(ctx, job)
				return nil
			})
		}

		if len(claimed) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// handleJob executes one claimed job end to end: mark it running, drive
// the run under a heartbeat, and settle the job with the run's outcome.
// Job-level errors feed the queue's retry/dead-letter machinery; they
// are never returned upward.
func (w *Worker) handleJob(ctx context.Context, job jobqueue.Job) {
	owner := w.hb.OwnerID()

	if err := w.jobs.Start(ctx, job.ID, owner, w.clock()); err != nil {
		w.log.Warn("worker: job start failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	runErr := w.executeJob(ctx, job)
	if runErr != nil {
		if _, err := w.jobs.Fail(ctx, job.ID, owner, runErr.Error(), w.clock()); err != nil && !errors.Is(err, jobqueue.ErrDeadLettered) {
			w.log.Warn("worker: job fail-settle failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}
	if err := w.jobs.Complete(ctx, job.ID, owner, map[string]any{"runId": job.RunID}, w.clock()); err != nil {
		w.log.Warn("worker: job complete-settle failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) executeJob(ctx context.Context, job jobqueue.Job) error {
	r, err := w.runStore.Get(ctx, job.TenantID, job.RunID)
	if err != nil {
		return fmt.Errorf("worker: load run %s: %w", job.RunID, err)
	}

	pipeline, ok := w.pipelines[r.Type]
	if !ok {
		return fmt.Errorf("%w: no pipeline for run type %s", ErrUnknownJobType, r.Type)
	}

	var resume *runs.ResumeContext
	switch job.Type {
	case JobTypeStartRun:
	case JobTypeResumeRun:
		rc, err := decodeResumeContext(job.Payload)
		if err != nil {
			return fmt.Errorf("worker: job %s: %w", job.ID, err)
		}
		resume = &rc
	default:
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}

	if err := w.hb.StartHeartbeat(r.TenantID, r.ID); err != nil {
		return fmt.Errorf("worker: start heartbeat: %w", err)
	}
	defer w.hb.StopHeartbeat(r.ID)

	return w.orch.Execute(ctx, &r, pipeline, resume)
}

// decodeResumeContext rebuilds a ResumeContext from a durable job
// payload, tolerating both in-process ([]string) and JSON-decoded
// ([]any) skip lists.
func decodeResumeContext(payload map[string]any) (runs.ResumeContext, error) {
	rc := runs.ResumeContext{Mode: runs.ResumeFromCheckpoint}

	if mode, ok := payload["resumeMode"].(string); ok && mode != "" {
		rc.Mode = runs.ResumeMode(mode)
	}
	switch skips := payload["skipStepIds"].(type) {
	case []string:
		rc.SkipStepIDs = skips
	case []any:
		for _, s := range skips {
			id, ok := s.(string)
			if !ok {
				return runs.ResumeContext{}, fmt.Errorf("worker: malformed skipStepIds entry %T", s)
			}
			rc.SkipStepIDs = append(rc.SkipStepIDs, id)
		}
	case nil:
	default:
		return runs.ResumeContext{}, fmt.Errorf("worker: malformed skipStepIds %T", skips)
	}
	if carry, ok := payload["carryForwardState"].(map[string]any); ok {
		rc.CarryForwardState = carry
	}
	if replay, ok := payload["replayStepId"].(string); ok {
		rc.ReplayStepID = replay
	}
	return rc, nil
}
