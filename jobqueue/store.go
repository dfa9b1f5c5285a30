package jobqueue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested job does not exist.
var ErrNotFound = errors.New("jobqueue: not found")

// Store is the durable job queue backend. Implementations must make
// Claim atomic across concurrent callers: at most one caller may
// successfully claim a given pending job.
type Store interface {
	// Enqueue persists a brand-new job with Status StatusPending.
	Enqueue(ctx context.Context, job Job) error

	// Claim atomically transitions up to n pending jobs (highest
	// Priority first; equal priorities in job id order, not by age) to
	// StatusClaimed under claimedBy, stamping ClaimedAt/LastHeartbeat to
	// now.
	Claim(ctx context.Context, claimedBy string, n int, now time.Time) ([]Job, error)

	// Heartbeat stamps LastHeartbeat on a job this owner holds the
	// claim for. Returns ErrNotClaimed if claimedBy doesn't match.
	Heartbeat(ctx context.Context, id, claimedBy string, now time.Time) error

	// Start transitions a claimed job to running, stamping StartedAt.
	Start(ctx context.Context, id, claimedBy string, now time.Time) error

	// Complete transitions a running job to completed with result.
	Complete(ctx context.Context, id, claimedBy string, result map[string]any, now time.Time) error

	// Fail records a failed attempt. If attempts (post-increment) is
	// still below MaxRetries, the job returns to StatusPending for
	// another claim; otherwise it moves to StatusDeadLetter and
	// ErrDeadLettered is returned alongside the final status update.
	Fail(ctx context.Context, id, claimedBy, reason string, now time.Time) (Job, error)

	// Get returns a job by id.
	Get(ctx context.Context, id string) (Job, error)
}
