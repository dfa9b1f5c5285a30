// Package checkpoint provides the append-only checkpoint log: durable
// per-run history used for resume-point selection and cross-instance
// recovery.
package checkpoint

import (
	"context"
	"errors"

	"github.com/intent-solutions-io/git-with-intent/runs"
)

// ErrNotFound is returned by Latest when a run has no checkpoints.
var ErrNotFound = errors.New("checkpoint: not found")

// Store is the append-only checkpoint log for all runs. Implementations
// must never mutate or delete a saved checkpoint except via Clear, which
// is reserved for tests.
//
// Implementations must be durable across process restarts for the
// Recovery Orchestrator to work; an in-memory implementation exists for
// tests only and logs a warning when constructed.
type Store interface {
	// Save appends cp to runId's log. Ordering is by cp.Timestamp, ties
	// broken by insertion order.
	Save(ctx context.Context, runID string, cp runs.Checkpoint) error

	// List returns every checkpoint for runId, ordered by Timestamp then
	// insertion order.
	List(ctx context.Context, runID string) ([]runs.Checkpoint, error)

	// Latest returns the most recent checkpoint with Step.Status
	// "completed", or ErrNotFound if none exists.
	Latest(ctx context.Context, runID string) (runs.Checkpoint, error)

	// Clear deletes every checkpoint for runId. Reserved for tests.
	Clear(ctx context.Context, runID string) error

	// Exists reports whether runId has at least one checkpoint.
	Exists(ctx context.Context, runID string) (bool, error)
}
