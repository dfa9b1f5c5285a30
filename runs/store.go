package runs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("runs: not found")

// ErrTerminal is returned by Heartbeat when the targeted run has
// already reached a terminal status.
var ErrTerminal = errors.New("runs: run is already terminal")

// Store persists Run records and the narrow set of conditional
// mutations the Heartbeat Service, Run Orchestrator, and Recovery
// Orchestrator need.
type Store interface {
	// Create persists a brand-new Run.
	Create(ctx context.Context, run Run) error

	// Get returns the current Run by (tenantId, id).
	Get(ctx context.Context, tenantID, id string) (Run, error)

	// Update performs a full read-modify-write of fn's result, applied
	// to the run named by (tenantId, id). Implementations must serialize
	// concurrent Update calls on the same run (store-internal lock or a
	// conditional write keyed on UpdatedAt).
	Update(ctx context.Context, tenantID, id string, fn func(Run) (Run, error)) (Run, error)

	// Heartbeat stamps ownerId and now onto the run's LastHeartbeatAt and
	// OwnerId fields, iff the run is still in-flight. Returns ErrTerminal
	// if the run has already reached a terminal status.
	Heartbeat(ctx context.Context, tenantID, id, ownerID string, now time.Time) error

	// ListOrphaned returns every in-flight run owned by any worker whose
	// LastHeartbeatAt is older than now.Add(-staleThreshold).
	ListOrphaned(ctx context.Context, tenantID string, staleThreshold time.Duration, now time.Time) ([]Run, error)
}
