package idempotency

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Get when no record exists for a key.
var ErrNotFound = errors.New("idempotency: record not found")

// Store persists Idempotency Records and exposes the single
// transactional primitive the Service's check-and-set algorithm needs.
// Implementations MUST perform CheckAndSet atomically: two
// concurrent callers racing on the same (tenantId, key) must linearize
// so exactly one observes ResultNew.
type Store interface {
	// CheckAndSet performs the full check-and-set algorithm
	// for (tenantId, key): it reads the current record, decides the
	// outcome, and atomically writes any resulting state transition
	// (new lock acquisition, lock recovery, or failed-on-max-attempts),
	// all within the same transaction.
	CheckAndSet(ctx context.Context, tenantID string, key string, requestHash string, source string, cfg CheckAndSetConfig) (CheckResult, error)

	// Complete marks an in-flight record completed, with resp cached and
	// ExpiresAt extended by completedTTL.
	Complete(ctx context.Context, tenantID, key, runID string, resp CachedResponse, completedTTL int64) error

	// Fail marks an in-flight record failed, with errMsg cached and
	// ExpiresAt extended by failedTTL.
	Fail(ctx context.Context, tenantID, key, errMsg string, failedTTL int64) error

	// Get returns the current record for (tenantId, key), or ErrNotFound.
	Get(ctx context.Context, tenantID, key string) (Record, error)

	// CleanupExpired deletes every record with ExpiresAt before now and
	// returns the count removed.
	CleanupExpired(ctx context.Context, now int64) (int, error)
}

// CheckAndSetConfig carries the timing knobs the check-and-set
// algorithm needs, so the Store implementation stays free of policy
// decisions about TTLs (those live in the Service).
type CheckAndSetConfig struct {
	// NowUnixMilli is the current time, threaded in explicitly so store
	// implementations and tests can use a fake clock.
	NowUnixMilli int64

	// LockTimeoutMS is how long a freshly acquired or recovered lock is
	// held before another attempt may reclaim it.
	LockTimeoutMS int64

	// MaxAttempts bounds how many times a lock may be reclaimed before
	// the key is marked permanently failed.
	MaxAttempts int

	// FailedTTLMS is the TTL stamped on a record CheckAndSet settles as
	// failed when MaxAttempts is exhausted, so the failure is replayed to
	// duplicates for a while instead of being immediately recreatable.
	FailedTTLMS int64
}
