package idempotency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/idkey"
)

// MemStore is an in-memory Store, for tests and local development only
// (mirrors checkpoint.MemStore; the "log a warning outside tests"
// convention applies here too since a crash loses every in-flight
// lock).
type MemStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemStore constructs an empty in-memory idempotency store. log may
// be nil.
func NewMemStore(log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("idempotency.MemStore is not durable across restarts; a crash mid-processing loses the lock and duplicate replay state. Use a sqlite/mysql/redis-backed store in production.")
	return &MemStore{records: make(map[string]Record)}
}

func recordKey(tenantID, key string) string { return tenantID + "\x00" + key }

// CheckAndSet implements Store using an in-process mutex as the
// transaction boundary.
func (m *MemStore) CheckAndSet(_ context.Context, tenantID, key, requestHash, source string, cfg CheckAndSetConfig) (CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.UnixMilli(cfg.NowUnixMilli)
	rk := recordKey(tenantID, key)
	rec, ok := m.records[rk]

	if !ok {
		m.records[rk] = newProcessingRecord(tenantID, key, requestHash, source, now, cfg)
		return NewResult(), nil
	}

	if rec.Status == StatusProcessing {
		if rec.InFlight(now) {
			return ProcessingResult(rec), nil
		}
		// Lock expired: recover it, or fail permanently on exhaustion.
		if rec.Attempts >= cfg.MaxAttempts {
			rec.Status = StatusFailed
			rec.Error = "Max processing attempts exceeded"
			rec.LockExpiresAt = nil
			rec.UpdatedAt = now
			rec.ExpiresAt = now.Add(time.Duration(cfg.FailedTTLMS) * time.Millisecond)
			m.records[rk] = rec
			return DuplicateResult(rec), nil
		}
		lockExp := now.Add(time.Duration(cfg.LockTimeoutMS) * time.Millisecond)
		rec.LockExpiresAt = &lockExp
		rec.Attempts++
		rec.UpdatedAt = now
		m.records[rk] = rec
		return RecoveredResult(rec), nil
	}

	// Settled.
	if rec.ExpiresAt.Before(now) {
		m.records[rk] = newProcessingRecord(tenantID, key, requestHash, source, now, cfg)
		return NewResult(), nil
	}
	return DuplicateResult(rec), nil
}

func newProcessingRecord(tenantID, key, requestHash, source string, now time.Time, cfg CheckAndSetConfig) Record {
	lockExp := now.Add(time.Duration(cfg.LockTimeoutMS) * time.Millisecond)
	return Record{
		Key:           idkey.Key(key),
		Source:        idkey.Source(source),
		TenantID:      tenantID,
		Status:        StatusProcessing,
		RequestHash:   requestHash,
		CreatedAt:     now,
		UpdatedAt:     now,
		LockExpiresAt: &lockExp,
		Attempts:      1,
	}
}

// Complete implements Store.
func (m *MemStore) Complete(_ context.Context, tenantID, key, runID string, resp CachedResponse, completedTTL int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rk := recordKey(tenantID, key)
	rec, ok := m.records[rk]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.Status = StatusCompleted
	rec.RunID = runID
	rec.Response = &resp
	rec.LockExpiresAt = nil
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(time.Duration(completedTTL) * time.Millisecond)
	m.records[rk] = rec
	return nil
}

// Fail implements Store.
func (m *MemStore) Fail(_ context.Context, tenantID, key, errMsg string, failedTTL int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rk := recordKey(tenantID, key)
	rec, ok := m.records[rk]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.Status = StatusFailed
	rec.Error = errMsg
	rec.LockExpiresAt = nil
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(time.Duration(failedTTL) * time.Millisecond)
	m.records[rk] = rec
	return nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, tenantID, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey(tenantID, key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// CleanupExpired implements Store.
func (m *MemStore) CleanupExpired(_ context.Context, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.UnixMilli(now)
	removed := 0
	for k, rec := range m.records {
		if rec.Settled() && rec.ExpiresAt.Before(cutoff) {
			delete(m.records, k)
			removed++
		}
	}
	return removed, nil
}
