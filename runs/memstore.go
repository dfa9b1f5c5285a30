package runs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemStore is an in-memory Store, for tests and local development only.
// Like checkpoint.MemStore and idempotency.MemStore, it logs a warning
// when constructed so the non-durability footgun is visible outside
// test binaries.
type MemStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

// NewMemStore constructs an empty in-memory run store. log may be nil.
func NewMemStore(log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("runs.MemStore is not durable across restarts; recovery cannot see runs from before a crash with this backend. Use a sqlite/mysql/redis-backed store in production.")
	return &MemStore{runs: make(map[string]Run)}
}

func runKey(tenantID, id string) string { return tenantID + "\x00" + id }

// Create implements Store.
func (m *MemStore) Create(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runKey(run.TenantID, run.ID)] = run
	return nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, tenantID, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runKey(tenantID, id)]
	if !ok {
		return Run{}, ErrNotFound
	}
	return r, nil
}

// Update implements Store.
func (m *MemStore) Update(_ context.Context, tenantID, id string, fn func(Run) (Run, error)) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runKey(tenantID, id)
	cur, ok := m.runs[key]
	if !ok {
		return Run{}, ErrNotFound
	}
	next, err := fn(cur)
	if err != nil {
		return Run{}, err
	}
	next.UpdatedAt = time.Now()
	m.runs[key] = next
	return next, nil
}

// Heartbeat implements Store.
func (m *MemStore) Heartbeat(_ context.Context, tenantID, id, ownerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runKey(tenantID, id)
	r, ok := m.runs[key]
	if !ok {
		return ErrNotFound
	}
	if r.Status.Terminal() {
		return ErrTerminal
	}
	r.OwnerID = ownerID
	r.LastHeartbeatAt = now
	r.UpdatedAt = now
	m.runs[key] = r
	return nil
}

// ListOrphaned implements Store. An empty tenantID matches every tenant.
func (m *MemStore) ListOrphaned(_ context.Context, tenantID string, staleThreshold time.Duration, now time.Time) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-staleThreshold)
	var out []Run
	for _, r := range m.runs {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if r.InFlight() && r.LastHeartbeatAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}
