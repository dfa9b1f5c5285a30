package checkpoint

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/runs"
)

// MemStore is an in-memory Store, for tests and local development only.
//
// It is not durable across process restarts, so the Recovery
// Orchestrator's startup scan cannot see checkpoints written before a
// crash when MemStore backs a worker — NewMemStore logs a warning every
// time it is constructed, test binaries included, to make that footgun
// visible.
type MemStore struct {
	mu    sync.RWMutex
	byRun map[string][]runs.Checkpoint
	seq   int64
}

// NewMemStore constructs an empty in-memory checkpoint store. log may be
// nil. Pass the zap logger your worker already uses so the
// production-usage warning lands in the normal log stream.
func NewMemStore(log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("checkpoint.MemStore is not durable across restarts; recovery cannot resume runs after a crash with this backend. Use a sqlite/mysql-backed store in production.")
	return &MemStore{byRun: make(map[string][]runs.Checkpoint)}
}

// Save implements Store.
func (m *MemStore) Save(_ context.Context, runID string, cp runs.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp.Seq = m.seq
	m.byRun[runID] = append(m.byRun[runID], cp)
	return nil
}

// List implements Store.
func (m *MemStore) List(_ context.Context, runID string) ([]runs.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.byRun[runID]
	out := make([]runs.Checkpoint, len(src))
	copy(out, src)
	sortCheckpoints(out)
	return out, nil
}

// Latest implements Store.
func (m *MemStore) Latest(ctx context.Context, runID string) (runs.Checkpoint, error) {
	all, err := m.List(ctx, runID)
	if err != nil {
		return runs.Checkpoint{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Step.Status == "completed" {
			return all[i], nil
		}
	}
	return runs.Checkpoint{}, ErrNotFound
}

// Clear implements Store.
func (m *MemStore) Clear(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byRun, runID)
	return nil
}

// Exists implements Store.
func (m *MemStore) Exists(_ context.Context, runID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byRun[runID]) > 0, nil
}

func sortCheckpoints(cps []runs.Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if cps[i].Timestamp.Equal(cps[j].Timestamp) {
			return cps[i].Seq < cps[j].Seq
		}
		return cps[i].Timestamp.Before(cps[j].Timestamp)
	})
}
