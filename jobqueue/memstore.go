package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemStore is an in-memory Store, for tests and local development
// only; like the other in-memory stores in this module it logs a
// warning on construction.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemStore constructs an empty in-memory job store. log may be nil.
func NewMemStore(log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("jobqueue.MemStore is not durable across restarts; queued jobs are lost on crash. Use a sqlite/mysql/redis-backed store in production.")
	return &MemStore{jobs: make(map[string]Job)}
}

// Enqueue implements Store.
func (m *MemStore) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Status = StatusPending
	m.jobs[job.ID] = job
	return nil
}

// Claim implements Store.
func (m *MemStore) Claim(_ context.Context, claimedBy string, n int, now time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []string
	for id, j := range m.jobs {
		if j.Status == StatusPending {
			pending = append(pending, id)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := m.jobs[pending[i]], m.jobs[pending[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return pending[i] < pending[j]
	})

	var claimed []Job
	for _, id := range pending {
		if len(claimed) >= n {
			break
		}
		j := m.jobs[id]
		j.Status = StatusClaimed
		j.ClaimedBy = claimedBy
		j.ClaimedAt = &now
		j.LastHeartbeat = &now
		m.jobs[id] = j
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// Heartbeat implements Store.
func (m *MemStore) Heartbeat(_ context.Context, id, claimedBy string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.ClaimedBy != claimedBy {
		return ErrNotClaimed
	}
	j.LastHeartbeat = &now
	m.jobs[id] = j
	return nil
}

// Start implements Store.
func (m *MemStore) Start(_ context.Context, id, claimedBy string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.ClaimedBy != claimedBy {
		return ErrNotClaimed
	}
	j.Status = StatusRunning
	j.StartedAt = &now
	m.jobs[id] = j
	return nil
}

// Complete implements Store.
func (m *MemStore) Complete(_ context.Context, id, claimedBy string, result map[string]any, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.ClaimedBy != claimedBy {
		return ErrNotClaimed
	}
	if j.Terminal() {
		return ErrDeadLettered
	}
	j.Status = StatusCompleted
	j.Result = result
	j.CompletedAt = &now
	m.jobs[id] = j
	return nil
}

// Fail implements Store: it increments Attempts and either returns the
// job to pending for another claim, or dead-letters it once MaxRetries
// is exhausted.
func (m *MemStore) Fail(_ context.Context, id, claimedBy, reason string, now time.Time) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.ClaimedBy != claimedBy {
		return Job{}, ErrNotClaimed
	}
	if j.Terminal() {
		return j, ErrDeadLettered
	}

	j.Attempts++
	j.Error = reason
	if j.Attempts < j.MaxRetries {
		j.Status = StatusPending
		j.ClaimedBy = ""
		j.ClaimedAt = nil
	} else {
		j.Status = StatusDeadLetter
		j.CompletedAt = &now
	}
	m.jobs[id] = j

	if j.Status == StatusDeadLetter {
		return j, ErrDeadLettered
	}
	return j, nil
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j, nil
}
