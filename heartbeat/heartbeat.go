// Package heartbeat implements the Heartbeat and Ownership Tracker: it
// periodically stamps lastHeartbeatAt/ownerId on every in-flight run
// owned by this worker, and answers orphan queries for the Recovery
// Orchestrator. Ownership is advisory; correctness under split
// ownership is the underlying store's responsibility via conditional
// writes.
package heartbeat

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/runs"
	"github.com/intent-solutions-io/git-with-intent/telemetry"
)

// DefaultInterval is the fixed tick interval for each run's timer.
const DefaultInterval = 30 * time.Second

// DefaultStaleThreshold is ten missed intervals.
const DefaultStaleThreshold = 5 * time.Minute

// NewOwnerID generates the stable-for-process-lifetime identifier
// described below: "<hostname>-<base36-timestamp>-<uuid-8>".
func NewOwnerID(now time.Time) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	ts := big.NewInt(now.UnixNano()).Text(36)
	id := uuid.NewString()
	return fmt.Sprintf("%s-%s-%s", host, ts, id[:8])
}

// Service is the Heartbeat Service. It owns one cancellable timer per
// run it is asked to heartbeat, so shutdown is deterministic.
type Service struct {
	store    runs.Store
	ownerID  string
	interval time.Duration
	log      *zap.Logger
	metrics  *telemetry.Metrics
	emitter  telemetry.Emitter
	clock    func() time.Time

	mu       sync.Mutex
	timers   map[string]*timerEntry
	shutdown bool
}

type timerEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithInterval overrides the tick interval (default DefaultInterval).
func WithInterval(d time.Duration) Option { return func(s *Service) { s.interval = d } }

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

// WithMetrics sets the Prometheus metric set.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithEmitter sets the observability event emitter.
func WithEmitter(e telemetry.Emitter) Option { return func(s *Service) { s.emitter = e } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.clock = now } }

// WithOwnerID overrides the generated OwnerId (tests, or a worker
// restoring a previously-assigned identity).
func WithOwnerID(id string) Option { return func(s *Service) { s.ownerID = id } }

// NewService constructs the heartbeat service over store, generating a
// fresh OwnerId unless WithOwnerID overrides it.
func NewService(store runs.Store, opts ...Option) *Service {
	now := time.Now
	s := &Service{
		store:    store,
		interval: DefaultInterval,
		log:      zap.NewNop(),
		emitter:  telemetry.NullEmitter{},
		clock:    now,
		timers:   make(map[string]*timerEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ownerID == "" {
		s.ownerID = NewOwnerID(s.clock())
	}
	return s
}

// OwnerID returns this worker instance's stable identifier.
func (s *Service) OwnerID() string { return s.ownerID }

// StartHeartbeat starts a per-run ticker that calls updateRunHeartbeat
// on each tick until StopHeartbeat is called or the run reaches a
// terminal status. It refuses to start a new timer after Shutdown.
func (s *Service) StartHeartbeat(tenantID, runID string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("heartbeat: service is shut down, refusing to start run %s", runID)
	}
	if _, exists := s.timers[runID]; exists {
		s.mu.Unlock()
		return nil // already heartbeating; idempotent
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.timers[runID] = &timerEntry{cancel: cancel, done: done}
	s.mu.Unlock()

	s.metrics.SetInFlightRuns(s.activeCount())
	go s.tickLoop(ctx, done, tenantID, runID)
	return nil
}

func (s *Service) tickLoop(ctx context.Context, done chan struct{}, tenantID, runID string) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.updateRunHeartbeat(ctx, tenantID, runID); err != nil {
				if err == runs.ErrTerminal {
					// The run reached a terminal status; retire our own
					// timer entry without calling StopHeartbeat, which
					// would block forever waiting on the done channel
					// this same goroutine is about to close.
					s.mu.Lock()
					delete(s.timers, runID)
					s.mu.Unlock()
					s.metrics.SetInFlightRuns(s.activeCount())
					return
				}
				s.log.Warn("heartbeat: stamp failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}
}

// updateRunHeartbeat stamps lastHeartbeatAt and ownerId on the run.
func (s *Service) updateRunHeartbeat(ctx context.Context, tenantID, runID string) error {
	err := s.store.Heartbeat(ctx, tenantID, runID, s.ownerID, s.clock())
	if err != nil {
		return err
	}
	s.emitter.Emit(telemetry.Event{TenantID: tenantID, RunID: runID, Msg: "heartbeat_stamped", Fields: map[string]any{"owner_id": s.ownerID}, At: s.clock()})
	return nil
}

// StopHeartbeat cancels runID's timer synchronously: it does not
// return until the timer's goroutine has observed cancellation and
// exited.
func (s *Service) StopHeartbeat(runID string) {
	s.mu.Lock()
	entry, ok := s.timers[runID]
	if ok {
		delete(s.timers, runID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	<-entry.done
	s.metrics.SetInFlightRuns(s.activeCount())
}

// Shutdown cancels every active timer and refuses further
// StartHeartbeat calls. It blocks until all timers have stopped, so no
// heartbeat side effects are in flight when it returns.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	entries := make([]*timerEntry, 0, len(s.timers))
	for id, e := range s.timers {
		entries = append(entries, e)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		<-e.done
	}
	s.metrics.SetInFlightRuns(0)
}

func (s *Service) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// ListOrphanedRuns returns every in-flight run whose heartbeat is older
// than now-staleThreshold. It does not unilaterally fail orphans; that
// decision belongs to the Recovery Orchestrator. An empty
// tenantID scans across every tenant this worker serves.
func (s *Service) ListOrphanedRuns(ctx context.Context, tenantID string, staleThreshold time.Duration) ([]runs.Run, error) {
	return s.store.ListOrphaned(ctx, tenantID, staleThreshold, s.clock())
}
