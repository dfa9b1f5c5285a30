package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus counters, gauges, and histograms the
// durable execution core exports. All series are namespaced "gwi_".
//
// NewMetrics registers every series against the given registry (or the
// default global registry when reg is nil). A nil *Metrics is also
// valid: every method on it is a no-op.
type Metrics struct {
	// Idempotency layer.
	ChecksTotal         *prometheus.CounterVec
	NewRequests         *prometheus.CounterVec
	DuplicatesSkipped   *prometheus.CounterVec
	ProcessingConflicts *prometheus.CounterVec
	LockRecoveries      *prometheus.CounterVec
	CompletedTotal      *prometheus.CounterVec
	FailedTotal         *prometheus.CounterVec
	TTLCleanups         prometheus.Counter

	// Run orchestrator.
	PhaseLatencyMS   *prometheus.HistogramVec
	PhaseFailures    *prometheus.CounterVec
	CheckpointsSaved *prometheus.CounterVec
	RunsResumed      prometheus.Counter

	// Heartbeat / recovery.
	InFlightRuns     prometheus.Gauge
	OrphansDetected  prometheus.Counter
	RecoveryResumed  prometheus.Counter
	RecoveryFailed   prometheus.Counter
	RecoverySkipped  prometheus.Counter
}

// NewMetrics registers the full metric set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with other
// registrations in the same process; pass nil in production to use the
// default registry scraped by /metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_idempotency_checks_total",
			Help: "Total idempotency check-and-set invocations, by source.",
		}, []string{"source"}),
		NewRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_idempotency_new_requests_total",
			Help: "Idempotency checks that resulted in a new in-flight record.",
		}, []string{"source"}),
		DuplicatesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_idempotency_duplicates_skipped_total",
			Help: "Idempotency checks replayed from a settled record.",
		}, []string{"source"}),
		ProcessingConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_idempotency_processing_conflicts_total",
			Help: "Idempotency checks that hit a still-locked in-flight record.",
		}, []string{"source"}),
		LockRecoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_idempotency_lock_recoveries_total",
			Help: "Idempotency checks that reclaimed an expired processing lock.",
		}, []string{"source"}),
		CompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_idempotency_completed_total",
			Help: "Idempotency records settled as completed.",
		}, []string{"source"}),
		FailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_idempotency_failed_total",
			Help: "Idempotency records settled as failed.",
		}, []string{"source"}),
		TTLCleanups: factory.NewCounter(prometheus.CounterOpts{
			Name: "gwi_idempotency_ttl_cleanups_total",
			Help: "Expired idempotency records removed by cleanupExpired sweeps.",
		}),

		PhaseLatencyMS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gwi_orchestrator_phase_latency_ms",
			Help:    "Phase execution duration in milliseconds.",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 300000},
		}, []string{"run_type", "phase", "status"}),
		PhaseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_orchestrator_phase_failures_total",
			Help: "Phases that terminated the run with an error.",
		}, []string{"run_type", "phase"}),
		CheckpointsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gwi_orchestrator_checkpoints_saved_total",
			Help: "Checkpoints appended by the run orchestrator.",
		}, []string{"run_type", "phase"}),
		RunsResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gwi_orchestrator_runs_resumed_total",
			Help: "Runs started with a non-nil ResumeContext.",
		}),

		InFlightRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gwi_heartbeat_inflight_runs",
			Help: "Runs currently heartbeating under this worker's ownership.",
		}),
		OrphansDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "gwi_recovery_orphans_detected_total",
			Help: "In-flight runs found with a stale heartbeat at startup.",
		}),
		RecoveryResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gwi_recovery_resumed_total",
			Help: "Orphans the recovery orchestrator resumed.",
		}),
		RecoveryFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gwi_recovery_failed_total",
			Help: "Orphans the recovery orchestrator force-failed.",
		}),
		RecoverySkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gwi_recovery_skipped_total",
			Help: "Orphans already terminal, skipped by recovery.",
		}),
	}
}

// ObservePhase records a phase's outcome. Call with the wall-clock
// duration measured by the caller; kept as a helper so orchestrator code
// never touches histogram buckets directly.
func (m *Metrics) ObservePhase(runType, phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseLatencyMS.WithLabelValues(runType, phase, status).Observe(float64(d.Milliseconds()))
}

// The incX helpers below are all nil-safe (a nil *Metrics is the
// default for components built without an explicit registry, e.g. in
// unit tests) so call sites never need their own nil checks.

func (m *Metrics) IncChecksTotal(source string) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncNewRequests(source string) {
	if m == nil {
		return
	}
	m.NewRequests.WithLabelValues(source).Inc()
}

func (m *Metrics) IncDuplicatesSkipped(source string) {
	if m == nil {
		return
	}
	m.DuplicatesSkipped.WithLabelValues(source).Inc()
}

func (m *Metrics) IncProcessingConflicts(source string) {
	if m == nil {
		return
	}
	m.ProcessingConflicts.WithLabelValues(source).Inc()
}

func (m *Metrics) IncLockRecoveries(source string) {
	if m == nil {
		return
	}
	m.LockRecoveries.WithLabelValues(source).Inc()
}

func (m *Metrics) IncCompletedTotal(source string) {
	if m == nil {
		return
	}
	m.CompletedTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncFailedTotal(source string) {
	if m == nil {
		return
	}
	m.FailedTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncTTLCleanups(n int) {
	if m == nil {
		return
	}
	m.TTLCleanups.Add(float64(n))
}

// IncCheckpointsSaved records a checkpoint write by the run orchestrator.
func (m *Metrics) IncCheckpointsSaved(runType, phase string) {
	if m == nil {
		return
	}
	m.CheckpointsSaved.WithLabelValues(runType, phase).Inc()
}

// IncPhaseFailure records a phase that terminated its run with an error.
func (m *Metrics) IncPhaseFailure(runType, phase string) {
	if m == nil {
		return
	}
	m.PhaseFailures.WithLabelValues(runType, phase).Inc()
}

// IncRunsResumed records a run started from a non-nil ResumeContext.
func (m *Metrics) IncRunsResumed() {
	if m == nil {
		return
	}
	m.RunsResumed.Inc()
}

// SetInFlightRuns updates the heartbeat service's gauge of runs
// currently heartbeating under this worker's ownership.
func (m *Metrics) SetInFlightRuns(n int) {
	if m == nil {
		return
	}
	m.InFlightRuns.Set(float64(n))
}

// IncOrphansDetected records an in-flight run found with a stale
// heartbeat at recovery startup.
func (m *Metrics) IncOrphansDetected() {
	if m == nil {
		return
	}
	m.OrphansDetected.Inc()
}

// IncRecoveryResumed records an orphan the recovery orchestrator resumed.
func (m *Metrics) IncRecoveryResumed() {
	if m == nil {
		return
	}
	m.RecoveryResumed.Inc()
}

// IncRecoveryFailed records an orphan the recovery orchestrator
// force-failed.
func (m *Metrics) IncRecoveryFailed() {
	if m == nil {
		return
	}
	m.RecoveryFailed.Inc()
}

// IncRecoverySkipped records an orphan already terminal, skipped by
// recovery.
func (m *Metrics) IncRecoverySkipped() {
	if m == nil {
		return
	}
	m.RecoverySkipped.Inc()
}
