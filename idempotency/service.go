package idempotency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/intent-solutions-io/git-with-intent/canon"
	"github.com/intent-solutions-io/git-with-intent/idkey"
	"github.com/intent-solutions-io/git-with-intent/telemetry"
)

// Handler runs the caller's actual work under the acquired processing
// lock. It returns the runId produced (if any) and a CachedResponse to
// store for replay.
type Handler func(ctx context.Context) (runID string, resp CachedResponse, err error)

// Config carries the Service's TTL and retry knobs.
type Config struct {
	LockTimeoutMS  int64
	MaxAttempts    int
	CompletedTTLMS int64
	FailedTTLMS    int64
}

// DefaultConfig returns the suggested defaults: a 5-minute lock,
// 3 reclaim attempts, a 24h completed TTL, and a shorter 1h failed TTL
// so legitimate retries aren't blocked long.
func DefaultConfig() Config {
	return Config{
		LockTimeoutMS:  5 * 60 * 1000,
		MaxAttempts:    3,
		CompletedTTLMS: 24 * 60 * 60 * 1000,
		FailedTTLMS:    1 * 60 * 60 * 1000,
	}
}

// Service is the Idempotency Layer: it derives keys, performs
// the transactional check-and-set, and invokes at most one Handler per
// settled key.
type Service struct {
	store   Store
	cfg     Config
	log     *zap.Logger
	metrics *telemetry.Metrics
	emitter telemetry.Emitter
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

// WithMetrics sets the Prometheus metric set.
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithEmitter sets the observability event emitter.
func WithEmitter(e telemetry.Emitter) Option { return func(s *Service) { s.emitter = e } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService constructs the idempotency service over store.
func NewService(store Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:   store,
		cfg:     cfg,
		log:     zap.NewNop(),
		emitter: telemetry.NullEmitter{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KeyInput carries the source-specific fields process/check use to
// derive a deterministic idkey.Key.
type KeyInput struct {
	Source idkey.Source
	Fields idkey.Fields
}

// Result is what Process/Check return to the caller.
type Result struct {
	Processed bool
	RunID     string
	Response  CachedResponse
}

// Process derives the key, performs check-and-set, and on a fresh
// acquisition invokes handler under the lock, settling the record with
// its outcome. Duplicates replay the cached outcome without invoking
// handler; concurrent processing raises *IdempotencyProcessingError.
func (s *Service) Process(ctx context.Context, in KeyInput, tenantID string, payload any, handler Handler) (Result, error) {
	key, requestHash, err := s.deriveKeyAndHash(in, payload)
	if err != nil {
		return Result{}, err
	}

	s.metrics.IncChecksTotal(string(in.Source))

	res, err := s.store.CheckAndSet(ctx, tenantID, string(key), requestHash, string(in.Source), s.checkCfg())
	if err != nil {
		return Result{}, fmt.Errorf("idempotency: check-and-set: %w", err)
	}

	switch res.Kind() {
	case ResultProcessing:
		s.metrics.IncProcessingConflicts(string(in.Source))
		rec := res.Record()
		var lockExp int64
		if rec.LockExpiresAt != nil {
			lockExp = rec.LockExpiresAt.UnixMilli()
		}
		return Result{}, &IdempotencyProcessingError{Key: string(key), LockExpiresAt: lockExp}

	case ResultDuplicate:
		s.metrics.IncDuplicatesSkipped(string(in.Source))
		rec := res.Record()
		var resp CachedResponse
		if rec.Response != nil {
			resp = *rec.Response
		}
		s.emitter.Emit(telemetry.Event{TenantID: tenantID, Msg: "idempotency_duplicate", Fields: map[string]any{"key": key}, At: s.now()})
		return Result{Processed: false, RunID: rec.RunID, Response: resp}, nil

	default: // ResultNew
		if res.LockRecovered() {
			s.metrics.IncLockRecoveries(string(in.Source))
			s.log.Warn("idempotency: reclaimed expired processing lock",
				zap.String("key", string(key)), zap.Int("attempts", res.Record().Attempts))
		}
		s.metrics.IncNewRequests(string(in.Source))
		return s.runHandler(ctx, tenantID, string(in.Source), key, handler)
	}
}

func (s *Service) runHandler(ctx context.Context, tenantID, source string, key idkey.Key, handler Handler) (Result, error) {
	runID, resp, err := handler(ctx)
	if err != nil {
		if failErr := s.store.Fail(ctx, tenantID, string(key), err.Error(), s.cfg.FailedTTLMS); failErr != nil {
			s.log.Error("idempotency: failed to persist handler failure", zap.Error(failErr), zap.String("key", string(key)))
		}
		s.metrics.IncFailedTotal(source)
		return Result{}, err
	}
	if compErr := s.store.Complete(ctx, tenantID, string(key), runID, resp, s.cfg.CompletedTTLMS); compErr != nil {
		return Result{}, fmt.Errorf("idempotency: complete: %w", compErr)
	}
	s.metrics.IncCompletedTotal(source)
	s.emitter.Emit(telemetry.Event{TenantID: tenantID, RunID: runID, Msg: "idempotency_completed", At: s.now()})
	return Result{Processed: true, RunID: runID, Response: resp}, nil
}

// Check is identical to Process but
// never invokes a handler, for HTTP middleware that must capture the
// response outside the transaction.
func (s *Service) Check(ctx context.Context, in KeyInput, tenantID string, payload any) (CheckResult, idkey.Key, error) {
	key, requestHash, err := s.deriveKeyAndHash(in, payload)
	if err != nil {
		return CheckResult{}, "", err
	}
	s.metrics.IncChecksTotal(string(in.Source))
	res, err := s.store.CheckAndSet(ctx, tenantID, string(key), requestHash, string(in.Source), s.checkCfg())
	if err != nil {
		return CheckResult{}, "", fmt.Errorf("idempotency: check-and-set: %w", err)
	}
	switch res.Kind() {
	case ResultNew:
		if res.LockRecovered() {
			s.metrics.IncLockRecoveries(string(in.Source))
		}
		s.metrics.IncNewRequests(string(in.Source))
	case ResultDuplicate:
		s.metrics.IncDuplicatesSkipped(string(in.Source))
	case ResultProcessing:
		s.metrics.IncProcessingConflicts(string(in.Source))
	}
	return res, key, nil
}

// Complete settles a record previously acquired through Check with the
// response the caller captured outside the transaction (the HTTP
// middleware path).
func (s *Service) Complete(ctx context.Context, tenantID string, key idkey.Key, runID string, resp CachedResponse) error {
	if err := s.store.Complete(ctx, tenantID, string(key), runID, resp, s.cfg.CompletedTTLMS); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	s.metrics.IncCompletedTotal(sourceOf(key))
	return nil
}

// Fail settles a record previously acquired through Check as failed.
func (s *Service) Fail(ctx context.Context, tenantID string, key idkey.Key, errMsg string) error {
	if err := s.store.Fail(ctx, tenantID, string(key), errMsg, s.cfg.FailedTTLMS); err != nil {
		return fmt.Errorf("idempotency: fail: %w", err)
	}
	s.metrics.IncFailedTotal(sourceOf(key))
	return nil
}

func sourceOf(key idkey.Key) string {
	src, _, err := idkey.Parse(key)
	if err != nil {
		return "unknown"
	}
	return string(src)
}

// GetStatus is a non-mutating lookup.
func (s *Service) GetStatus(ctx context.Context, tenantID string, key idkey.Key) (Record, error) {
	return s.store.Get(ctx, tenantID, string(key))
}

// CleanupExpired runs the periodic TTL sweep.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.store.CleanupExpired(ctx, s.now().UnixMilli())
	if err == nil {
		s.metrics.IncTTLCleanups(n)
	}
	return n, err
}

func (s *Service) deriveKeyAndHash(in KeyInput, payload any) (idkey.Key, string, error) {
	key, err := idkey.Derive(in.Source, in.Fields)
	if err != nil {
		return "", "", fmt.Errorf("idempotency: derive key: %w", err)
	}
	hash, err := canon.Hash(payload)
	if err != nil {
		return "", "", fmt.Errorf("idempotency: hash payload: %w", err)
	}
	return key, hash, nil
}

func (s *Service) checkCfg() CheckAndSetConfig {
	return CheckAndSetConfig{
		NowUnixMilli:  s.now().UnixMilli(),
		LockTimeoutMS: s.cfg.LockTimeoutMS,
		MaxAttempts:   s.cfg.MaxAttempts,
		FailedTTLMS:   s.cfg.FailedTTLMS,
	}
}
