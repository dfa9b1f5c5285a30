package telemetry

import "go.uber.org/zap"

// NewLogger builds the zap logger used across worker components.
//
// production=true yields a JSON encoder suitable for log aggregation;
// production=false yields the human-readable development encoder used
// by `cmd/gwiworkerd` when run locally.
func NewLogger(production bool) (*zap.Logger, error) {
	if production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// NopLogger returns a logger that discards everything, the default for
// components constructed without an explicit logger.
func NopLogger() *zap.Logger {
	return zap.NewNop()
}

// EventLogger adapts an Emitter onto a zap.Logger, so call sites that
// only have a *zap.Logger in hand (e.g. deep inside a store backend)
// can still surface structured events without threading an Emitter
// through every function signature.
type EventLogger struct {
	log *zap.Logger
}

// NewEventLogger wraps log, defaulting to the no-op logger if nil.
func NewEventLogger(log *zap.Logger) *EventLogger {
	if log == nil {
		log = NopLogger()
	}
	return &EventLogger{log: log}
}

// Emit implements Emitter by writing a structured zap log line.
func (e *EventLogger) Emit(ev Event) {
	fields := make([]zap.Field, 0, len(ev.Fields)+3)
	fields = append(fields,
		zap.String("tenant_id", ev.TenantID),
		zap.String("run_id", ev.RunID),
		zap.String("phase", ev.Phase),
	)
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	e.log.Info(ev.Msg, fields...)
}
