// Package coreerr centralizes the core error taxonomy (Validation,
// IdempotencyConflict, TransientStore, PolicyDenial, PhaseFailure,
// RecoveryFailure, ConfigurationError) as a structured Kind plus a
// CoreError wrapper, rather than the per-package sentinel-only scheme
// each component also carries for its own local errors.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind names one of the seven error categories the propagation
// policy dispatches on.
type Kind string

// The error kinds the core distinguishes.
const (
	KindValidation          Kind = "validation"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindTransientStore      Kind = "transient_store"
	KindPolicyDenial        Kind = "policy_denial"
	KindPhaseFailure        Kind = "phase_failure"
	KindRecoveryFailure     Kind = "recovery_failure"
	KindConfigurationError  Kind = "configuration_error"
)

// Retryable reports whether the propagation policy retries errors
// of this kind locally rather than surfacing them to the run record.
func (k Kind) Retryable() bool {
	switch k {
	case KindIdempotencyConflict, KindTransientStore:
		return true
	default:
		return false
	}
}

// CoreError is a Kind-tagged error carrying the human-readable message
// that ends up on a Run's error field, a CLI's stderr, or a PolicyDenial
// suggested command.
type CoreError struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements error.
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *CoreError) Unwrap() error { return e.Cause }

// New constructs a CoreError with no wrapped cause.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap constructs a CoreError around cause.
func Wrap(kind Kind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *CoreError from err, if any wraps one.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// CoreError, and ok=false otherwise — callers fall back to treating an
// untagged error as a PhaseFailure, the most common unannotated case.
func KindOf(err error) (Kind, bool) {
	ce, ok := As(err)
	if !ok {
		return "", false
	}
	return ce.Kind, true
}

// PolicyDeniedError builds a PolicyDenial CoreError naming the missing
// scopes and the exact CLI command to run to grant them.
func PolicyDeniedError(runID string, missingScopes []string) *CoreError {
	scopes := ""
	for i, s := range missingScopes {
		if i > 0 {
			scopes += ","
		}
		scopes += s
	}
	return New(KindPolicyDenial, fmt.Sprintf(
		"run %s is missing required approvals; run: gwi approval approve --run %s --scopes %s",
		runID, runID, scopes,
	))
}
