package idempotency

import (
	"errors"
	"fmt"
)

// ErrProcessing is wrapped by IdempotencyProcessingError.
var ErrProcessing = errors.New("idempotency: request is already being processed")

// IdempotencyProcessingError is raised by Process when a concurrent
// duplicate hits a still-locked in-flight record. HTTP callers
// translate this to a 409 with Retry-After.
type IdempotencyProcessingError struct {
	Key           string
	LockExpiresAt int64 // unix millis
}

// Error implements error.
func (e *IdempotencyProcessingError) Error() string {
	return fmt.Sprintf("idempotency: key %q is already being processed", e.Key)
}

// Unwrap allows errors.Is(err, ErrProcessing).
func (e *IdempotencyProcessingError) Unwrap() error { return ErrProcessing }
