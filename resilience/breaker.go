// Package resilience wraps github.com/sony/gobreaker around a store
// call so a backend that is down fails fast instead of the caller
// retrying into the ground.
package resilience

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/intent-solutions-io/git-with-intent/coreerr"
)

// Breaker wraps one named dependency (a store, a queue) with a
// three-state circuit: closed (calls pass through), open (calls fail
// immediately with ErrOpen), half-open (a trial call decides whether to
// close again).
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// Config tunes the underlying gobreaker.Settings.
type Config struct {
	// Name identifies this breaker in OnStateChange logging and metrics.
	Name string

	// MaxRequests is the number of calls gobreaker allows through while
	// half-open before deciding to close or re-open.
	MaxRequests uint32

	// ConsecutiveFailures trips the breaker open once this many calls in
	// a row have failed.
	ConsecutiveFailures uint32

	// OnStateChange, if set, is called whenever the breaker transitions
	// between closed, half-open, and open.
	OnStateChange func(name string, from, to gobreaker.State)

	// IsSuccessful, if set, decides which errors count against the
	// breaker. Backends whose API reports not-found as an error (redis.Nil)
	// use this so routine misses never trip the circuit.
	IsSuccessful func(err error) bool
}

// New constructs a Breaker from cfg, defaulting ConsecutiveFailures to 5
// and MaxRequests to 1 (a single half-open probe) when unset.
func New(cfg Config) *Breaker {
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: maxRequests,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = cfg.OnStateChange
	}
	if cfg.IsSuccessful != nil {
		settings.IsSuccessful = cfg.IsSuccessful
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// ErrOpen is returned (wrapped as a coreerr.KindTransientStore error)
// when the breaker is open and short-circuits the call.
var ErrOpen = gobreaker.ErrOpenState

// Do runs fn through the breaker. A call the breaker short-circuits
// (open state, or too many half-open requests) comes back as a
// coreerr.CoreError of Kind TransientStore; an error returned by fn
// itself is passed through unwrapped, so callers can still compare it
// against sentinels such as redis.Nil.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, coreerr.Wrap(coreerr.KindTransientStore, fmt.Sprintf("%s: circuit open", b.cb.Name()), err)
		}
		return zero, err
	}
	return result.(T), nil
}

// State reports the breaker's current state, for health checks and
// metrics gauges.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
