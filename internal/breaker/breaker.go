// Package breaker implements a generic three-state circuit breaker that
// guards any callable with fail-open-at-the-call-site semantics: when open,
// Execute returns ErrOpen instead of invoking the protected operation.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's current disposition.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the breaker refuses to invoke the
// protected operation. It is distinguishable from any valid T value, so
// callers can always tell a fast-reject apart from a genuine result.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that trips the breaker to OPEN.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays OPEN before the next
	// call is allowed to probe as HALF_OPEN.
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the number of consecutive successful probes
	// required to close the breaker again. Defaults to 1.
	HalfOpenMaxAttempts int
}

// Breaker guards an operation returning (T, error).
type Breaker[T any] struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	lastFailureTime  time.Time
}

// New creates a breaker in the CLOSED state.
func New[T any](cfg Config) *Breaker[T] {
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 1
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Breaker[T]{cfg: cfg, state: Closed}
}

// State returns the current state.
func (b *Breaker[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker[T]) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Execute runs fn under the breaker's guard. If the breaker is open and the
// reset timeout has not elapsed, it returns the zero value of T and ErrOpen
// without invoking fn. Otherwise it invokes fn and updates breaker state
// based on the outcome.
func (b *Breaker[T]) Execute(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if !b.allow() {
		return zero, ErrOpen
	}

	val, err := safeCall(ctx, fn)
	b.record(err == nil)
	if err != nil {
		return zero, err
	}
	return val, nil
}

// safeCall invokes fn and converts any panic into an error, so a protected
// operation that panics is recorded as a failure rather than crashing the
// caller.
func safeCall[T any](ctx context.Context, fn func(context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			val = zero
			err = panicError{r}
		}
	}()
	return fn(ctx)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "breaker: recovered panic in protected call" }

// allow decides, under lock, whether this call may proceed, transitioning
// OPEN -> HALF_OPEN when the reset timeout has elapsed. In HALF_OPEN, the
// number of concurrently in-flight probes (not yet completed successes) is
// what's gated: two goroutines racing Execute while HALF_OPEN must not both
// be admitted past halfOpenMaxAttempts just because neither has recorded a
// result yet.
func (b *Breaker[T]) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailureTime) < b.cfg.ResetTimeout {
			return false
		}
		b.state = HalfOpen
		b.successCount = 0
		b.halfOpenInFlight = 1
		return true
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// record updates counters under lock based on the outcome of an allowed call.
func (b *Breaker[T]) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			if b.failureCount > 0 {
				b.failureCount = 0
			}
			return
		}
		b.failureCount++
		b.lastFailureTime = time.Now()
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.halfOpenInFlight--
		if success {
			b.successCount++
			if b.successCount >= b.cfg.HalfOpenMaxAttempts {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
				b.halfOpenInFlight = 0
			}
			return
		}
		b.state = Open
		b.successCount = 0
		b.halfOpenInFlight = 0
		b.lastFailureTime = time.Now()
	case Open:
		// A sibling probe admitted while HALF_OPEN can still be running
		// when another probe's failure has already flipped the state back
		// to OPEN; drop its in-flight slot without touching anything else.
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
	}
}

// Reset forces the breaker back to CLOSED with all counters zeroed. Provided
// for tests and operator control.
func (b *Breaker[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	b.lastFailureTime = time.Time{}
}
