// Package resilience provides per-dependency failure isolation: circuit
// breakers that fail fast when an upstream is degraded, and advisory rate
// limiters that bound aggregate load on each provider. Instances are shared,
// mutex-guarded singletons per dependency.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/promoguard/core/pkg/contracts"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes one dependency's breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit once this many failures land inside
	// the rolling Window.
	FailureThreshold int
	// Window is the rolling interval failures are counted over.
	Window time.Duration
	// ResetTimeout is how long the circuit stays open before the first
	// half-open probe. Each failed probe doubles it, up to MaxResetTimeout.
	ResetTimeout    time.Duration
	MaxResetTimeout time.Duration
}

// DefaultBreakerConfig mirrors the common production setting: 5 failures in
// a 30s window, 10s reset backing off to 5m.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		ResetTimeout:     10 * time.Second,
		MaxResetTimeout:  5 * time.Minute,
	}
}

// BreakerStats is a point-in-time snapshot for health reporting.
type BreakerStats struct {
	Name           string       `json:"name"`
	State          BreakerState `json:"state"`
	TotalRequests  int64        `json:"total_requests"`
	FailureCount   int64        `json:"failure_count"`
	RejectedCount  int64        `json:"rejected_count"`
	Transitions    int64        `json:"transitions"`
	LastTransition time.Time    `json:"last_transition,omitempty"`
}

// CircuitBreaker isolates one upstream dependency.
//
// Closed: requests flow, failures are counted in a rolling window.
// Open: every request fails fast with contracts.ErrCircuitOpen.
// Half-open: after the reset timeout exactly one probe is let through;
// success closes the circuit, failure re-opens it with a doubled timeout.
type CircuitBreaker struct {
	mu   sync.Mutex
	name string
	cfg  BreakerConfig

	state        BreakerState
	failures     []time.Time // rolling window
	openedAt     time.Time
	currentReset time.Duration
	probing      bool

	totalRequests  int64
	totalFailures  int64
	rejectedCount  int64
	transitions    int64
	lastTransition time.Time

	clock func() time.Time
}

// NewCircuitBreaker creates a breaker for the named dependency.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.MaxResetTimeout < cfg.ResetTimeout {
		cfg.MaxResetTimeout = 5 * time.Minute
	}
	return &CircuitBreaker{
		name:         name,
		cfg:          cfg,
		state:        StateClosed,
		currentReset: cfg.ResetTimeout,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for tests.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

// Allow reports whether a request may proceed. In the open state it counts
// a fast-fail; in half-open it admits exactly one probe at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.currentReset {
			cb.transition(StateHalfOpen, now)
			cb.probing = true
			cb.totalRequests++
			return true
		}
		cb.rejectedCount++
		return false
	case StateHalfOpen:
		if cb.probing {
			cb.rejectedCount++
			return false
		}
		cb.probing = true
		cb.totalRequests++
		return true
	default:
		cb.totalRequests++
		return true
	}
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed, now)
		cb.currentReset = cb.cfg.ResetTimeout
	}
	cb.probing = false
	cb.failures = cb.failures[:0]
}

// Failure records a failed call and trips the circuit when the rolling
// window crosses the threshold.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	cb.totalFailures++

	if cb.state == StateHalfOpen {
		// Failed probe: re-open with a backed-off timeout.
		cb.probing = false
		cb.openedAt = now
		cb.currentReset = minDuration(cb.currentReset*2, cb.cfg.MaxResetTimeout)
		cb.transition(StateOpen, now)
		return
	}

	cb.failures = append(cb.failures, now)
	cb.pruneWindow(now)
	if cb.state == StateClosed && len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.openedAt = now
		cb.transition(StateOpen, now)
	}
}

// Do runs fn under the breaker, translating an open circuit into
// contracts.ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return contracts.ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot for health reporting.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneWindow(cb.clock())
	return BreakerStats{
		Name:           cb.name,
		State:          cb.state,
		TotalRequests:  cb.totalRequests,
		FailureCount:   cb.totalFailures,
		RejectedCount:  cb.rejectedCount,
		Transitions:    cb.transitions,
		LastTransition: cb.lastTransition,
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to BreakerState, at time.Time) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.transitions++
	cb.lastTransition = at
}

// pruneWindow must be called with cb.mu held.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.cfg.Window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
