package resilience

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// LimitPolicy is one dependency's request budget.
type LimitPolicy struct {
	// RPM is the sustained budget in requests per minute.
	RPM int
	// Burst is the bucket capacity.
	Burst int
}

// Decision is the outcome of a budget check. Limiters never block the
// caller; enforcement happens at the call site.
type Decision struct {
	Allowed   bool    `json:"allowed"`
	Remaining float64 `json:"remaining"`
}

// Limiter is a token-bucket budget keyed by dependency name, shared across
// all call sites for the same upstream so the aggregate load is what gets
// bounded.
type Limiter interface {
	Consume(ctx context.Context, dependency string, policy LimitPolicy) (Decision, error)
}

// LocalLimiter keeps one in-process rate.Limiter per dependency.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an empty local limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Consume implements Limiter.
func (l *LocalLimiter) Consume(ctx context.Context, dependency string, policy LimitPolicy) (Decision, error) {
	l.mu.Lock()
	lim, ok := l.buckets[dependency]
	if !ok {
		perSec := rate.Limit(float64(policy.RPM) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(perSec, burst)
		l.buckets[dependency] = lim
	}
	l.mu.Unlock()

	allowed := lim.Allow()
	remaining := math.Max(0, math.Floor(lim.Tokens()))
	return Decision{Allowed: allowed, Remaining: remaining}, nil
}

// Snapshot reports the remaining budget per dependency without consuming.
func (l *LocalLimiter) Snapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.buckets))
	for name, lim := range l.buckets {
		out[name] = math.Max(0, math.Floor(lim.Tokens()))
	}
	return out
}
