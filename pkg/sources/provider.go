// Package sources fetches one provider's view of a game. Each upstream is a
// small Provider implementation behind a shared interface; the Fetcher wraps
// every provider with its circuit breaker and rate limiter so the consensus
// layer stays provider-agnostic and tolerant of partial failure.
package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/promoguard/core/pkg/contracts"
)

// Provider is one upstream game-data source.
type Provider interface {
	// ID names the provider; it keys breakers, limiters, and trust weights.
	ID() contracts.SourceID
	// APIVersion is the upstream API version the implementation speaks.
	APIVersion() string
	// Fetch returns the provider's current snapshot of the game.
	Fetch(ctx context.Context, gameID string) (contracts.SourceObservation, error)
}

// Registry holds the configured providers and gates registration on a
// semver compatibility range, so an implementation built against a retired
// upstream API version fails loudly at startup instead of mis-parsing.
type Registry struct {
	mu         sync.RWMutex
	providers  map[contracts.SourceID]Provider
	constraint *semver.Constraints
}

// NewRegistry creates a registry. compatRange is a semver constraint like
// ">= 1.0.0, < 3.0.0"; empty means no gate.
func NewRegistry(compatRange string) (*Registry, error) {
	r := &Registry{providers: make(map[contracts.SourceID]Provider)}
	if compatRange != "" {
		c, err := semver.NewConstraint(compatRange)
		if err != nil {
			return nil, fmt.Errorf("provider compat range: %w", err)
		}
		r.constraint = c
	}
	return r, nil
}

// Register adds a provider, enforcing the compatibility gate.
func (r *Registry) Register(p Provider) error {
	if r.constraint != nil {
		v, err := semver.NewVersion(p.APIVersion())
		if err != nil {
			return fmt.Errorf("provider %s: bad API version %q: %w", p.ID(), p.APIVersion(), err)
		}
		if !r.constraint.Check(v) {
			return fmt.Errorf("provider %s: API version %s outside supported range", p.ID(), p.APIVersion())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("provider %s already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// All returns the registered providers.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Get returns one provider.
func (r *Registry) Get(id contracts.SourceID) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}
