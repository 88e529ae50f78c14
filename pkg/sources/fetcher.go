package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/resilience"
)

// FetchOutcome is one provider's tagged result for a game. Exactly one of
// Observation or Err is meaningful; Err carries contracts.ErrCircuitOpen,
// contracts.ErrRateLimited, or the provider failure.
type FetchOutcome struct {
	Source       contracts.SourceID
	Observation  *contracts.SourceObservation
	EvidenceHash string
	EvidenceURI  string
	Err          error
}

// Available reports whether the outcome carries a usable observation.
func (o FetchOutcome) Available() bool { return o.Err == nil && o.Observation != nil }

// FetcherConfig tunes the protective wrappers around each provider.
type FetcherConfig struct {
	Breaker resilience.BreakerConfig
	Limits  map[contracts.SourceID]resilience.LimitPolicy
}

// DefaultFetcherConfig uses the default breaker and a 120 rpm / burst 10
// budget per provider.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Breaker: resilience.DefaultBreakerConfig(),
		Limits: map[contracts.SourceID]resilience.LimitPolicy{
			contracts.SourceStatsFeed: {RPM: 120, Burst: 10},
			contracts.SourceLeagueAPI: {RPM: 120, Burst: 10},
		},
	}
}

// Fetcher fans a game lookup out to every registered provider, each behind
// its own circuit breaker and rate budget. Every successful observation is
// written to the evidence store before the outcome is returned, so consensus
// always runs over observations that are already on the record.
type Fetcher struct {
	registry *Registry
	store    evidence.Store
	limiter  resilience.Limiter
	cfg      FetcherConfig
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[contracts.SourceID]*resilience.CircuitBreaker
}

// NewFetcher creates a fetcher over the registry.
func NewFetcher(registry *Registry, store evidence.Store, limiter resilience.Limiter, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = resilience.NewLocalLimiter()
	}
	return &Fetcher{
		registry: registry,
		store:    store,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With("component", "fetcher"),
		breakers: make(map[contracts.SourceID]*resilience.CircuitBreaker),
	}
}

// FetchAll queries every registered provider concurrently and returns one
// outcome per provider. It never fails as a whole: a dead upstream becomes a
// tagged error outcome, not a missing entry.
func (f *Fetcher) FetchAll(ctx context.Context, gameID string) []FetchOutcome {
	providers := f.registry.All()
	outcomes := make([]FetchOutcome, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			outcomes[i] = f.fetchOne(ctx, p, gameID)
		}(i, p)
	}
	wg.Wait()
	return outcomes
}

// FetchOne queries a single provider through its wrappers.
func (f *Fetcher) FetchOne(ctx context.Context, id contracts.SourceID, gameID string) FetchOutcome {
	p, ok := f.registry.Get(id)
	if !ok {
		return FetchOutcome{Source: id, Err: fmt.Errorf("%w: provider %s", contracts.ErrNotFound, id)}
	}
	return f.fetchOne(ctx, p, gameID)
}

func (f *Fetcher) fetchOne(ctx context.Context, p Provider, gameID string) FetchOutcome {
	id := p.ID()
	out := FetchOutcome{Source: id}

	policy, ok := f.cfg.Limits[id]
	if !ok {
		policy = resilience.LimitPolicy{RPM: 60, Burst: 5}
	}
	decision, err := f.limiter.Consume(ctx, string(id), policy)
	if err != nil {
		// A broken shared limiter must not take the pipeline down; log and
		// fall through to the breaker.
		f.logger.Warn("limiter check failed, proceeding", "source", id, "error", err)
	} else if !decision.Allowed {
		out.Err = fmt.Errorf("%w: %s", contracts.ErrRateLimited, id)
		return out
	}

	var obs contracts.SourceObservation
	err = f.breaker(id).Do(ctx, func(ctx context.Context) error {
		var ferr error
		obs, ferr = p.Fetch(ctx, gameID)
		return ferr
	})
	if err != nil {
		if !errors.Is(err, contracts.ErrCircuitOpen) {
			f.logger.Warn("provider fetch failed", "source", id, "game_id", gameID, "error", err)
		}
		out.Err = err
		return out
	}

	ev, err := f.store.Put(ctx, obs)
	if err != nil {
		// The observation is only trustworthy once it is on the record.
		out.Err = fmt.Errorf("store fetch evidence: %w", err)
		return out
	}

	out.Observation = &obs
	out.EvidenceHash = ev.Hash
	out.EvidenceURI = ev.URI
	f.logger.Debug("provider observation recorded",
		"source", id, "game_id", gameID,
		"home_score", obs.HomeScore, "away_score", obs.AwayScore,
		"is_final", obs.IsFinal, "evidence_hash", ev.Hash)
	return out
}

// breaker returns the lazily created breaker for a provider.
func (f *Fetcher) breaker(id contracts.SourceID) *resilience.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[id]
	if !ok {
		cb = resilience.NewCircuitBreaker(string(id), f.cfg.Breaker)
		f.breakers[id] = cb
	}
	return cb
}

// BreakerStats snapshots every provider breaker for health reporting.
func (f *Fetcher) BreakerStats() []resilience.BreakerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]resilience.BreakerStats, 0, len(f.breakers))
	for _, cb := range f.breakers {
		out = append(out, cb.Stats())
	}
	return out
}

// Breaker exposes one provider's breaker, mainly for operator endpoints that
// force a reset after a known-good upstream fix.
func (f *Fetcher) Breaker(id contracts.SourceID) (*resilience.CircuitBreaker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[id]
	return cb, ok
}

// staleObservationCutoff is how old an observation may be before the fetch
// layer flags it in logs. Consensus applies its own recency weighting; this
// is purely operator visibility.
const staleObservationCutoff = 2 * time.Minute

// LogStale emits a warning for observations past the staleness cutoff.
func (f *Fetcher) LogStale(outcomes []FetchOutcome) {
	for _, o := range outcomes {
		if !o.Available() {
			continue
		}
		if age := o.Observation.Staleness(); age > staleObservationCutoff {
			f.logger.Warn("stale observation",
				"source", o.Source, "game_id", o.Observation.GameID, "age", age.String())
		}
	}
}
