package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/resilience"
)

func testObservation(src contracts.SourceID) contracts.SourceObservation {
	return contracts.SourceObservation{
		Source:     src,
		GameID:     "g1",
		HomeTeam:   "BOS",
		AwayTeam:   "MTL",
		HomeScore:  3,
		AwayScore:  1,
		Period:     "P2",
		ObservedAt: time.Date(2026, 2, 5, 2, 0, 0, 0, time.UTC),
		FetchedAt:  time.Date(2026, 2, 5, 2, 0, 1, 0, time.UTC),
	}
}

func newTestFetcher(t *testing.T, providers ...Provider) *Fetcher {
	t.Helper()
	r, err := NewRegistry("")
	require.NoError(t, err)
	for _, p := range providers {
		require.NoError(t, r.Register(p))
	}
	return NewFetcher(r, evidence.NewMemoryStore(), resilience.NewLocalLimiter(), DefaultFetcherConfig(), nil)
}

func TestFetcher_RecordsEvidence(t *testing.T) {
	p := &stubProvider{
		id:      contracts.SourceStatsFeed,
		version: "2.1.0",
		fetch: func(_ context.Context, _ string) (contracts.SourceObservation, error) {
			return testObservation(contracts.SourceStatsFeed), nil
		},
	}
	f := newTestFetcher(t, p)

	outcomes := f.FetchAll(context.Background(), "g1")
	require.Len(t, outcomes, 1)

	out := outcomes[0]
	require.True(t, out.Available())
	assert.Len(t, out.EvidenceHash, 64)
	assert.NotEmpty(t, out.EvidenceURI)
	assert.Equal(t, 3, out.Observation.HomeScore)
}

func TestFetcher_PartialFailure(t *testing.T) {
	good := &stubProvider{
		id:      contracts.SourceStatsFeed,
		version: "2.1.0",
		fetch: func(_ context.Context, _ string) (contracts.SourceObservation, error) {
			return testObservation(contracts.SourceStatsFeed), nil
		},
	}
	bad := &stubProvider{
		id:      contracts.SourceLeagueAPI,
		version: "1.4.2",
		fetch: func(_ context.Context, _ string) (contracts.SourceObservation, error) {
			return contracts.SourceObservation{}, contracts.ErrUpstreamUnavailable
		},
	}
	f := newTestFetcher(t, good, bad)

	outcomes := f.FetchAll(context.Background(), "g1")
	require.Len(t, outcomes, 2)

	byID := map[contracts.SourceID]FetchOutcome{}
	for _, o := range outcomes {
		byID[o.Source] = o
	}
	assert.True(t, byID[contracts.SourceStatsFeed].Available())
	assert.ErrorIs(t, byID[contracts.SourceLeagueAPI].Err, contracts.ErrUpstreamUnavailable)
}

func TestFetcher_BreakerOpensAndFailsFast(t *testing.T) {
	var calls int
	p := &stubProvider{
		id:      contracts.SourceLeagueAPI,
		version: "1.4.2",
		fetch: func(_ context.Context, _ string) (contracts.SourceObservation, error) {
			calls++
			return contracts.SourceObservation{}, errors.New("boom")
		},
	}
	r, err := NewRegistry("")
	require.NoError(t, err)
	require.NoError(t, r.Register(p))

	cfg := DefaultFetcherConfig()
	cfg.Breaker = resilience.BreakerConfig{
		FailureThreshold: 3,
		Window:           time.Minute,
		ResetTimeout:     time.Minute,
		MaxResetTimeout:  time.Hour,
	}
	cfg.Limits[contracts.SourceLeagueAPI] = resilience.LimitPolicy{RPM: 6000, Burst: 100}
	f := NewFetcher(r, evidence.NewMemoryStore(), resilience.NewLocalLimiter(), cfg, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out := f.FetchOne(ctx, contracts.SourceLeagueAPI, "g1")
		require.Error(t, out.Err)
	}
	require.Equal(t, 3, calls)

	// Circuit is open now: the provider must not be invoked again.
	out := f.FetchOne(ctx, contracts.SourceLeagueAPI, "g1")
	assert.ErrorIs(t, out.Err, contracts.ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestFetcher_RateLimited(t *testing.T) {
	p := &stubProvider{
		id:      contracts.SourceStatsFeed,
		version: "2.1.0",
		fetch: func(_ context.Context, _ string) (contracts.SourceObservation, error) {
			return testObservation(contracts.SourceStatsFeed), nil
		},
	}
	r, err := NewRegistry("")
	require.NoError(t, err)
	require.NoError(t, r.Register(p))

	cfg := DefaultFetcherConfig()
	cfg.Limits[contracts.SourceStatsFeed] = resilience.LimitPolicy{RPM: 1, Burst: 1}
	f := NewFetcher(r, evidence.NewMemoryStore(), resilience.NewLocalLimiter(), cfg, nil)

	ctx := context.Background()
	out := f.FetchOne(ctx, contracts.SourceStatsFeed, "g1")
	require.True(t, out.Available())

	out = f.FetchOne(ctx, contracts.SourceStatsFeed, "g1")
	assert.ErrorIs(t, out.Err, contracts.ErrRateLimited)
}

func TestFetcher_UnknownProvider(t *testing.T) {
	f := newTestFetcher(t)
	out := f.FetchOne(context.Background(), contracts.SourceStatsFeed, "g1")
	assert.ErrorIs(t, out.Err, contracts.ErrNotFound)
}
