package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/sources"
)

var testNow = time.Date(2026, 2, 5, 3, 0, 0, 0, time.UTC)

func outcome(src contracts.SourceID, home, away int, final bool, staleness time.Duration) sources.FetchOutcome {
	obs := contracts.SourceObservation{
		Source:     src,
		GameID:     "g1",
		HomeTeam:   "BOS",
		AwayTeam:   "MTL",
		HomeScore:  home,
		AwayScore:  away,
		IsFinal:    final,
		ObservedAt: testNow.Add(-staleness),
		FetchedAt:  testNow,
	}
	return sources.FetchOutcome{Source: src, Observation: &obs, EvidenceHash: ""}
}

func failedOutcome(src contracts.SourceID) sources.FetchOutcome {
	return sources.FetchOutcome{Source: src, Err: contracts.ErrUpstreamUnavailable}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	return NewEngine(nil, evidence.NewMemoryStore(), cfg, nil)
}

func TestEngine_FullAgreementFinal(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	res, err := e.Reconcile(context.Background(), "g1", []sources.FetchOutcome{
		outcome(contracts.SourceStatsFeed, 8, 3, true, 0),
		outcome(contracts.SourceLeagueAPI, 8, 3, true, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.ConsensusConfirmed, res.Status)
	assert.InDelta(t, 1.0, res.Confidence, 1e-6)
	assert.ElementsMatch(t,
		[]contracts.SourceID{contracts.SourceStatsFeed, contracts.SourceLeagueAPI},
		res.AgreeingSources)
	assert.Empty(t, res.DisagreeingSources)
	assert.False(t, res.RequiresReconciliation)
	require.NotNil(t, res.GameData)
	assert.Equal(t, 8, res.GameData.HomeScore)
	assert.Len(t, res.EvidenceHash, 64)
}

func TestEngine_Disagreement(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	res, err := e.Reconcile(context.Background(), "g1", []sources.FetchOutcome{
		outcome(contracts.SourceStatsFeed, 8, 3, true, 0),
		outcome(contracts.SourceLeagueAPI, 7, 3, true, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.ConsensusNeedsReview, res.Status)
	assert.True(t, res.RequiresReconciliation)
	// Majority cluster is the 0.6-weight stats feed.
	assert.Equal(t, []contracts.SourceID{contracts.SourceStatsFeed}, res.AgreeingSources)
	assert.Equal(t, []contracts.SourceID{contracts.SourceLeagueAPI}, res.DisagreeingSources)
	assert.InDelta(t, 0.6, res.Confidence, 1e-6)
	require.NotNil(t, res.GameData)
	assert.Equal(t, 8, res.GameData.HomeScore)
}

func TestEngine_ProvisionalInProgress(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	// Both agree but in progress: weight = (0.6+0.4) * 0.8 = 0.8 >= 0.75,
	// so fresh in-progress agreement still confirms.
	res, err := e.Reconcile(context.Background(), "g1", []sources.FetchOutcome{
		outcome(contracts.SourceStatsFeed, 3, 2, false, 0),
		outcome(contracts.SourceLeagueAPI, 3, 2, false, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ConsensusConfirmed, res.Status)
	assert.InDelta(t, 0.8, res.Confidence, 1e-6)

	// With only the weaker source reachable, confidence drops below the
	// threshold and the result is provisional.
	res, err = e.Reconcile(context.Background(), "g1", []sources.FetchOutcome{
		outcome(contracts.SourceLeagueAPI, 3, 2, false, 0),
		failedOutcome(contracts.SourceStatsFeed),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ConsensusProvisional, res.Status)
	assert.InDelta(t, 0.32, res.Confidence, 1e-6)
	assert.Equal(t, []contracts.SourceID{contracts.SourceStatsFeed}, res.UnavailableSources)
}

func TestEngine_StalenessDiscountsWeight(t *testing.T) {
	cfg := DefaultConfig()
	e := newTestEngine(t, cfg)

	// Final agreement, but both observations are past the staleness horizon:
	// weight = 1.0 * 1.0 * 0.6 per source, total 0.6.
	res, err := e.Reconcile(context.Background(), "g1", []sources.FetchOutcome{
		outcome(contracts.SourceStatsFeed, 8, 3, true, cfg.StalenessHorizon+time.Minute),
		outcome(contracts.SourceLeagueAPI, 8, 3, true, cfg.StalenessHorizon+time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ConsensusConfirmed, res.Status)
	assert.InDelta(t, 0.6, res.Confidence, 1e-6)
}

func TestEngine_RecencyLinearDecay(t *testing.T) {
	cfg := DefaultConfig()
	e := newTestEngine(t, cfg)

	// Halfway across the horizon the factor is the midpoint of 1.0 and 0.6.
	assert.InDelta(t, 0.8, e.recencyFactor(contracts.SourceObservation{
		ObservedAt: testNow.Add(-cfg.StalenessHorizon / 2),
		FetchedAt:  testNow,
	}), 1e-9)
	assert.InDelta(t, 1.0, e.recencyFactor(contracts.SourceObservation{
		ObservedAt: testNow,
		FetchedAt:  testNow,
	}), 1e-9)
}

func TestEngine_EqualWeightTieEscalates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SourceWeights = map[contracts.SourceID]float64{
		contracts.SourceStatsFeed: 0.5,
		contracts.SourceLeagueAPI: 0.5,
	}
	e := newTestEngine(t, cfg)

	res, err := e.Reconcile(context.Background(), "g1", []sources.FetchOutcome{
		outcome(contracts.SourceStatsFeed, 8, 3, true, 0),
		outcome(contracts.SourceLeagueAPI, 7, 3, true, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.ConsensusNeedsReview, res.Status)
	assert.True(t, res.RequiresReconciliation)
	assert.Nil(t, res.GameData, "equal clusters must not be guessed between")
	assert.Empty(t, res.AgreeingSources)
	assert.ElementsMatch(t,
		[]contracts.SourceID{contracts.SourceStatsFeed, contracts.SourceLeagueAPI},
		res.DisagreeingSources)
	assert.Zero(t, res.Confidence)
}

func TestEngine_TieBrokenByHighestTrust(t *testing.T) {
	// Same cluster weights, different raw trust: the final league report
	// (0.4 * 1.0) ties the in-progress stats report (0.5 * 0.8), and the
	// tie-break prefers the cluster holding the higher raw trust weight.
	cfg := DefaultConfig()
	cfg.SourceWeights = map[contracts.SourceID]float64{
		contracts.SourceStatsFeed: 0.5,
		contracts.SourceLeagueAPI: 0.4,
	}
	e := newTestEngine(t, cfg)

	res, err := e.Reconcile(context.Background(), "g1", []sources.FetchOutcome{
		outcome(contracts.SourceStatsFeed, 3, 2, false, 0),
		outcome(contracts.SourceLeagueAPI, 4, 2, true, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, contracts.ConsensusNeedsReview, res.Status)
	assert.Equal(t, []contracts.SourceID{contracts.SourceStatsFeed}, res.AgreeingSources)
	require.NotNil(t, res.GameData)
	assert.Equal(t, 3, res.GameData.HomeScore)
}

func TestEngine_NoSources(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	_, err := e.Reconcile(context.Background(), "g1", []sources.FetchOutcome{
		failedOutcome(contracts.SourceStatsFeed),
		failedOutcome(contracts.SourceLeagueAPI),
	})
	require.ErrorIs(t, err, contracts.ErrUpstreamUnavailable)
}

func TestEngine_Metrics(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	_, err := e.Reconcile(ctx, "g1", []sources.FetchOutcome{
		outcome(contracts.SourceStatsFeed, 8, 3, true, 0),
		outcome(contracts.SourceLeagueAPI, 8, 3, true, 0),
	})
	require.NoError(t, err)
	_, err = e.Reconcile(ctx, "g2", []sources.FetchOutcome{
		outcome(contracts.SourceStatsFeed, 8, 3, true, 0),
		outcome(contracts.SourceLeagueAPI, 7, 3, true, 0),
	})
	require.NoError(t, err)

	m := e.Metrics()
	assert.Equal(t, int64(2), m.TotalEvaluations)
	assert.Equal(t, int64(1), m.Confirmed)
	assert.Equal(t, int64(1), m.NeedsReview)
	assert.InDelta(t, 0.8, m.AvgConfidence, 1e-6)
}

func TestEngine_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genOutcome := func(src contracts.SourceID) gopter.Gen {
		return gopter.CombineGens(
			gen.IntRange(0, 12),
			gen.IntRange(0, 12),
			gen.Bool(),
			gen.Int64Range(0, int64(10*time.Minute)),
		).Map(func(vals []interface{}) sources.FetchOutcome {
			return outcome(src,
				vals[0].(int), vals[1].(int), vals[2].(bool),
				time.Duration(vals[3].(int64)))
		})
	}

	properties.Property("same observations produce the same decision", prop.ForAll(
		func(a, b sources.FetchOutcome) bool {
			e := NewEngine(nil, evidence.NewMemoryStore(), DefaultConfig(), nil)
			ctx := context.Background()
			in := []sources.FetchOutcome{a, b}

			first, err := e.Reconcile(ctx, "g1", in)
			if err != nil {
				return false
			}
			// Reversed input order must not change the decision either.
			second, err := e.Reconcile(ctx, "g1", []sources.FetchOutcome{b, a})
			if err != nil {
				return false
			}
			return first.Status == second.Status &&
				first.Confidence == second.Confidence &&
				first.EvidenceHash == second.EvidenceHash &&
				first.Confidence >= 0 && first.Confidence <= 1
		},
		genOutcome(contracts.SourceStatsFeed),
		genOutcome(contracts.SourceLeagueAPI),
	))

	properties.TestingRun(t)
}
