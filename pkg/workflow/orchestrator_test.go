package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoguard/core/pkg/bridge"
	"github.com/promoguard/core/pkg/consensus"
	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/resilience"
	"github.com/promoguard/core/pkg/sources"
	"github.com/promoguard/core/pkg/validation"
)

type fixedProvider struct {
	id      contracts.SourceID
	version string
	obs     contracts.SourceObservation
}

func (f *fixedProvider) ID() contracts.SourceID { return f.id }
func (f *fixedProvider) APIVersion() string     { return f.version }
func (f *fixedProvider) Fetch(_ context.Context, gameID string) (contracts.SourceObservation, error) {
	obs := f.obs
	obs.GameID = gameID
	return obs, nil
}

func finalObs(src contracts.SourceID, home, away int) contracts.SourceObservation {
	now := time.Date(2026, 2, 5, 3, 0, 0, 0, time.UTC)
	return contracts.SourceObservation{
		Source: src, HomeTeam: "BOS", AwayTeam: "MTL",
		HomeScore: home, AwayScore: away, IsFinal: true,
		ObservedAt: now, FetchedAt: now,
	}
}

type fixture struct {
	orch   *Orchestrator
	bridge *bridge.Memory
	store  *evidence.MemoryStore
}

func newFixture(t *testing.T, homeScore, awayScore int) *fixture {
	t.Helper()
	registry, err := sources.NewRegistry("")
	require.NoError(t, err)
	require.NoError(t, registry.Register(&fixedProvider{
		id: contracts.SourceStatsFeed, version: "2.1.0",
		obs: finalObs(contracts.SourceStatsFeed, homeScore, awayScore)}))
	require.NoError(t, registry.Register(&fixedProvider{
		id: contracts.SourceLeagueAPI, version: "1.4.2",
		obs: finalObs(contracts.SourceLeagueAPI, homeScore, awayScore)}))

	store := evidence.NewMemoryStore()
	fcfg := sources.DefaultFetcherConfig()
	fcfg.Limits[contracts.SourceStatsFeed] = resilience.LimitPolicy{RPM: 600000, Burst: 10000}
	fcfg.Limits[contracts.SourceLeagueAPI] = resilience.LimitPolicy{RPM: 600000, Burst: 10000}
	fetcher := sources.NewFetcher(registry, store, resilience.NewLocalLimiter(), fcfg, nil)
	engine := consensus.NewEngine(fetcher, store, consensus.DefaultConfig(), nil)

	br := bridge.NewMemory()
	validator, err := validation.NewService(engine, store, br, validation.Config{}, nil)
	require.NoError(t, err)

	orch := NewOrchestrator(validator, br, store, DefaultConfig(), nil)
	orch.sleep = func(context.Context, time.Duration) {} // no real backoff in tests
	return &fixture{orch: orch, bridge: br, store: store}
}

func gameEndEvent(obs contracts.SourceObservation) contracts.GameEvent {
	return contracts.GameEvent{
		EventID:      "ev-1",
		GameID:       "g1",
		EventType:    contracts.EventGameEnd,
		Timestamp:    obs.FetchedAt,
		CurrentState: obs,
		Triggered:    true,
	}
}

func activePromotion(id, team string, threshold int) contracts.Promotion {
	return contracts.Promotion{
		ID: id, TeamID: team, Status: contracts.PromotionActive,
		Trigger: contracts.TriggerCondition{
			Field: "team_score", Operator: contracts.OpGte, Value: threshold,
		},
	}
}

func TestOrchestrator_ApprovesAndCreatesDeals(t *testing.T) {
	fx := newFixture(t, 8, 3)
	fx.bridge.AddPromotion(activePromotion("promo-home", "BOS", 6))
	fx.bridge.AddPromotion(activePromotion("promo-away", "MTL", 6))
	fx.bridge.AddUser(contracts.User{ID: "u1", TeamID: "BOS"})

	obs := finalObs(contracts.SourceStatsFeed, 8, 3)
	obs.GameID = "g1"
	exec, err := fx.orch.execute(context.Background(), gameEndEvent(obs))
	require.NoError(t, err)

	assert.Equal(t, contracts.WorkflowCompleted, exec.Status)
	assert.Equal(t, []string{"promo-home"}, exec.ApprovedPromotions)
	assert.Equal(t, []string{"promo-away"}, exec.RejectedPromotions)
	assert.NotEmpty(t, exec.EvidenceChain)
	assert.False(t, exec.CompletedAt.IsZero())

	flipped, ok := fx.bridge.Promotion("promo-home")
	require.True(t, ok)
	assert.Equal(t, contracts.PromotionTriggered, flipped.Status)
	assert.NotEmpty(t, fx.bridge.EvidenceFor("promo-home"))

	deals := fx.bridge.Deals()
	require.Len(t, deals, 1)
	assert.Equal(t, "promo-home", deals[0].PromotionID)
	assert.Equal(t, "g1", deals[0].GameID)

	untouched, ok := fx.bridge.Promotion("promo-away")
	require.True(t, ok)
	assert.Equal(t, contracts.PromotionActive, untouched.Status)
}

func TestOrchestrator_RollbackOnPartialBridgeFailure(t *testing.T) {
	fx := newFixture(t, 8, 3)
	fx.bridge.AddPromotion(activePromotion("promo-a", "BOS", 6))
	fx.bridge.AddPromotion(activePromotion("promo-b", "BOS", 6))

	// The second deal write fails after both status flips persisted.
	var deals int
	fx.bridge.FailCreateDeal = func(contracts.TriggeredDeal) error {
		deals++
		if deals >= 2 {
			return errors.New("deals service down")
		}
		return nil
	}

	obs := finalObs(contracts.SourceStatsFeed, 8, 3)
	obs.GameID = "g1"
	exec, err := fx.orch.execute(context.Background(), gameEndEvent(obs))
	require.Error(t, err)

	assert.Equal(t, contracts.WorkflowFailed, exec.Status)
	require.NotNil(t, exec.Rollback)
	assert.True(t, exec.Rollback.Complete(), "every compensation step must succeed")
	require.NoError(t, contracts.ValidateHash(exec.Rollback.EvidenceHash))

	// Both flips reverted.
	for _, id := range []string{"promo-a", "promo-b"} {
		p, ok := fx.bridge.Promotion(id)
		require.True(t, ok)
		assert.Equal(t, contracts.PromotionActive, p.Status, "promotion %s must be reverted", id)
	}

	// The rollback record itself is on the evidence record.
	verifyURI := "mem://evidence/" + exec.Rollback.EvidenceHash
	res, err := fx.store.Verify(context.Background(), verifyURI, exec.Rollback.EvidenceHash)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestOrchestrator_ParksAfterExhaustedRetries(t *testing.T) {
	fx := newFixture(t, 8, 3)
	fx.bridge.AddPromotion(activePromotion("promo-a", "BOS", 6))
	fx.bridge.FailUpdateStatus = func(string, contracts.PromotionStatus) error {
		return errors.New("platform maintenance window")
	}
	fx.orch.cfg.Retry.MaxAttempts = 2

	obs := finalObs(contracts.SourceStatsFeed, 8, 3)
	obs.GameID = "g1"
	fx.orch.process(context.Background(), gameEndEvent(obs))

	parked := fx.orch.Parked()
	require.Len(t, parked, 1)
	assert.Equal(t, "ev-1", parked[0].EventID)
	assert.Equal(t, contracts.EventParked, parked[0].ProcessingStatus)
	assert.Equal(t, 3, parked[0].RetryCount, "initial attempt plus two retries")

	m := fx.orch.Metrics()
	assert.Equal(t, int64(1), m.EventsParked)
	assert.Equal(t, int64(3), m.Executions)
	assert.Equal(t, int64(3), m.Failed)
}

func TestOrchestrator_RetryIsIdempotent(t *testing.T) {
	fx := newFixture(t, 8, 3)
	fx.bridge.AddPromotion(activePromotion("promo-a", "BOS", 6))

	// First attempt fails on the deal write, the retry succeeds. The flip
	// re-applies and only one deal may exist afterwards.
	calls := 0
	fx.bridge.FailCreateDeal = func(contracts.TriggeredDeal) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}

	obs := finalObs(contracts.SourceStatsFeed, 8, 3)
	obs.GameID = "g1"
	fx.orch.process(context.Background(), gameEndEvent(obs))

	assert.Empty(t, fx.orch.Parked())
	require.Len(t, fx.bridge.Deals(), 1)

	p, ok := fx.bridge.Promotion("promo-a")
	require.True(t, ok)
	assert.Equal(t, contracts.PromotionTriggered, p.Status)
}

func TestOrchestrator_RunDrainsQueue(t *testing.T) {
	fx := newFixture(t, 8, 3)
	fx.bridge.AddPromotion(activePromotion("promo-a", "BOS", 6))

	obs := finalObs(contracts.SourceStatsFeed, 8, 3)
	obs.GameID = "g1"
	ev := gameEndEvent(obs)
	fx.orch.HandleEvent(ev)
	fx.orch.HandleEvent(contracts.GameEvent{EventID: "ignored", Triggered: false})

	ctx, cancel := context.WithCancel(context.Background())
	go fx.orch.Run(ctx)

	require.Eventually(t, func() bool {
		return fx.orch.Metrics().EventsProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-fx.orch.Done()

	assert.Len(t, fx.bridge.Deals(), 1)
}
