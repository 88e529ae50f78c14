// Package consensus reconciles the per-provider observations of a game into
// a single weighted decision. Evaluation is deterministic for fixed inputs:
// the same observations under the same weights always yield the same status
// and confidence.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/sources"
)

// TieBreakPolicy selects the winning cluster when disagreeing clusters carry
// equal total weight.
type TieBreakPolicy string

const (
	// TieBreakHighestWeight prefers the cluster containing the single most
	// trusted source. If that also ties, the tie escalates.
	TieBreakHighestWeight TieBreakPolicy = "highest_weight"
	// TieBreakEscalate never picks a winner on equal cluster weights.
	TieBreakEscalate TieBreakPolicy = "escalate"
)

// Config tunes the reconciliation.
type Config struct {
	// SourceWeights are the fixed trust weights; they should sum to 1.0.
	SourceWeights map[contracts.SourceID]float64
	// ApprovalThreshold is the minimum confidence for agreement on purely
	// in-progress data to count as CONFIRMED rather than PROVISIONAL.
	ApprovalThreshold float64
	// StalenessHorizon is where the recency factor bottoms out.
	StalenessHorizon time.Duration
	// RecencyFloor is the recency factor at and past the horizon.
	RecencyFloor float64
	TieBreak     TieBreakPolicy
}

// DefaultConfig returns the standard two-source setup.
func DefaultConfig() Config {
	return Config{
		SourceWeights: map[contracts.SourceID]float64{
			contracts.SourceStatsFeed: 0.6,
			contracts.SourceLeagueAPI: 0.4,
		},
		ApprovalThreshold: 0.75,
		StalenessHorizon:  5 * time.Minute,
		RecencyFloor:      0.6,
		TieBreak:          TieBreakHighestWeight,
	}
}

// Metrics is a point-in-time snapshot of engine activity.
type Metrics struct {
	TotalEvaluations int64   `json:"total_evaluations"`
	Confirmed        int64   `json:"confirmed"`
	Provisional      int64   `json:"provisional"`
	NeedsReview      int64   `json:"needs_review"`
	AvgConfidence    float64 `json:"avg_confidence"`
}

// Engine evaluates weighted multi-source consensus for a game.
type Engine struct {
	fetcher *sources.Fetcher
	store   evidence.Store
	cfg     Config
	logger  *slog.Logger

	mu            sync.Mutex
	total         int64
	byStatus      map[contracts.ConsensusStatus]int64
	confidenceSum float64
}

// NewEngine creates an engine. A nil logger falls back to slog.Default.
func NewEngine(fetcher *sources.Fetcher, store evidence.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ApprovalThreshold <= 0 {
		cfg.ApprovalThreshold = 0.75
	}
	if cfg.StalenessHorizon <= 0 {
		cfg.StalenessHorizon = 5 * time.Minute
	}
	if cfg.RecencyFloor <= 0 || cfg.RecencyFloor > 1 {
		cfg.RecencyFloor = 0.6
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakHighestWeight
	}
	return &Engine{
		fetcher:  fetcher,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "consensus"),
		byStatus: make(map[contracts.ConsensusStatus]int64),
	}
}

// weighted is one usable observation with its computed weight.
type weighted struct {
	obs    contracts.SourceObservation
	weight float64
	// trust is the raw sourceWeight, used by the tie-break rule.
	trust        float64
	evidenceHash string
}

// evaluationRecord is what gets written to the evidence store for each
// evaluation: the inputs and the decision, minus the hash that names it.
type evaluationRecord struct {
	GameID       string                        `json:"game_id"`
	Observations []contracts.SourceObservation `json:"observations"`
	Weights      map[string]float64            `json:"weights"`
	FetchHashes  []string                      `json:"fetch_hashes,omitempty"`
	Status       contracts.ConsensusStatus     `json:"status"`
	Confidence   float64                       `json:"confidence"`
	Rationale    string                        `json:"rationale"`
}

// Evaluate fetches from every configured source and reconciles the results.
// Individual source failures reduce confidence instead of aborting; only a
// fully unreachable source set or an evidence-store failure is an error.
func (e *Engine) Evaluate(ctx context.Context, gameID string) (*contracts.ConsensusResult, error) {
	outcomes := e.fetcher.FetchAll(ctx, gameID)
	e.fetcher.LogStale(outcomes)
	return e.Reconcile(ctx, gameID, outcomes)
}

// Reconcile runs the weighting and agreement rules over already-fetched
// outcomes. Split out from Evaluate so replayed or test-supplied observation
// sets go through the identical decision path.
func (e *Engine) Reconcile(ctx context.Context, gameID string, outcomes []sources.FetchOutcome) (*contracts.ConsensusResult, error) {
	var usable []weighted
	var unavailable []contracts.SourceID
	for _, o := range outcomes {
		if !o.Available() {
			unavailable = append(unavailable, o.Source)
			continue
		}
		trust := e.cfg.SourceWeights[o.Source]
		usable = append(usable, weighted{
			obs:          *o.Observation,
			weight:       trust * qualityFactor(*o.Observation) * e.recencyFactor(*o.Observation),
			trust:        trust,
			evidenceHash: o.EvidenceHash,
		})
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: no source produced an observation for game %s",
			contracts.ErrUpstreamUnavailable, gameID)
	}
	sortSourceIDs(unavailable)

	// Deterministic processing order regardless of fetch completion order.
	sort.Slice(usable, func(i, j int) bool { return usable[i].obs.Source < usable[j].obs.Source })

	clusters := clusterByTuple(usable)
	result := &contracts.ConsensusResult{
		GameID:             gameID,
		UnavailableSources: unavailable,
	}

	if len(clusters) == 1 {
		e.decideAgreement(result, clusters[0])
	} else {
		e.decideDisagreement(result, clusters)
	}
	result.Confidence = clamp01(round6(result.Confidence))

	if err := e.persist(ctx, result, usable); err != nil {
		return nil, err
	}
	e.record(result)

	e.logger.Info("consensus evaluated",
		"game_id", gameID, "status", result.Status,
		"confidence", result.Confidence,
		"agreeing", len(result.AgreeingSources),
		"disagreeing", len(result.DisagreeingSources),
		"unavailable", len(result.UnavailableSources))
	return result, nil
}

// cluster groups observations that reported the same score tuple.
type cluster struct {
	tuple   contracts.ScoreTuple
	members []weighted
	weight  float64
	// maxTrust is the highest raw source weight inside the cluster.
	maxTrust float64
}

func clusterByTuple(usable []weighted) []cluster {
	byTuple := make(map[contracts.ScoreTuple]*cluster)
	var order []contracts.ScoreTuple
	for _, w := range usable {
		t := w.obs.Tuple()
		c, ok := byTuple[t]
		if !ok {
			c = &cluster{tuple: t}
			byTuple[t] = c
			order = append(order, t)
		}
		c.members = append(c.members, w)
		c.weight += w.weight
		if w.trust > c.maxTrust {
			c.maxTrust = w.trust
		}
	}
	out := make([]cluster, 0, len(order))
	for _, t := range order {
		out = append(out, *byTuple[t])
	}
	return out
}

func (e *Engine) decideAgreement(result *contracts.ConsensusResult, c cluster) {
	result.AgreeingSources = memberIDs(c)
	result.DisagreeingSources = []contracts.SourceID{}
	result.Confidence = c.weight
	result.GameData = &c.members[0].obs

	anyFinal := false
	for _, m := range c.members {
		if m.obs.IsFinal {
			anyFinal = true
			break
		}
	}
	switch {
	case anyFinal:
		result.Status = contracts.ConsensusConfirmed
		result.DecisionRationale = fmt.Sprintf(
			"all %d reachable sources agree on final score %d-%d",
			len(c.members), c.tuple.HomeScore, c.tuple.AwayScore)
	case c.weight < e.cfg.ApprovalThreshold:
		result.Status = contracts.ConsensusProvisional
		result.DecisionRationale = fmt.Sprintf(
			"only in-progress data available; weighted confidence %.4f below approval threshold %.2f",
			c.weight, e.cfg.ApprovalThreshold)
	default:
		result.Status = contracts.ConsensusConfirmed
		result.DecisionRationale = fmt.Sprintf(
			"all %d reachable sources agree on in-progress score %d-%d above approval threshold",
			len(c.members), c.tuple.HomeScore, c.tuple.AwayScore)
	}
}

func (e *Engine) decideDisagreement(result *contracts.ConsensusResult, clusters []cluster) {
	result.Status = contracts.ConsensusNeedsReview
	result.RequiresReconciliation = true

	sort.Slice(clusters, func(i, j int) bool {
		if !weightsEqual(clusters[i].weight, clusters[j].weight) {
			return clusters[i].weight > clusters[j].weight
		}
		return clusters[i].maxTrust > clusters[j].maxTrust
	})

	winner := clusters[0]
	tied := weightsEqual(winner.weight, clusters[1].weight)
	resolvable := tied &&
		e.cfg.TieBreak == TieBreakHighestWeight &&
		!weightsEqual(winner.maxTrust, clusters[1].maxTrust)

	if tied && !resolvable {
		// Exactly equal clusters are never guessed between.
		result.AgreeingSources = []contracts.SourceID{}
		result.DisagreeingSources = allMemberIDs(clusters)
		result.Confidence = 0
		result.DecisionRationale = fmt.Sprintf(
			"%d clusters with equal weight %.4f; refusing to pick a winner, manual reconciliation required",
			len(clusters), winner.weight)
		return
	}

	result.AgreeingSources = memberIDs(winner)
	result.DisagreeingSources = allMemberIDs(clusters[1:])
	result.Confidence = winner.weight
	result.GameData = &winner.members[0].obs
	if tied {
		result.DecisionRationale = fmt.Sprintf(
			"sources disagree; tied clusters broken toward the one containing trust weight %.2f, score %d-%d",
			winner.maxTrust, winner.tuple.HomeScore, winner.tuple.AwayScore)
	} else {
		result.DecisionRationale = fmt.Sprintf(
			"sources disagree; majority-weight cluster (%.4f) reports %d-%d",
			winner.weight, winner.tuple.HomeScore, winner.tuple.AwayScore)
	}
}

// persist writes the evaluation to the evidence store and stamps the hash on
// the result. A result without its evidence on record is never returned.
func (e *Engine) persist(ctx context.Context, result *contracts.ConsensusResult, usable []weighted) error {
	rec := evaluationRecord{
		GameID:     result.GameID,
		Weights:    make(map[string]float64, len(usable)),
		Status:     result.Status,
		Confidence: result.Confidence,
		Rationale:  result.DecisionRationale,
	}
	for _, w := range usable {
		rec.Observations = append(rec.Observations, w.obs)
		rec.Weights[string(w.obs.Source)] = round6(w.weight)
		if w.evidenceHash != "" {
			rec.FetchHashes = append(rec.FetchHashes, w.evidenceHash)
		}
	}
	ev, err := e.store.Put(ctx, rec)
	if err != nil {
		return fmt.Errorf("persist consensus evidence: %w", err)
	}
	result.FetchHashes = rec.FetchHashes
	result.EvidenceHash = ev.Hash
	return nil
}

func (e *Engine) record(result *contracts.ConsensusResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total++
	e.byStatus[result.Status]++
	e.confidenceSum += result.Confidence
}

// Metrics returns a snapshot of engine counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := Metrics{
		TotalEvaluations: e.total,
		Confirmed:        e.byStatus[contracts.ConsensusConfirmed],
		Provisional:      e.byStatus[contracts.ConsensusProvisional],
		NeedsReview:      e.byStatus[contracts.ConsensusNeedsReview],
	}
	if e.total > 0 {
		m.AvgConfidence = round6(e.confidenceSum / float64(e.total))
	}
	return m
}

// qualityFactor discounts in-progress data.
func qualityFactor(o contracts.SourceObservation) float64 {
	if o.IsFinal {
		return 1.0
	}
	return 0.8
}

// recencyFactor decays linearly from 1.0 to the floor across the staleness
// horizon.
func (e *Engine) recencyFactor(o contracts.SourceObservation) float64 {
	age := o.Staleness()
	if age <= 0 {
		return 1.0
	}
	if age >= e.cfg.StalenessHorizon {
		return e.cfg.RecencyFloor
	}
	frac := float64(age) / float64(e.cfg.StalenessHorizon)
	return 1.0 - frac*(1.0-e.cfg.RecencyFloor)
}

// weightsEqual compares within floating-point epsilon so two clusters built
// from symmetric configurations actually tie.
func weightsEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func memberIDs(c cluster) []contracts.SourceID {
	ids := make([]contracts.SourceID, 0, len(c.members))
	for _, m := range c.members {
		ids = append(ids, m.obs.Source)
	}
	sortSourceIDs(ids)
	return ids
}

func allMemberIDs(clusters []cluster) []contracts.SourceID {
	var ids []contracts.SourceID
	for _, c := range clusters {
		ids = append(ids, memberIDs(c)...)
	}
	sortSourceIDs(ids)
	return ids
}

func sortSourceIDs(ids []contracts.SourceID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
