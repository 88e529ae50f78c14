package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promoguard/core/pkg/consensus"
	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
)

// PromotionSource is the slice of the integration bridge the validation
// layer reads from.
type PromotionSource interface {
	GetPromotionsByTeam(ctx context.Context, teamID string) ([]contracts.Promotion, error)
}

// TriggerRequest is one trigger evaluation. TeamID scopes team-relative
// condition fields (team_score, is_home) to the promotion's team.
type TriggerRequest struct {
	PromotionID string                    `json:"promotion_id"`
	GameID      string                    `json:"game_id"`
	TeamID      string                    `json:"team_id,omitempty"`
	Condition   contracts.TriggerCondition `json:"condition"`
}

// Metrics is a snapshot of service counters.
type Metrics struct {
	TotalValidations int64 `json:"total_validations"`
	Approved         int64 `json:"approved"`
	Rejected         int64 `json:"rejected"`
	ManualReview     int64 `json:"manual_review"`
	Replays          int64 `json:"replays"`
}

// Config tunes the service.
type Config struct {
	// IdempotencyBucket is the time bucket folded into validation IDs. Two
	// requests for the same promotion and game inside one bucket replay.
	IdempotencyBucket time.Duration
}

// Service validates promotion triggers against consensus decisions.
// ValidateTrigger is idempotent per (promotion, game, time bucket): the
// first call computes and records, replays return the cached record and
// write no new evidence.
type Service struct {
	engine     *consensus.Engine
	store      evidence.Store
	promotions PromotionSource
	evaluator  *Evaluator
	bucket     time.Duration
	logger     *slog.Logger
	clock      func() time.Time

	mu      sync.Mutex
	records map[string]*contracts.ValidationRecord
	metrics Metrics
}

// NewService creates the service.
func NewService(engine *consensus.Engine, store evidence.Store, promotions PromotionSource, cfg Config, logger *slog.Logger) (*Service, error) {
	evaluator, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdempotencyBucket <= 0 {
		cfg.IdempotencyBucket = time.Hour
	}
	return &Service{
		engine:     engine,
		store:      store,
		promotions: promotions,
		evaluator:  evaluator,
		bucket:     cfg.IdempotencyBucket,
		logger:     logger.With("component", "validation"),
		clock:      time.Now,
		records:    make(map[string]*contracts.ValidationRecord),
	}, nil
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// decisionRecord is the decision evidence written per fresh validation.
type decisionRecord struct {
	ValidationID         string                     `json:"validation_id"`
	PromotionID          string                     `json:"promotion_id"`
	GameID               string                     `json:"game_id"`
	Condition            contracts.TriggerCondition `json:"condition"`
	ConsensusStatus      contracts.ConsensusStatus  `json:"consensus_status"`
	ConsensusEvidence    string                     `json:"consensus_evidence"`
	Confidence           float64                    `json:"confidence"`
	PredicateHolds       bool                       `json:"predicate_holds"`
	IsValid              bool                       `json:"is_valid"`
	RequiresManualReview bool                       `json:"requires_manual_review"`
	Rationale            string                     `json:"rationale"`
}

// ValidateTrigger evaluates one promotion trigger for one game.
func (s *Service) ValidateTrigger(ctx context.Context, req TriggerRequest) (*contracts.ValidationRecord, error) {
	if req.PromotionID == "" || req.GameID == "" {
		return nil, fmt.Errorf("promotion_id and game_id are required")
	}
	if err := s.evaluator.Validate(req.Condition); err != nil {
		return nil, err
	}

	id := contracts.ValidationID(req.PromotionID, req.GameID, s.clock(), s.bucket)
	s.mu.Lock()
	if cached, ok := s.records[id]; ok {
		s.metrics.Replays++
		s.mu.Unlock()
		s.logger.Debug("validation replay", "validation_id", id, "promotion_id", req.PromotionID)
		return cached, nil
	}
	s.mu.Unlock()

	result, err := s.engine.Evaluate(ctx, req.GameID)
	if err != nil {
		return nil, fmt.Errorf("consensus for game %s: %w", req.GameID, err)
	}

	record, err := s.decide(ctx, id, req, result)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Another goroutine may have raced the same key; first write wins so
	// both callers observe one record.
	if existing, ok := s.records[id]; ok {
		s.metrics.Replays++
		s.mu.Unlock()
		return existing, nil
	}
	s.records[id] = record
	s.metrics.TotalValidations++
	switch {
	case record.IsValid:
		s.metrics.Approved++
	case record.RequiresManualReview:
		s.metrics.ManualReview++
	default:
		s.metrics.Rejected++
	}
	s.mu.Unlock()

	s.logger.Info("trigger validated",
		"validation_id", id, "promotion_id", req.PromotionID, "game_id", req.GameID,
		"is_valid", record.IsValid, "manual_review", record.RequiresManualReview,
		"consensus_status", record.ConsensusStatus)
	return record, nil
}

func (s *Service) decide(ctx context.Context, id string, req TriggerRequest, result *contracts.ConsensusResult) (*contracts.ValidationRecord, error) {
	predicate := false
	var predicateErr error
	if result.GameData != nil {
		predicate, predicateErr = s.evaluator.Evaluate(req.Condition, Fields(*result.GameData, req.TeamID))
		if predicateErr != nil {
			return nil, fmt.Errorf("evaluate trigger for promotion %s: %w", req.PromotionID, predicateErr)
		}
	}

	isValid := result.Status == contracts.ConsensusConfirmed && predicate
	manualReview := result.Status == contracts.ConsensusNeedsReview ||
		(result.Status == contracts.ConsensusProvisional && predicate)

	rationale := s.rationale(result, predicate, isValid, manualReview)
	decision := decisionRecord{
		ValidationID:         id,
		PromotionID:          req.PromotionID,
		GameID:               req.GameID,
		Condition:            req.Condition,
		ConsensusStatus:      result.Status,
		ConsensusEvidence:    result.EvidenceHash,
		Confidence:           result.Confidence,
		PredicateHolds:       predicate,
		IsValid:              isValid,
		RequiresManualReview: manualReview,
		Rationale:            rationale,
	}
	ev, err := s.store.Put(ctx, decision)
	if err != nil {
		return nil, fmt.Errorf("persist decision evidence: %w", err)
	}

	chain := contracts.EvidenceChain{}.
		Append(result.FetchHashes...).
		Append(result.EvidenceHash).
		Append(ev.Hash)

	return &contracts.ValidationRecord{
		ValidationID:         id,
		PromotionID:          req.PromotionID,
		GameID:               req.GameID,
		IsValid:              isValid,
		Confidence:           result.Confidence,
		ConsensusStatus:      result.Status,
		EvidenceChain:        chain,
		RequiresManualReview: manualReview,
		Rationale:            rationale,
		ValidatedAt:          s.clock().UTC(),
	}, nil
}

func (s *Service) rationale(result *contracts.ConsensusResult, predicate, isValid, manualReview bool) string {
	switch {
	case isValid:
		return fmt.Sprintf("trigger condition holds under confirmed consensus (confidence %.4f)", result.Confidence)
	case result.Status == contracts.ConsensusNeedsReview:
		return "sources disagree; parked for manual reconciliation: " + result.DecisionRationale
	case result.Status == contracts.ConsensusProvisional && predicate:
		return fmt.Sprintf("trigger condition holds but consensus is provisional (confidence %.4f); manual review required", result.Confidence)
	case !predicate:
		return "trigger condition does not hold for the consensus game data"
	default:
		return result.DecisionRationale
	}
}

// ValidateForGame validates every active promotion associated with either of
// the game's teams. Records are independent; one failed promotion does not
// abort the rest.
func (s *Service) ValidateForGame(ctx context.Context, gameID string) ([]*contracts.ValidationRecord, error) {
	result, err := s.engine.Evaluate(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("consensus for game %s: %w", gameID, err)
	}
	if result.GameData == nil {
		return nil, fmt.Errorf("%w: game %s has no reconciled data to validate against",
			contracts.ErrDisagreement, gameID)
	}

	promos, err := s.PromotionsForGame(ctx, *result.GameData)
	if err != nil {
		return nil, err
	}

	var records []*contracts.ValidationRecord
	for _, p := range promos {
		record, err := s.ValidateTrigger(ctx, TriggerRequest{
			PromotionID: p.ID,
			GameID:      gameID,
			TeamID:      p.TeamID,
			Condition:   p.Trigger,
		})
		if err != nil {
			s.logger.Warn("promotion validation failed",
				"promotion_id", p.ID, "game_id", gameID, "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// PromotionsForGame resolves the active promotions for both teams of a game.
func (s *Service) PromotionsForGame(ctx context.Context, game contracts.SourceObservation) ([]contracts.Promotion, error) {
	var out []contracts.Promotion
	seen := make(map[string]bool)
	for _, team := range []string{game.HomeTeam, game.AwayTeam} {
		if team == "" {
			continue
		}
		promos, err := s.promotions.GetPromotionsByTeam(ctx, team)
		if err != nil {
			return nil, fmt.Errorf("promotions for team %s: %w", team, err)
		}
		for _, p := range promos {
			if p.Status != contracts.PromotionActive || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Record returns the cached record for a validation ID.
func (s *Service) Record(id string) (*contracts.ValidationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// ReviewQueue lists records currently awaiting manual review.
func (s *Service) ReviewQueue() []*contracts.ValidationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.ValidationRecord
	for _, r := range s.records {
		if r.RequiresManualReview {
			out = append(out, r)
		}
	}
	return out
}

// Metrics returns a counter snapshot.
func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
