package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// WorkflowStatus is the lifecycle of one orchestration run.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
)

// WorkflowExecution is one orchestration run for one GameEvent. Terminal
// once completed or failed; a failure after partial bridge writes carries
// the rollback record that reverted them.
type WorkflowExecution struct {
	ExecutionID          string          `json:"execution_id"`
	EventID              string          `json:"event_id"`
	GameID               string          `json:"game_id"`
	PromotionsToValidate []string        `json:"promotions_to_validate"`
	ApprovedPromotions   []string        `json:"approved_promotions"`
	RejectedPromotions   []string        `json:"rejected_promotions"`
	FailedPromotions     []string        `json:"failed_promotions"`
	ReviewPromotions     []string        `json:"review_promotions,omitempty"`
	Status               WorkflowStatus  `json:"status"`
	EvidenceChain        EvidenceChain   `json:"evidence_chain"`
	Rollback             *RollbackRecord `json:"rollback,omitempty"`
	StartedAt            time.Time       `json:"started_at"`
	CompletedAt          time.Time       `json:"completed_at,omitempty"`
	ProcessingTime       time.Duration   `json:"processing_time_ns"`
	Error                string          `json:"error,omitempty"`
}

// RollbackStep is one compensating action issued after a partial failure.
type RollbackStep struct {
	Order       int    `json:"order"`
	Action      string `json:"action"` // e.g. "revert_promotion_status"
	Target      string `json:"target"` // promotion ID affected
	PriorStatus string `json:"prior_status"`
	Succeeded   bool   `json:"succeeded"`
	Error       string `json:"error,omitempty"`
}

// RollbackRecord is the structured compensation applied when the integration
// bridge fails after some approvals were already persisted. The record is
// itself stored as evidence.
type RollbackRecord struct {
	RollbackID   string         `json:"rollback_id"`
	ExecutionID  string         `json:"execution_id"`
	Steps        []RollbackStep `json:"steps"`
	ExecutedAt   time.Time      `json:"executed_at"`
	ContentHash  string         `json:"content_hash"`
	EvidenceHash string         `json:"evidence_hash,omitempty"`
}

// NewRollbackRecord builds a record with a content hash over its steps.
func NewRollbackRecord(executionID string, steps []RollbackStep, at time.Time) *RollbackRecord {
	input := fmt.Sprintf("rollback|%s|%d", executionID, len(steps))
	for _, s := range steps {
		input += fmt.Sprintf("|%d:%s:%s:%t", s.Order, s.Action, s.Target, s.Succeeded)
	}
	h := sha256.Sum256([]byte(input))
	return &RollbackRecord{
		RollbackID:  "rb-" + executionID,
		ExecutionID: executionID,
		Steps:       steps,
		ExecutedAt:  at,
		ContentHash: hex.EncodeToString(h[:]),
	}
}

// Complete reports whether every step succeeded.
func (r *RollbackRecord) Complete() bool {
	for _, s := range r.Steps {
		if !s.Succeeded {
			return false
		}
	}
	return len(r.Steps) > 0
}
