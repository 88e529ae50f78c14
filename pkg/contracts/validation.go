package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ValidationRecord is one verdict for one (promotion, game) pair. Records
// are created once per unique trigger evaluation; a re-submission with the
// same idempotency key returns the cached record instead of recomputing.
type ValidationRecord struct {
	ValidationID         string          `json:"validation_id"`
	PromotionID          string          `json:"promotion_id"`
	GameID               string          `json:"game_id"`
	IsValid              bool            `json:"is_valid"`
	Confidence           float64         `json:"confidence"`
	ConsensusStatus      ConsensusStatus `json:"consensus_status"`
	EvidenceChain        EvidenceChain   `json:"evidence_chain"`
	RequiresManualReview bool            `json:"requires_manual_review"`
	Rationale            string          `json:"rationale"`
	ValidatedAt          time.Time       `json:"validated_at"`
}

// ValidationID derives the deterministic idempotency key for a trigger
// evaluation. Two calls for the same promotion, game, and time bucket always
// produce the same ID, which is what makes at-least-once delivery safe.
func ValidationID(promotionID, gameID string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Hour
	}
	slot := at.UTC().Truncate(bucket).Unix()
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", promotionID, gameID, slot)))
	return hex.EncodeToString(h[:])
}
