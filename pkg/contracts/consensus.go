package contracts

// ConsensusStatus classifies the outcome of reconciling all sources.
type ConsensusStatus string

const (
	// ConsensusConfirmed means all reachable sources agree and at least one
	// reported the game final.
	ConsensusConfirmed ConsensusStatus = "CONFIRMED"
	// ConsensusProvisional means only in-progress data was available and the
	// weighted confidence fell below the approval threshold.
	ConsensusProvisional ConsensusStatus = "PROVISIONAL"
	// ConsensusNeedsReview means sources contradicted each other (or tied);
	// a human must reconcile before the decision can be trusted.
	ConsensusNeedsReview ConsensusStatus = "NEEDS_REVIEW"
)

// ConsensusResult is the weighted reconciliation of N source fetches.
// Created fresh on every evaluation and never updated in place; a
// re-evaluation produces a new result referencing new evidence.
type ConsensusResult struct {
	GameID                 string             `json:"game_id"`
	Status                 ConsensusStatus    `json:"status"`
	Confidence             float64            `json:"confidence"` // [0,1]
	GameData               *SourceObservation `json:"game_data,omitempty"` // winning cluster's view
	AgreeingSources        []SourceID         `json:"agreeing_sources"`
	DisagreeingSources     []SourceID         `json:"disagreeing_sources"`
	UnavailableSources     []SourceID         `json:"unavailable_sources,omitempty"`
	DecisionRationale      string             `json:"decision_rationale"`
	RequiresReconciliation bool               `json:"requires_reconciliation"`
	// FetchHashes are the evidence hashes of the observations the decision
	// was computed from.
	FetchHashes  []string `json:"fetch_hashes,omitempty"`
	EvidenceHash string   `json:"evidence_hash"`
}
