package contracts

import "time"

// PromotionStatus is the lifecycle of a promotional offer.
type PromotionStatus string

const (
	PromotionActive    PromotionStatus = "active"
	PromotionTriggered PromotionStatus = "triggered"
	PromotionRejected  PromotionStatus = "rejected"
	PromotionExpired   PromotionStatus = "expired"
)

// Promotion is the persistence layer's view of an offer, read through the
// integration bridge. The core never writes promotions directly; status
// flips go through the bridge with the evidence hash that justified them.
type Promotion struct {
	ID        string           `json:"id"`
	TeamID    string           `json:"team_id"`
	Title     string           `json:"title"`
	Status    PromotionStatus  `json:"status"`
	Trigger   TriggerCondition `json:"trigger"`
	ExpiresAt time.Time        `json:"expires_at,omitempty"`
}

// TriggeredDeal is the redemption window created for an approved promotion.
type TriggeredDeal struct {
	PromotionID string    `json:"promotion_id"`
	GameID      string    `json:"game_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// User is a notification target with a team preference.
type User struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}
