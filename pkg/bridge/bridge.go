// Package bridge is the boundary to the promotion persistence layer. The
// core reads promotions and users through it and writes status flips and
// triggered deals back; any failure surfaces as *contracts.IntegrationError
// so the orchestrator knows a compensating rollback may be due.
package bridge

import (
	"context"

	"github.com/promoguard/core/pkg/contracts"
)

// Bridge is the external contract the core calls synchronously.
type Bridge interface {
	GetPromotionsByTeam(ctx context.Context, teamID string) ([]contracts.Promotion, error)
	// UpdatePromotionStatus flips a promotion's lifecycle status, recording
	// the evidence hash that justified the flip.
	UpdatePromotionStatus(ctx context.Context, id string, status contracts.PromotionStatus, evidenceHash string) error
	CreateTriggeredDeal(ctx context.Context, deal contracts.TriggeredDeal) error
	GetUsersByTeamPreference(ctx context.Context, teamID string) ([]contracts.User, error)
}
