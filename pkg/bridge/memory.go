package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/promoguard/core/pkg/contracts"
)

// Memory is an in-memory Bridge for tests and local development. Failure
// injection hooks let tests force integration failures mid-flight.
type Memory struct {
	mu         sync.Mutex
	promotions map[string]contracts.Promotion
	evidence   map[string]string // promotion ID -> last justifying evidence hash
	deals      []contracts.TriggeredDeal
	users      map[string][]contracts.User

	// FailUpdateStatus, when set, is consulted before each status flip; a
	// non-nil return is surfaced as an integration failure.
	FailUpdateStatus func(id string, status contracts.PromotionStatus) error
	// FailCreateDeal, when set, fails deal creation the same way.
	FailCreateDeal func(deal contracts.TriggeredDeal) error
}

// NewMemory creates an empty in-memory bridge.
func NewMemory() *Memory {
	return &Memory{
		promotions: make(map[string]contracts.Promotion),
		evidence:   make(map[string]string),
		users:      make(map[string][]contracts.User),
	}
}

// AddPromotion seeds a promotion.
func (m *Memory) AddPromotion(p contracts.Promotion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promotions[p.ID] = p
}

// AddUser seeds a user preference.
func (m *Memory) AddUser(u contracts.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.TeamID] = append(m.users[u.TeamID], u)
}

// Promotion returns a seeded promotion by ID.
func (m *Memory) Promotion(id string) (contracts.Promotion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promotions[id]
	return p, ok
}

// Deals returns the created deals.
func (m *Memory) Deals() []contracts.TriggeredDeal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]contracts.TriggeredDeal, len(m.deals))
	copy(out, m.deals)
	return out
}

// GetPromotionsByTeam implements Bridge.
func (m *Memory) GetPromotionsByTeam(_ context.Context, teamID string) ([]contracts.Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []contracts.Promotion
	for _, p := range m.promotions {
		if p.TeamID == teamID {
			out = append(out, p)
		}
	}
	return out, nil
}

// UpdatePromotionStatus implements Bridge.
func (m *Memory) UpdatePromotionStatus(_ context.Context, id string, status contracts.PromotionStatus, evidenceHash string) error {
	m.mu.Lock()
	failHook := m.FailUpdateStatus
	m.mu.Unlock()
	if failHook != nil {
		if err := failHook(id, status); err != nil {
			return &contracts.IntegrationError{Op: "update_promotion_status", Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promotions[id]
	if !ok {
		return &contracts.IntegrationError{
			Op:  "update_promotion_status",
			Err: fmt.Errorf("%w: promotion %s", contracts.ErrNotFound, id),
		}
	}
	p.Status = status
	m.promotions[id] = p
	m.evidence[id] = evidenceHash
	return nil
}

// EvidenceFor returns the evidence hash recorded with the last status flip.
func (m *Memory) EvidenceFor(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evidence[id]
}

// CreateTriggeredDeal implements Bridge.
func (m *Memory) CreateTriggeredDeal(_ context.Context, deal contracts.TriggeredDeal) error {
	m.mu.Lock()
	failHook := m.FailCreateDeal
	m.mu.Unlock()
	if failHook != nil {
		if err := failHook(deal); err != nil {
			return &contracts.IntegrationError{Op: "create_triggered_deal", Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals = append(m.deals, deal)
	return nil
}

// GetUsersByTeamPreference implements Bridge.
func (m *Memory) GetUsersByTeamPreference(_ context.Context, teamID string) ([]contracts.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.User(nil), m.users[teamID]...), nil
}
