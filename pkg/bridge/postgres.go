package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/promoguard/core/pkg/contracts"
)

// Postgres talks to the promotion platform's database. The core only ever
// touches the four statements below; schema ownership stays with the
// platform.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an opened database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open promotions database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping promotions database: %w", err)
	}
	return NewPostgres(db), nil
}

// Close releases the underlying handle.
func (p *Postgres) Close() error { return p.db.Close() }

// GetPromotionsByTeam implements Bridge.
func (p *Postgres) GetPromotionsByTeam(ctx context.Context, teamID string) ([]contracts.Promotion, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, team_id, title, status, trigger_condition, expires_at
		FROM promotions
		WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, &contracts.IntegrationError{Op: "get_promotions_by_team", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Promotion
	for rows.Next() {
		var (
			promo      contracts.Promotion
			rawTrigger []byte
			expiresAt  sql.NullTime
		)
		if err := rows.Scan(&promo.ID, &promo.TeamID, &promo.Title, &promo.Status, &rawTrigger, &expiresAt); err != nil {
			return nil, &contracts.IntegrationError{Op: "get_promotions_by_team", Err: err}
		}
		if len(rawTrigger) > 0 {
			if err := json.Unmarshal(rawTrigger, &promo.Trigger); err != nil {
				return nil, &contracts.IntegrationError{
					Op:  "get_promotions_by_team",
					Err: fmt.Errorf("decode trigger for promotion %s: %w", promo.ID, err),
				}
			}
		}
		if expiresAt.Valid {
			promo.ExpiresAt = expiresAt.Time
		}
		out = append(out, promo)
	}
	if err := rows.Err(); err != nil {
		return nil, &contracts.IntegrationError{Op: "get_promotions_by_team", Err: err}
	}
	return out, nil
}

// UpdatePromotionStatus implements Bridge.
func (p *Postgres) UpdatePromotionStatus(ctx context.Context, id string, status contracts.PromotionStatus, evidenceHash string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE promotions
		SET status = $1, evidence_hash = $2, updated_at = NOW()
		WHERE id = $3`, status, evidenceHash, id)
	if err != nil {
		return &contracts.IntegrationError{Op: "update_promotion_status", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &contracts.IntegrationError{Op: "update_promotion_status", Err: err}
	}
	if affected == 0 {
		return &contracts.IntegrationError{
			Op:  "update_promotion_status",
			Err: fmt.Errorf("%w: promotion %s", contracts.ErrNotFound, id),
		}
	}
	return nil
}

// CreateTriggeredDeal implements Bridge.
func (p *Postgres) CreateTriggeredDeal(ctx context.Context, deal contracts.TriggeredDeal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO triggered_deals (promotion_id, game_id, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())`,
		deal.PromotionID, deal.GameID, deal.ExpiresAt)
	if err != nil {
		return &contracts.IntegrationError{Op: "create_triggered_deal", Err: err}
	}
	return nil
}

// GetUsersByTeamPreference implements Bridge.
func (p *Postgres) GetUsersByTeamPreference(ctx context.Context, teamID string) ([]contracts.User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, team_id, COALESCE(email, ''), COALESCE(phone, '')
		FROM users
		WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, &contracts.IntegrationError{Op: "get_users_by_team_preference", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.User
	for rows.Next() {
		var u contracts.User
		if err := rows.Scan(&u.ID, &u.TeamID, &u.Email, &u.Phone); err != nil {
			return nil, &contracts.IntegrationError{Op: "get_users_by_team_preference", Err: err}
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, &contracts.IntegrationError{Op: "get_users_by_team_preference", Err: err}
	}
	return out, nil
}
