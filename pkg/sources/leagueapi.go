package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/promoguard/core/pkg/contracts"
)

// leagueGameResponse is the wire shape of the league-official scoreboard.
// The league reports state as a coarse enum and scores nested per side.
type leagueGameResponse struct {
	GamePk    string `json:"gamePk"`
	GameState string `json:"gameState"` // "SCHEDULED", "LIVE", "FINAL", "OFFICIAL"
	HomeTeam  struct {
		Abbrev string `json:"abbrev"`
		Score  int    `json:"score"`
	} `json:"homeTeam"`
	AwayTeam struct {
		Abbrev string `json:"abbrev"`
		Score  int    `json:"score"`
	} `json:"awayTeam"`
	PeriodDescriptor struct {
		Number int    `json:"number"`
		Type   string `json:"periodType"`
	} `json:"periodDescriptor"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// LeagueAPIProvider speaks the league-official API.
type LeagueAPIProvider struct {
	baseURL string
	client  *retryClient

	mu    sync.Mutex
	cache map[string]cachedFetch
	clock func() time.Time
}

// NewLeagueAPIProvider creates the provider.
func NewLeagueAPIProvider(baseURL string, timeout time.Duration) *LeagueAPIProvider {
	return &LeagueAPIProvider{
		baseURL: baseURL,
		client:  newRetryClient(timeout),
		cache:   make(map[string]cachedFetch),
		clock:   time.Now,
	}
}

// ID implements Provider.
func (p *LeagueAPIProvider) ID() contracts.SourceID { return contracts.SourceLeagueAPI }

// APIVersion implements Provider.
func (p *LeagueAPIProvider) APIVersion() string { return "1.4.2" }

// Fetch implements Provider.
func (p *LeagueAPIProvider) Fetch(ctx context.Context, gameID string) (contracts.SourceObservation, error) {
	url := fmt.Sprintf("%s/api/v1/game/%s/boxscore", p.baseURL, gameID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return contracts.SourceObservation{}, err
	}
	req.Header.Set("Accept", "application/json")

	p.mu.Lock()
	cached, hasCache := p.cache[gameID]
	p.mu.Unlock()
	if hasCache && cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return contracts.SourceObservation{}, fmt.Errorf("%w: league_api: %v", contracts.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	now := p.clock().UTC()
	if resp.StatusCode == http.StatusNotModified && hasCache {
		obs := cached.obs
		obs.FetchedAt = now
		return obs, nil
	}
	if resp.StatusCode != http.StatusOK {
		return contracts.SourceObservation{}, fmt.Errorf("%w: league_api: status %d",
			contracts.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var body leagueGameResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return contracts.SourceObservation{}, fmt.Errorf("league_api: decode: %w", err)
	}

	obs := contracts.SourceObservation{
		Source:     contracts.SourceLeagueAPI,
		GameID:     gameID,
		HomeTeam:   body.HomeTeam.Abbrev,
		AwayTeam:   body.AwayTeam.Abbrev,
		HomeScore:  body.HomeTeam.Score,
		AwayScore:  body.AwayTeam.Score,
		IsFinal:    body.GameState == "FINAL" || body.GameState == "OFFICIAL",
		Period:     fmt.Sprintf("%s%d", body.PeriodDescriptor.Type, body.PeriodDescriptor.Number),
		ObservedAt: body.LastUpdated,
		FetchedAt:  now,
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = now
	}

	p.mu.Lock()
	p.cache[gameID] = cachedFetch{etag: resp.Header.Get("ETag"), obs: obs}
	p.mu.Unlock()

	return obs, nil
}
