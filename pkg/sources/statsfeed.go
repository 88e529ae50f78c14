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

// statsFeedResponse is the wire shape of the commercial stats aggregator.
type statsFeedResponse struct {
	ID    string `json:"id"`
	Teams struct {
		Home struct {
			Name  string `json:"name"`
			Score int    `json:"score"`
		} `json:"home"`
		Away struct {
			Name  string `json:"name"`
			Score int    `json:"score"`
		} `json:"away"`
	} `json:"teams"`
	Status struct {
		State  string `json:"state"` // "pre", "in", "final"
		Period string `json:"period"`
	} `json:"status"`
	Updated time.Time `json:"updated"`
}

// cachedFetch is the conditional-request state for one game.
type cachedFetch struct {
	etag string
	obs  contracts.SourceObservation
}

// StatsFeedProvider speaks the stats aggregator's scoreboard API.
type StatsFeedProvider struct {
	baseURL string
	apiKey  string
	client  *retryClient

	mu    sync.Mutex
	cache map[string]cachedFetch // by gameID
	clock func() time.Time
}

// NewStatsFeedProvider creates the provider.
func NewStatsFeedProvider(baseURL, apiKey string, timeout time.Duration) *StatsFeedProvider {
	return &StatsFeedProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  newRetryClient(timeout),
		cache:   make(map[string]cachedFetch),
		clock:   time.Now,
	}
}

// ID implements Provider.
func (p *StatsFeedProvider) ID() contracts.SourceID { return contracts.SourceStatsFeed }

// APIVersion implements Provider.
func (p *StatsFeedProvider) APIVersion() string { return "2.1.0" }

// Fetch implements Provider. It issues a conditional GET: when the upstream
// answers 304 the cached observation is reused with a fresh FetchedAt, so
// unchanged games cost the upstream nothing but a header exchange.
func (p *StatsFeedProvider) Fetch(ctx context.Context, gameID string) (contracts.SourceObservation, error) {
	url := fmt.Sprintf("%s/v2/games/%s", p.baseURL, gameID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return contracts.SourceObservation{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-Api-Key", p.apiKey)
	}

	p.mu.Lock()
	cached, hasCache := p.cache[gameID]
	p.mu.Unlock()
	if hasCache && cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return contracts.SourceObservation{}, fmt.Errorf("%w: stats_feed: %v", contracts.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	now := p.clock().UTC()
	if resp.StatusCode == http.StatusNotModified && hasCache {
		obs := cached.obs
		obs.FetchedAt = now
		return obs, nil
	}
	if resp.StatusCode != http.StatusOK {
		return contracts.SourceObservation{}, fmt.Errorf("%w: stats_feed: status %d",
			contracts.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var body statsFeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return contracts.SourceObservation{}, fmt.Errorf("stats_feed: decode: %w", err)
	}

	obs := contracts.SourceObservation{
		Source:     contracts.SourceStatsFeed,
		GameID:     gameID,
		HomeTeam:   body.Teams.Home.Name,
		AwayTeam:   body.Teams.Away.Name,
		HomeScore:  body.Teams.Home.Score,
		AwayScore:  body.Teams.Away.Score,
		IsFinal:    body.Status.State == "final",
		Period:     body.Status.Period,
		ObservedAt: body.Updated,
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
