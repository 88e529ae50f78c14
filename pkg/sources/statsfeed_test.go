package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoguard/core/pkg/contracts"
)

const statsFeedBody = `{
  "id": "2024020501",
  "teams": {
    "home": {"name": "Bruins", "score": 3},
    "away": {"name": "Canadiens", "score": 2}
  },
  "status": {"state": "in", "period": "P3"},
  "updated": "2026-02-05T02:31:00Z"
}`

func TestStatsFeedProvider_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/games/2024020501", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(statsFeedBody))
	}))
	defer srv.Close()

	p := NewStatsFeedProvider(srv.URL, "secret", time.Second)
	obs, err := p.Fetch(context.Background(), "2024020501")
	require.NoError(t, err)

	assert.Equal(t, contracts.SourceStatsFeed, obs.Source)
	assert.Equal(t, "Bruins", obs.HomeTeam)
	assert.Equal(t, 3, obs.HomeScore)
	assert.Equal(t, 2, obs.AwayScore)
	assert.False(t, obs.IsFinal)
	assert.Equal(t, "P3", obs.Period)
	assert.Equal(t, time.Date(2026, 2, 5, 2, 31, 0, 0, time.UTC), obs.ObservedAt)
	assert.False(t, obs.FetchedAt.IsZero())
}

func TestStatsFeedProvider_ConditionalFetch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(statsFeedBody))
	}))
	defer srv.Close()

	p := NewStatsFeedProvider(srv.URL, "", time.Second)

	first, err := p.Fetch(context.Background(), "2024020501")
	require.NoError(t, err)

	// Move the clock so the re-stamped FetchedAt is distinguishable.
	p.clock = func() time.Time { return first.FetchedAt.Add(5 * time.Second) }

	second, err := p.Fetch(context.Background(), "2024020501")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())

	// Same observed payload, fresh fetch timestamp.
	assert.Equal(t, first.Tuple(), second.Tuple())
	assert.Equal(t, first.ObservedAt, second.ObservedAt)
	assert.True(t, second.FetchedAt.After(first.FetchedAt))
}

func TestStatsFeedProvider_FinalState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
  "teams": {"home": {"name": "Bruins", "score": 4}, "away": {"name": "Canadiens", "score": 2}},
  "status": {"state": "final", "period": "F"},
  "updated": "2026-02-05T03:05:00Z"
}`))
	}))
	defer srv.Close()

	p := NewStatsFeedProvider(srv.URL, "", time.Second)
	obs, err := p.Fetch(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, obs.IsFinal)
}

func TestStatsFeedProvider_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewStatsFeedProvider(srv.URL, "", time.Second)
	_, err := p.Fetch(context.Background(), "g1")
	require.ErrorIs(t, err, contracts.ErrUpstreamUnavailable)
}

func TestLeagueAPIProvider_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/game/2024020501/boxscore", r.URL.Path)
		_, _ = w.Write([]byte(`{
  "gamePk": "2024020501",
  "gameState": "OFFICIAL",
  "homeTeam": {"abbrev": "BOS", "score": 4},
  "awayTeam": {"abbrev": "MTL", "score": 2},
  "periodDescriptor": {"number": 3, "periodType": "REG"},
  "lastUpdated": "2026-02-05T03:06:00Z"
}`))
	}))
	defer srv.Close()

	p := NewLeagueAPIProvider(srv.URL, time.Second)
	obs, err := p.Fetch(context.Background(), "2024020501")
	require.NoError(t, err)

	assert.Equal(t, contracts.SourceLeagueAPI, obs.Source)
	assert.Equal(t, "BOS", obs.HomeTeam)
	assert.Equal(t, "MTL", obs.AwayTeam)
	assert.Equal(t, 4, obs.HomeScore)
	assert.Equal(t, 2, obs.AwayScore)
	assert.True(t, obs.IsFinal)
	assert.Equal(t, "REG3", obs.Period)
}
