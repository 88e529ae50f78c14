package console

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoguard/core/pkg/audit"
	"github.com/promoguard/core/pkg/consensus"
	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/observability"
	"github.com/promoguard/core/pkg/resilience"
	"github.com/promoguard/core/pkg/sources"
	"github.com/promoguard/core/pkg/validation"
)

type fixedProvider struct {
	id      contracts.SourceID
	version string
	obs     contracts.SourceObservation
}

func (f *fixedProvider) ID() contracts.SourceID { return f.id }
func (f *fixedProvider) APIVersion() string     { return f.version }
func (f *fixedProvider) Fetch(_ context.Context, gameID string) (contracts.SourceObservation, error) {
	obs := f.obs
	obs.GameID = gameID
	return obs, nil
}

type noPromotions struct{}

func (noPromotions) GetPromotionsByTeam(context.Context, string) ([]contracts.Promotion, error) {
	return nil, nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	now := time.Date(2026, 2, 5, 3, 0, 0, 0, time.UTC)
	obs := contracts.SourceObservation{
		Source: contracts.SourceStatsFeed, HomeTeam: "BOS", AwayTeam: "MTL",
		HomeScore: 8, AwayScore: 3, IsFinal: true, ObservedAt: now, FetchedAt: now,
	}
	registry, err := sources.NewRegistry("")
	require.NoError(t, err)
	require.NoError(t, registry.Register(&fixedProvider{id: contracts.SourceStatsFeed, version: "2.1.0", obs: obs}))
	obs2 := obs
	obs2.Source = contracts.SourceLeagueAPI
	require.NoError(t, registry.Register(&fixedProvider{id: contracts.SourceLeagueAPI, version: "1.4.2", obs: obs2}))

	store := evidence.NewMemoryStore()
	limiter := resilience.NewLocalLimiter()
	fcfg := sources.DefaultFetcherConfig()
	fcfg.Limits[contracts.SourceStatsFeed] = resilience.LimitPolicy{RPM: 600000, Burst: 10000}
	fcfg.Limits[contracts.SourceLeagueAPI] = resilience.LimitPolicy{RPM: 600000, Burst: 10000}
	fetcher := sources.NewFetcher(registry, store, limiter, fcfg, nil)
	engine := consensus.NewEngine(fetcher, store, consensus.DefaultConfig(), nil)
	validator, err := validation.NewService(engine, store, noPromotions{}, validation.Config{}, nil)
	require.NoError(t, err)

	return NewServer(fetcher, limiter, engine, validator, nil, nil, store, cfg, nil)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Components []ComponentHealth `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Components)
	assert.Equal(t, "evidence_store", body.Components[0].Component)
	assert.Equal(t, "healthy", body.Components[0].Status)
}

func TestServer_ManualValidate(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.Handler()

	payload := `{
		"promotion_id": "promo-1",
		"game_id": "g1",
		"team_id": "BOS",
		"condition": {"field": "team_score", "operator": "gte", "value": 6}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/validate", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var record contracts.ValidationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.True(t, record.IsValid)
	assert.NotEmpty(t, record.EvidenceChain)
}

func TestServer_ManualValidate_IdempotencyKeyReplays(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.Handler()
	payload := `{
		"promotion_id": "promo-1",
		"game_id": "g1",
		"team_id": "BOS",
		"condition": {"field": "team_score", "operator": "gte", "value": 6}
	}`

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/validate", strings.NewReader(payload))
		req.Header.Set("Idempotency-Key", "op-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code)
	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestServer_ManualValidate_BadRequests(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/validate", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/validate",
		strings.NewReader(`{"promotion_id": "p1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/validate",
		strings.NewReader(`{"promotion_id": "p1", "game_id": "g1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "promotion-level validation needs a condition")
}

func TestServer_MetricsAndBreakers(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.Handler()

	// Drive one validation so the counters are non-zero.
	req := httptest.NewRequest(http.MethodPost, "/api/validate", strings.NewReader(`{
		"promotion_id": "promo-1", "game_id": "g1", "team_id": "BOS",
		"condition": {"field": "team_score", "operator": "gte", "value": 6}
	}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "consensus")
	require.Contains(t, body, "validation")

	var cm consensus.Metrics
	require.NoError(t, json.Unmarshal(body["consensus"], &cm))
	assert.Equal(t, int64(1), cm.TotalEvaluations)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/breakers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "CLOSED")
}

func TestServer_AuditTrailAndExport(t *testing.T) {
	trail := audit.NewMemoryTrail()
	srv := newTestServer(t, Config{Audit: trail, Trail: trail})
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/validate", strings.NewReader(`{
		"promotion_id": "promo-1", "game_id": "g1", "team_id": "BOS",
		"condition": {"field": "team_score", "operator": "gte", "value": 6}
	}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	events := trail.Events(time.Time{}, time.Time{})
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventMutation, events[0].Type)
	assert.Equal(t, "manual_validate", events[0].Action)
	assert.Equal(t, "g1", events[0].Metadata["game_id"])

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/export", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Checksum-SHA256"), 64)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/export?start=not-a-time", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SLOEndpoint(t *testing.T) {
	tracker := observability.NewSLOTracker().WithDefaultTargets()
	srv := newTestServer(t, Config{SLO: tracker})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slo", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		SLOs []observability.SLOStatus `json:"slos"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.SLOs, 5)
	assert.True(t, body.SLOs[0].InCompliance)
}

func TestServer_AuditExport_UnavailableWithoutTrail(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit/export", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_BearerAuth(t *testing.T) {
	secret := []byte("console-secret")
	srv := newTestServer(t, Config{AuthSecret: secret})
	handler := srv.Handler()

	// Health stays public.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// API paths fail closed without a token.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// And open with a valid one.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@promoguard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"operator"},
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A token signed with the wrong secret is rejected.
	badToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "intruder"})
	badSigned, err := badToken.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+badSigned)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
