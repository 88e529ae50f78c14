// Package console exposes the operator surface: read-only health and metrics
// endpoints plus a manual re-validation entry point that honors idempotency
// keys. Everything speaks JSON over net/http.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/promoguard/core/pkg/audit"
	"github.com/promoguard/core/pkg/consensus"
	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/monitor"
	"github.com/promoguard/core/pkg/observability"
	"github.com/promoguard/core/pkg/resilience"
	"github.com/promoguard/core/pkg/sources"
	"github.com/promoguard/core/pkg/validation"
	"github.com/promoguard/core/pkg/workflow"
)

// Config tunes the console server.
type Config struct {
	// AuthSecret enables HS256 bearer auth when non-empty.
	AuthSecret []byte
	// IdempotencyTTL is how long manual validation responses replay.
	IdempotencyTTL time.Duration
	// Audit records operator actions when set.
	Audit audit.Logger
	// Trail backs the audit export endpoint when set.
	Trail audit.Trail
	// SLO backs the burn-rate endpoint when set.
	SLO *observability.SLOTracker
}

// Server wires the operator endpoints over the running components.
type Server struct {
	fetcher   *sources.Fetcher
	limiter   *resilience.LocalLimiter
	engine    *consensus.Engine
	validator *validation.Service
	orch      *workflow.Orchestrator
	mon       *monitor.Monitor
	store     evidence.Store
	logger    *slog.Logger
	cfg       Config
}

// NewServer creates the console. Nil components degrade their endpoints
// gracefully rather than panicking, so partial wirings (tests, tooling)
// still serve.
func NewServer(fetcher *sources.Fetcher, limiter *resilience.LocalLimiter, engine *consensus.Engine, validator *validation.Service, orch *workflow.Orchestrator, mon *monitor.Monitor, store evidence.Store, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		fetcher:   fetcher,
		limiter:   limiter,
		engine:    engine,
		validator: validator,
		orch:      orch,
		mon:       mon,
		store:     store,
		logger:    logger.With("component", "console"),
		cfg:       cfg,
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/breakers", s.handleBreakers)
	mux.HandleFunc("GET /api/limits", s.handleLimits)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/review", s.handleReview)
	mux.HandleFunc("GET /api/slo", s.handleSLO)
	mux.HandleFunc("GET /api/audit/export", s.handleAuditExport)
	mux.HandleFunc("POST /api/validate", s.handleValidate)

	idem := Idempotency(NewIdempotencyStore(s.cfg.IdempotencyTTL))
	auth := BearerAuth(s.cfg.AuthSecret)
	return auth(idem(mux))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ComponentHealth is one component's health report.
type ComponentHealth struct {
	Component      string  `json:"component"`
	Status         string  `json:"status"` // healthy, degraded, unhealthy
	ResponseTimeMs float64 `json:"response_time_ms"`
	ErrorRate      float64 `json:"error_rate"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var report []ComponentHealth

	if s.store != nil {
		start := time.Now()
		_, err := s.store.Get(r.Context(), "healthz-probe")
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0
		status := "healthy"
		// Unknown URI is the expected answer; anything else is a real fault.
		if err != nil && !errors.Is(err, contracts.ErrNotFound) {
			status = "unhealthy"
		}
		report = append(report, ComponentHealth{
			Component: "evidence_store", Status: status, ResponseTimeMs: elapsed,
		})
	}

	if s.fetcher != nil {
		for _, stats := range s.fetcher.BreakerStats() {
			status := "healthy"
			switch stats.State {
			case resilience.StateOpen:
				status = "unhealthy"
			case resilience.StateHalfOpen:
				status = "degraded"
			}
			errorRate := 0.0
			if stats.TotalRequests > 0 {
				errorRate = float64(stats.FailureCount) / float64(stats.TotalRequests)
			}
			report = append(report, ComponentHealth{
				Component: "source_" + stats.Name, Status: status, ErrorRate: errorRate,
			})
		}
	}

	if s.orch != nil {
		m := s.orch.Metrics()
		status := "healthy"
		if m.EventsParked > 0 {
			status = "degraded"
		}
		report = append(report, ComponentHealth{Component: "workflow", Status: status})
	}

	if s.mon != nil {
		report = append(report, ComponentHealth{Component: "monitor", Status: "healthy"})
	}

	overall := http.StatusOK
	for _, c := range report {
		if c.Status == "unhealthy" {
			overall = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, overall, map[string]any{"components": report})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	if s.fetcher == nil {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.fetcher.BreakerStats()})
}

func (s *Server) handleLimits(w http.ResponseWriter, _ *http.Request) {
	remaining := map[string]float64{}
	if s.limiter != nil {
		remaining = s.limiter.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"remaining": remaining})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if s.engine != nil {
		out["consensus"] = s.engine.Metrics()
	}
	if s.validator != nil {
		out["validation"] = s.validator.Metrics()
	}
	if s.orch != nil {
		out["workflow"] = s.orch.Metrics()
	}
	if s.mon != nil {
		out["monitor"] = s.mon.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReview surfaces everything waiting on a human: validation records
// flagged for manual review, failed executions with their rollback evidence,
// and parked events.
func (s *Server) handleReview(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if s.validator != nil {
		out["validations"] = s.validator.ReviewQueue()
	}
	if s.orch != nil {
		out["failed_executions"] = s.orch.FailedExecutions()
		out["parked_events"] = s.orch.Parked()
	}
	writeJSON(w, http.StatusOK, out)
}

// validateRequest is the manual re-validation payload. With a promotion ID
// and condition, one trigger is validated; with only a game ID, every
// promotion tied to the game's teams is.
type validateRequest struct {
	PromotionID string                      `json:"promotion_id,omitempty"`
	GameID      string                      `json:"game_id"`
	TeamID      string                      `json:"team_id,omitempty"`
	Condition   *contracts.TriggerCondition `json:"condition,omitempty"`
}

func (s *Server) handleSLO(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.SLO == nil {
		writeJSON(w, http.StatusOK, map[string]any{"slos": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slos": s.cfg.SLO.StatusAll()})
}

// handleAuditExport streams the audit trail as a checksummed zip bundle.
// Bounds come from optional RFC 3339 "start" and "end" query parameters.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Trail == nil {
		http.Error(w, "audit trail unavailable", http.StatusServiceUnavailable)
		return
	}

	var req audit.ExportRequest
	if v := r.URL.Query().Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "malformed start time", http.StatusBadRequest)
			return
		}
		req.StartTime = ts
	}
	if v := r.URL.Query().Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "malformed end time", http.StatusBadRequest)
			return
		}
		req.EndTime = ts
	}

	pack, checksum, err := audit.NewExporter(s.cfg.Trail).GeneratePack(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.zip"`)
	w.Header().Set("X-Checksum-SHA256", checksum)
	_, _ = w.Write(pack)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		http.Error(w, "validation service unavailable", http.StatusServiceUnavailable)
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.GameID == "" {
		http.Error(w, "game_id is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if s.cfg.Audit != nil {
		meta := map[string]interface{}{"game_id": req.GameID}
		if req.PromotionID != "" {
			meta["promotion_id"] = req.PromotionID
		}
		if err := s.cfg.Audit.Record(ctx, audit.EventMutation, "manual_validate", r.URL.Path, meta); err != nil {
			s.logger.Warn("audit record failed", "error", err)
		}
	}

	if req.PromotionID == "" {
		records, err := s.validator.ValidateForGame(ctx, req.GameID)
		if err != nil {
			s.logger.Warn("manual game validation failed", "game_id", req.GameID, "error", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})
		return
	}

	if req.Condition == nil {
		http.Error(w, "condition is required with promotion_id", http.StatusBadRequest)
		return
	}
	record, err := s.validator.ValidateTrigger(ctx, validation.TriggerRequest{
		PromotionID: req.PromotionID,
		GameID:      req.GameID,
		TeamID:      req.TeamID,
		Condition:   *req.Condition,
	})
	if err != nil {
		s.logger.Warn("manual validation failed",
			"promotion_id", req.PromotionID, "game_id", req.GameID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
