package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediate/internal/cache"
	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/patterns"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

const runLockKey = "pipeline:run-lock"

// IncidentSource exposes correlator state to the API.
type IncidentSource interface {
	OpenIncidents() []models.Incident
	RecentClosed() []models.Incident
}

// PipelineTrigger starts one demo pipeline run.
type PipelineTrigger interface {
	Trigger(ctx context.Context, runID string) error
}

// HandlerConfig carries the cache TTLs the handlers use.
type HandlerConfig struct {
	RunLockTTL time.Duration
	StatusTTL  time.Duration
}

// Handlers bundles the status API endpoints.
type Handlers struct {
	board     *Board
	incidents IncidentSource
	miner     *patterns.Miner
	pipeline  PipelineTrigger
	cache     cache.Provider
	latency   func() utils.LatencySummary
	cfg       HandlerConfig
	logger    *slog.Logger
}

// NewHandlers wires the status API. pipeline and cacheProvider may be nil;
// the read endpoints work without them.
func NewHandlers(board *Board, incidents IncidentSource, miner *patterns.Miner, pipeline PipelineTrigger, cacheProvider cache.Provider, latency func() utils.LatencySummary, cfg HandlerConfig, logger *slog.Logger) *Handlers {
	if cfg.RunLockTTL <= 0 {
		cfg.RunLockTTL = 5 * time.Minute
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		board:     board,
		incidents: incidents,
		miner:     miner,
		pipeline:  pipeline,
		cache:     cacheProvider,
		latency:   latency,
		cfg:       cfg,
		logger:    utils.ComponentLogger(logger, "statusapi"),
	}
}

// Mux returns the route table for the status server.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/api/v1/status", h.handleStatus)
	mux.HandleFunc("/api/v1/incidents", h.handleIncidents)
	mux.HandleFunc("/api/v1/patterns", h.handlePatterns)
	mux.HandleFunc("/api/v1/pipeline/start", h.handlePipelineStart)
	return mux
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !h.enforceGet(w, r) {
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.enforceGet(w, r) {
		return
	}
	payload := map[string]any{
		"board":          h.board.Snapshot(),
		"open_incidents": len(h.incidents.OpenIncidents()),
	}
	if h.latency != nil {
		payload["remediation_latency"] = h.latency()
	}
	h.mirrorStatus(r.Context(), payload)
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *Handlers) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if !h.enforceGet(w, r) {
		return
	}
	open := h.incidents.OpenIncidents()
	recent := h.incidents.RecentClosed()

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := utils.ParseRFC3339(raw)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since parameter: " + err.Error()})
			return
		}
		open = incidentsSince(open, since)
		recent = incidentsSince(recent, since)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"open":   open,
		"recent": recent,
	})
}

func (h *Handlers) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if !h.enforceGet(w, r) {
		return
	}
	recent := h.incidents.RecentClosed()
	mined, err := h.miner.Mine(r.Context(), recent)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"patterns":   mined,
		"mined_from": len(recent),
	})
}

func (h *Handlers) handlePipelineStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.pipeline == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "pipeline trigger not configured"})
		return
	}

	runID := uuid.NewString()
	if h.cache != nil {
		acquired, err := h.cache.SetNX(r.Context(), runLockKey, []byte(runID), h.cfg.RunLockTTL)
		if err != nil {
			h.logger.Warn("run lock unavailable, starting anyway", slog.Any("error", err))
		} else if !acquired {
			h.writeJSON(w, http.StatusConflict, map[string]string{"error": "pipeline run already in progress"})
			return
		}
	}

	if err := h.pipeline.Trigger(r.Context(), runID); err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info("pipeline run started", slog.String("run_id", runID))
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "started",
	})
}

// mirrorStatus copies the status payload into the cache so external
// dashboards can read it without hitting the engine.
func (h *Handlers) mirrorStatus(ctx context.Context, payload map[string]any) {
	if h.cache == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.cache.Set(ctx, "status:snapshot", data, h.cfg.StatusTTL); err != nil {
		h.logger.Debug("status mirror failed", slog.Any("error", err))
	}
}

func (h *Handlers) enforceGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response failed", slog.Any("error", err))
	}
}

func incidentsSince(incidents []models.Incident, since time.Time) []models.Incident {
	filtered := incidents[:0:0]
	for _, inc := range incidents {
		if inc.OpenedAt.After(since) || (inc.ClosedAt != nil && inc.ClosedAt.After(since)) {
			filtered = append(filtered, inc)
		}
	}
	return filtered
}
