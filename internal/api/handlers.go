package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/middleware"
	"collab-engine/internal/services/collaboration"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/gorilla/mux"
)

const (
	DefaultStatsTTL = 5 * time.Second
	statsKey        = "stats"
)

// AIStats summarizes shared AI load.
type AIStats struct {
	Contexts    int `json:"contexts"`
	QueueLength int `json:"queue_length"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	collaboration.PerformanceStats
	AI          *AIStats  `json:"ai,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	sessions SessionService
	ai       AIContextService // nil when no AI backend is configured
	aiStats  AIStatsSource
	ws       SessionUpgrader

	// stats memoizes /api/stats; gathering walks every session.
	stats    *ristretto.Cache[string, StatsResponse]
	statsTTL time.Duration
}

func NewHandler(
	sessions SessionService,
	ai AIContextService,
	aiStats AIStatsSource,
	ws SessionUpgrader,
	statsTTL time.Duration,
) (*Handler, error) {
	if statsTTL <= 0 {
		statsTTL = DefaultStatsTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, StatsResponse]{
		NumCounters: 100,
		MaxCost:     10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stats cache: %w", err)
	}

	return &Handler{
		sessions: sessions,
		ai:       ai,
		aiStats:  aiStats,
		ws:       ws,
		stats:    cache,
		statsTTL: statsTTL,
	}, nil
}

// Close releases the stats cache.
func (h *Handler) Close() {
	h.stats.Close()
}

// Session handlers

type createSessionRequest struct {
	Name string `json:"name"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.NewMalformedMessage("invalid session body", err))
			return
		}
	}

	s := h.sessions.CreateSession(req.Name)
	writeJSON(w, http.StatusCreated, s.Info())
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.GetAllSessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s, ok := h.sessions.GetSession(id)
	if !ok {
		writeError(w, apperrors.NewSessionNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (h *Handler) GetAIContext(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.ai == nil {
		writeError(w, apperrors.NewContextNotFound(id))
		return
	}
	info, err := h.ai.GetAIContext(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetStats reports engine-wide statistics, recomputed at most once per TTL.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.stats.Get(statsKey); ok {
		w.Header().Set("X-Cache", "HIT")
		writeJSON(w, http.StatusOK, cached)
		return
	}

	resp := StatsResponse{
		PerformanceStats: h.sessions.GetPerformanceStats(),
		GeneratedAt:      time.Now().UTC(),
	}
	if h.aiStats != nil {
		resp.AI = &AIStats{
			Contexts:    h.aiStats.ContextCount(),
			QueueLength: h.aiStats.QueueLength(),
		}
	}
	h.stats.SetWithTTL(statsKey, resp, 1, h.statsTTL)
	h.stats.Wait()

	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("⚠️  Failed to encode response", "err", err)
	}
}

// writeError maps a typed error onto an HTTP status and the wire error shape.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrSessionNotFound, apperrors.ErrContextNotFound, apperrors.ErrUnknownClient:
		status = http.StatusNotFound
	case apperrors.ErrMalformedMessage, apperrors.ErrMalformedOperation:
		status = http.StatusBadRequest
	case apperrors.ErrGenerationInProgress:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

// requestLogger returns a logger tagged with the request ID.
func requestLogger(r *http.Request) *log.Logger {
	return log.With("request_id", middleware.GetRequestID(r.Context()))
}
