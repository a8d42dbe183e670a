package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guild-monitor/internal/domain"
	"github.com/guild-monitor/internal/supervisor"
	"github.com/guild-monitor/internal/websocket"
)

// Engine is the supervisor surface the operational API exposes.
type Engine interface {
	Status() supervisor.Status
	SyncGuild(ctx context.Context, guildID string) (int, error)
}

// RateLimitSource exposes the client's current rate-limit snapshot.
type RateLimitSource interface {
	RateLimit() domain.RateLimitSnapshot
}

// Pinger is any backend with a cheap reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides the engine's operational HTTP surface
type Handler struct {
	engine Engine
	limits RateLimitSource
	store  Pinger
	cache  Pinger
	hub    *websocket.Hub
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(engine Engine, limits RateLimitSource, store, cache Pinger, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		limits: limits,
		store:  store,
		cache:  cache,
		hub:    hub,
		logger: logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/ratelimit", h.GetRateLimit)
		r.Post("/guilds/{guildID}/sync", h.SyncGuild)
	})

	return r
}

// HealthCheck reports process liveness
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
}

// ReadyCheck reports whether the backends are reachable
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.respond(w, http.StatusServiceUnavailable, APIResponse{Success: false, Error: "storage unreachable"})
		return
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		h.respond(w, http.StatusServiceUnavailable, APIResponse{Success: false, Error: "cache unreachable"})
		return
	}
	h.respond(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{"status": "ready"}})
}

// GetStatus returns the engine's task status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, APIResponse{Success: true, Data: h.engine.Status()})
}

// GetRateLimit returns the upstream rate-limit snapshot
func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, APIResponse{Success: true, Data: h.limits.RateLimit()})
}

// SyncGuild forces an immediate roster sync for one guild
func (h *Handler) SyncGuild(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")

	count, err := h.engine.SyncGuild(r.Context(), guildID)
	if err != nil {
		status := http.StatusInternalServerError
		if domain.IsNotFoundError(err) {
			status = http.StatusNotFound
		} else if domain.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Error("manual guild sync failed", "guild_id", guildID, "error", err)
		h.respond(w, status, APIResponse{Success: false, Error: err.Error()})
		return
	}

	h.respond(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]int{"members_synced": count},
	})
}

// HandleWebSocket upgrades the connection and attaches it to the hub
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWS(h.hub, w, r, h.logger)
}

func (h *Handler) respond(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
