// Package api exposes availability searches over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"freeslot/internal/availability"
	"freeslot/internal/telemetry"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// API serves the meeting endpoints.
type API struct {
	engine  *availability.Engine
	logger  *slog.Logger
	metrics *telemetry.Metrics
	health  HealthCheck
}

// New creates the API. metrics and health may be nil.
func New(engine *availability.Engine, logger *slog.Logger, metrics *telemetry.Metrics, health HealthCheck) *API {
	return &API{engine: engine, logger: logger, metrics: metrics, health: health}
}

// Handler builds the router with its middleware stack.
func (a *API) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	if a.metrics != nil {
		router.Use(a.metrics.Middleware)
	}
	router.Use(middleware.Timeout(60 * time.Second))

	router.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		router.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}
	a.Routes(router)
	return router
}

// Routes registers the meeting endpoints.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/meeting", func(r chi.Router) {
		r.Post("/search", a.handleSearch)
		r.Post("/summary", a.handleSummary)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Warn("Health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req availability.Request
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := a.engine.Search(r.Context(), req)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req availability.SummaryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	statuses, err := a.engine.Summarize(r.Context(), req)
	if err != nil {
		a.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member_status": statuses})
}

func (a *API) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *availability.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Message)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		a.logger.Error("Search failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
