package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/harborlight/brokerd/internal/capability"
	"github.com/harborlight/brokerd/internal/orchestrator"
	"github.com/harborlight/brokerd/internal/pipeline"
	"github.com/harborlight/brokerd/internal/scheduler"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	registry *capability.Registry
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, registry *capability.Registry, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, sched: sched, registry: registry, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/requests", h.createRequest)
		r.Get("/requests", h.listRequests)
		r.Get("/requests/{id}", h.getRequest)
		r.Get("/requests/{id}/history", h.getHistory)
		r.Post("/requests/{id}/clarify", h.clarifyRequest)
		r.Post("/requests/{id}/cancel", h.cancelRequest)
		r.Get("/queues/{name}/stats", h.queueStats)
		r.Post("/queues/{name}/pause", h.pauseQueue)
		r.Post("/queues/{name}/resume", h.resumeQueue)
		r.Get("/capabilities", h.listCapabilities)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "brokerd"})
}

type createRequestBody struct {
	Intake   map[string]any `json:"intake"`
	Priority string         `json:"priority"`
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(body.Intake) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "intake is required"})
		return
	}

	id, err := h.orch.CreateRequest(r.Context(), body.Intake, orchestrator.Priority(body.Priority))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := h.orch.Advance(r.Context(), id); err != nil {
		h.logger.Error("initial advance failed", zap.String("request", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	state, _ := h.orch.CurrentState(id)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    id,
		"state": string(state),
	})
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": h.orch.ListRequests()})
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := h.orch.Request(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
		return
	}
	state, err := h.orch.CurrentState(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	duration, _ := h.orch.CurrentStateDuration(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                    req.ID,
		"priority":              req.Priority,
		"state":                 state,
		"state_duration_ms":     duration.Milliseconds(),
		"created_at":            req.CreatedAt.Format(time.RFC3339),
		"pending_clarification": req.PendingClarification(),
		"payload":               req.Snapshot(),
	})
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hist, err := h.orch.History(id)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "history": hist})
}

type clarifyBody struct {
	Fields map[string]any `json:"fields"`
}

func (h *Handler) clarifyRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body clarifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(body.Fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fields is required"})
		return
	}
	if err := h.orch.ProvideClarification(r.Context(), id, body.Fields); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	state, _ := h.orch.CurrentState(id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(state)})
}

func (h *Handler) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.Cancel(r.Context(), id, "api"); err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    id,
		"state": string(pipeline.StateCancelled),
	})
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := h.sched.Stats(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) pauseQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.sched.Pause(name)
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": true})
}

func (h *Handler) resumeQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.sched.Resume(name)
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": false})
}

func (h *Handler) listCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": h.registry.Names()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var invalid *pipeline.InvalidTransitionError
	switch {
	case errors.Is(err, pipeline.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalid):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
