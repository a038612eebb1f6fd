package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/decision"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/experiment"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the decision and experiment endpoints.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	decisions   *decision.Engine
	experiments *experiment.Engine
	version     string
	draining    atomic.Bool
}

// NewHandler creates the handlers over deps.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		decisions:   deps.Decisions,
		experiments: deps.Experiments,
		version:     deps.Version,
	}
}

// MakeDecision handles POST /decisions.
func (h *Handler) MakeDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var body DecisionRequestBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := validateBody(&body); err != nil {
		writeError(w, err)
		return
	}

	req := body.toDomain(tenantID)
	if h.repo != nil && req.RequestID != "" {
		if _, err := h.repo.GetDecision(ctx, tenantID, req.RequestID); err == nil {
			writeError(w, domain.ErrDuplicate)
			return
		}
	}

	result, err := h.decisions.MakeDecision(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveDecision(ctx, tenantID, result); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				writeError(w, err)
				return
			}
			slog.Error("failed to save decision",
				"request_id", result.RequestID,
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}

	if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicDecisionMade, result); err != nil {
		slog.Warn("failed to publish decision",
			"request_id", result.RequestID,
			"error", err,
		)
	}

	writeJSON(w, http.StatusOK, result)
}

// GetDecision retrieves a stored decision by request id.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	requestID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "repository not available"})
		return
	}

	result, err := h.repo.GetDecision(ctx, tenantID, requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns 503 once Shutdown has begun.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// decodeBody decodes a JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decode(w, r, v, false)
}

// decodeOptionalBody is decodeBody for endpoints whose body may be empty.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decode(w, r, v, true)
}

func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
	return false
}

// statusFor maps the domain error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
