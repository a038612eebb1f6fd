package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/heron/internal/domain"
)

// visibleExperiment loads an experiment and hides it from tenants it does
// not apply to.
func (h *Handler) visibleExperiment(ctx context.Context, tenantID, experimentID string) (*domain.Experiment, error) {
	exp, err := h.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if !exp.AppliesTo(tenantID) {
		return nil, domain.NotFound("experiment", experimentID)
	}
	return exp, nil
}

// CreateExperiment handles POST /experiments.
func (h *Handler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body CreateExperimentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := validateBody(&body); err != nil {
		writeError(w, err)
		return
	}

	exp, err := h.experiments.CreateExperiment(ctx, body.toDomain(GetTenantID(ctx)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

// ListExperiments handles GET /experiments with an optional status filter.
func (h *Handler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := domain.ExperimentStatus(r.URL.Query().Get("status"))

	exps, err := h.experiments.ListExperiments(ctx, GetTenantID(ctx), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if exps == nil {
		exps = []*domain.Experiment{}
	}
	writeJSON(w, http.StatusOK, ExperimentListResponse{Experiments: exps, Count: len(exps)})
}

// GetExperiment handles GET /experiments/{id}.
func (h *Handler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	exp, err := h.visibleExperiment(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// transitionFunc is an experiment lifecycle operation.
type transitionFunc func(ctx context.Context, id, reason string) (*domain.Experiment, error)

// transitionHandler runs a lifecycle operation on a visible experiment.
func (h *Handler) transitionHandler(op transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")

		var body TransitionRequest
		if !decodeOptionalBody(w, r, &body) {
			return
		}
		if err := validateBody(&body); err != nil {
			writeError(w, err)
			return
		}

		if _, err := h.visibleExperiment(ctx, GetTenantID(ctx), id); err != nil {
			writeError(w, err)
			return
		}

		exp, err := op(ctx, id, body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exp)
	}
}

// StartExperiment handles POST /experiments/{id}/start.
func (h *Handler) StartExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(func(ctx context.Context, id, _ string) (*domain.Experiment, error) {
		return h.experiments.StartExperiment(ctx, id)
	})(w, r)
}

// StopExperiment handles POST /experiments/{id}/stop.
func (h *Handler) StopExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(h.experiments.StopExperiment)(w, r)
}

// PauseExperiment handles POST /experiments/{id}/pause.
func (h *Handler) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(func(ctx context.Context, id, _ string) (*domain.Experiment, error) {
		return h.experiments.PauseExperiment(ctx, id)
	})(w, r)
}

// ResumeExperiment handles POST /experiments/{id}/resume.
func (h *Handler) ResumeExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(func(ctx context.Context, id, _ string) (*domain.Experiment, error) {
		return h.experiments.ResumeExperiment(ctx, id)
	})(w, r)
}

// CancelExperiment handles POST /experiments/{id}/cancel.
func (h *Handler) CancelExperiment(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(h.experiments.CancelExperiment)(w, r)
}

// UpdateAllocations handles PUT /experiments/{id}/allocations. Existing
// assignments keep their variant.
func (h *Handler) UpdateAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var body AllocationsRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := validateBody(&body); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.visibleExperiment(ctx, GetTenantID(ctx), id); err != nil {
		writeError(w, err)
		return
	}

	exp, err := h.experiments.UpdateAllocations(ctx, id, body.Allocations)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// GetResults handles GET /experiments/{id}/results. An experiment without
// data yet reports status no_data rather than an error.
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.visibleExperiment(ctx, GetTenantID(ctx), id); err != nil {
		writeError(w, err)
		return
	}

	results, err := h.experiments.GetExperimentResults(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		writeError(w, domain.NotFound("experiment", id))
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// GetAssignment handles GET /experiments/{id}/assignments/{customerId}. It
// assigns the customer on first access, like any other read path.
func (h *Handler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	customerID := chi.URLParam(r, "customerId")

	variantID, err := h.experiments.GetVariantAssignment(ctx, id, customerID, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AssignmentResponse{
		ExperimentID: id,
		CustomerID:   customerID,
		VariantID:    variantID,
		Assigned:     variantID != "",
	})
}

// GetBanditArm handles GET /experiments/{id}/bandit/{customerId}. The
// selection is not persisted.
func (h *Handler) GetBanditArm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	customerID := chi.URLParam(r, "customerId")

	variantID, err := h.experiments.OptimizeWithBandit(ctx, id, customerID, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AssignmentResponse{
		ExperimentID: id,
		CustomerID:   customerID,
		VariantID:    variantID,
		Assigned:     variantID != "",
	})
}

// TrackConversion handles POST /experiments/{id}/conversions. Conversions
// from customers outside the experiment are accepted and ignored.
func (h *Handler) TrackConversion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var body ConversionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := validateBody(&body); err != nil {
		writeError(w, err)
		return
	}

	ev, err := h.experiments.RecordConversion(ctx, id, body.CustomerID, GetTenantID(ctx), body.Metric, body.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ConversionResponse{Recorded: ev != nil, Event: ev})
}
