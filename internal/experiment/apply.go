package experiment

import (
	"context"
	"log/slog"
	"sort"

	"github.com/opensource-finance/heron/internal/domain"
)

// ApplyExperiments buckets the customer into every running experiment
// visible to the request's tenant, in experiment id order, and merges each
// assigned variant's configuration into the request's option overrides.
// Later experiments overwrite earlier keys. The input request is not
// modified. Experiments that fail are logged and skipped.
func (e *Engine) ApplyExperiments(ctx context.Context, req *domain.DecisionRequest) (*domain.DecisionRequest, []string) {
	out := req.Clone()

	running, err := e.store.ListExperiments(ctx, domain.ExperimentRunning)
	if err != nil {
		slog.Warn("failed to list running experiments", "tenant_id", req.TenantID, "error", err)
		return out, nil
	}
	sort.Slice(running, func(i, j int) bool { return running[i].ID < running[j].ID })

	var applied []string
	for _, exp := range running {
		if !exp.AppliesTo(req.TenantID) {
			continue
		}

		a, err := e.assign(ctx, exp, req.CustomerID, req.TenantID)
		if err != nil {
			slog.Warn("experiment assignment failed",
				"experiment_id", exp.ID,
				"tenant_id", req.TenantID,
				"customer_id", req.CustomerID,
				"error", err,
			)
			continue
		}
		if a == nil || !a.Eligible {
			continue
		}

		variant, ok := exp.Variant(a.VariantID)
		if !ok {
			continue
		}
		if len(variant.Configuration) > 0 && out.Options.Overrides == nil {
			out.Options.Overrides = make(map[string]any, len(variant.Configuration))
		}
		for k, v := range variant.Configuration {
			out.Options.Overrides[k] = v
		}
		applied = append(applied, exp.ID)
	}

	return out, applied
}
