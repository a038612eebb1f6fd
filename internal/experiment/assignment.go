package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

// GetVariantAssignment returns the customer's variant, assigning one on
// first eligible access. It returns "" when the experiment is unknown, not
// running, not visible to the tenant, or when the customer was sampled out.
// Once stored, an assignment never changes.
func (e *Engine) GetVariantAssignment(ctx context.Context, experimentID, customerID, tenantID string) (string, error) {
	a, err := e.assignment(ctx, experimentID, customerID, tenantID)
	if err != nil || a == nil || !a.Eligible {
		return "", err
	}
	return a.VariantID, nil
}

// LookupAssignment returns the stored assignment without creating one, or
// nil when the customer has none.
func (e *Engine) LookupAssignment(ctx context.Context, experimentID, customerID, tenantID string) (*domain.VariantAssignment, error) {
	if err := requireIDs(experimentID, customerID, tenantID); err != nil {
		return nil, err
	}
	a, err := e.store.GetAssignment(ctx, tenantID, customerID, experimentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (e *Engine) assignment(ctx context.Context, experimentID, customerID, tenantID string) (*domain.VariantAssignment, error) {
	if err := requireIDs(experimentID, customerID, tenantID); err != nil {
		return nil, err
	}

	exp, err := e.store.GetExperiment(ctx, experimentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exp.Status != domain.ExperimentRunning || !exp.AppliesTo(tenantID) {
		return nil, nil
	}
	return e.assign(ctx, exp, customerID, tenantID)
}

// assign is the check-then-set on the assignment key. The striped lock
// serializes callers in this process and the store's first-writer-wins
// insert serializes processes.
func (e *Engine) assign(ctx context.Context, exp *domain.Experiment, customerID, tenantID string) (*domain.VariantAssignment, error) {
	key := assignmentKey(exp.ID, customerID)

	if cached := e.cachedAssignment(ctx, tenantID, key); cached != nil {
		return cached, nil
	}

	unlock := e.locks.lock("assign:" + tenantID + ":" + key)
	defer unlock()

	stored, err := e.store.GetAssignment(ctx, tenantID, customerID, exp.ID)
	switch {
	case err == nil:
		e.cacheAssignment(ctx, tenantID, key, stored)
		return stored, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	candidate := &domain.VariantAssignment{
		ExperimentID: exp.ID,
		CustomerID:   customerID,
		TenantID:     tenantID,
		AssignedAt:   e.now().UTC(),
	}
	if Eligible(exp, tenantID, customerID) {
		variant, err := e.chooseVariant(ctx, exp, customerID)
		if err != nil {
			return nil, err
		}
		candidate.VariantID = variant
		candidate.Eligible = true
	}

	stored, err = e.store.AssignVariant(ctx, candidate)
	if err != nil {
		return nil, err
	}
	e.cacheAssignment(ctx, tenantID, key, stored)

	if stored.Eligible {
		e.metrics.IncAssignment(exp.ID, stored.VariantID)
		slog.Debug("variant assigned",
			"experiment_id", exp.ID,
			"tenant_id", tenantID,
			"customer_id", customerID,
			"variant_id", stored.VariantID,
		)
	}
	return stored, nil
}

// chooseVariant picks the arm for a new assignment: Thompson sampling for
// bandits, deterministic bucketing otherwise.
func (e *Engine) chooseVariant(ctx context.Context, exp *domain.Experiment, customerID string) (string, error) {
	if exp.Type != domain.ExperimentBandit {
		return Bucket(exp, customerID), nil
	}
	return e.banditSelect(ctx, exp, customerID)
}

// OptimizeWithBandit returns the arm Thompson sampling selects for the
// customer right now, without storing an assignment. It returns "" for
// unknown or non-running experiments.
func (e *Engine) OptimizeWithBandit(ctx context.Context, experimentID, customerID, tenantID string) (string, error) {
	if err := requireIDs(experimentID, customerID, tenantID); err != nil {
		return "", err
	}

	exp, err := e.store.GetExperiment(ctx, experimentID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if exp.Type != domain.ExperimentBandit {
		return "", domain.Invalid("type", "experiment %s is %s, not bandit", exp.ID, exp.Type)
	}
	if exp.Status != domain.ExperimentRunning || !exp.AppliesTo(tenantID) {
		return "", nil
	}
	return e.banditSelect(ctx, exp, customerID)
}

// banditSelect samples each arm's posterior. Until every arm has data it
// falls back to uniform deterministic bucketing.
func (e *Engine) banditSelect(ctx context.Context, exp *domain.Experiment, customerID string) (string, error) {
	agg, err := e.aggregate(ctx, exp)
	if err != nil {
		return "", fmt.Errorf("failed to aggregate bandit arms: %w", err)
	}

	arms := make([]stats.Arm, len(exp.Variants))
	for i, v := range exp.Variants {
		arms[i] = agg.arm(v.ID)
		if arms[i].Participants == 0 {
			return BucketUniform(exp, customerID), nil
		}
	}

	best, _ := e.sampler.Select(arms)
	return exp.Variants[best].ID, nil
}

func (e *Engine) cachedAssignment(ctx context.Context, tenantID, key string) *domain.VariantAssignment {
	if e.cache == nil {
		return nil
	}
	a, err := cache.GetJSON[domain.VariantAssignment](ctx, e.cache, tenantID, key)
	if err != nil {
		slog.Debug("assignment cache read failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	return a
}

func (e *Engine) cacheAssignment(ctx context.Context, tenantID, key string, a *domain.VariantAssignment) {
	if e.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, e.cache, tenantID, key, a, e.cacheTTL); err != nil {
		slog.Debug("assignment cache write failed", "tenant_id", tenantID, "error", err)
	}
}

func assignmentKey(experimentID, customerID string) string {
	return "assignment:" + experimentID + ":" + customerID
}

func requireIDs(experimentID, customerID, tenantID string) error {
	switch {
	case experimentID == "":
		return domain.Invalid("experimentId", "is required")
	case customerID == "":
		return domain.Invalid("customerId", "is required")
	case tenantID == "":
		return domain.Invalid("tenantId", "is required")
	}
	return nil
}
