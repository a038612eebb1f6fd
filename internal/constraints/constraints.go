// Package constraints removes candidate recommendations that violate a
// request's hard constraints.
package constraints

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/expr"
	"github.com/opensource-finance/heron/internal/features"
)

// Counter returns how many decisions a customer received in the last
// windowSecs seconds.
type Counter func(ctx context.Context, tenantID, customerID string, windowSecs int) (int64, error)

// Input identifies the decision being filtered.
type Input struct {
	TenantID     string
	CustomerID   string
	DecisionType domain.DecisionType
	Features     features.Set
}

// Rejection records why a candidate was dropped.
type Rejection struct {
	RecommendationID string                `json:"recommendationId"`
	Constraint       domain.ConstraintType `json:"constraint"`
	Reason           string                `json:"reason"`
}

// Filter applies budget, frequency, compliance and inventory constraints.
type Filter struct {
	engine  *expr.Engine
	counter Counter
}

// NewFilter creates a filter. engine is required for compliance
// constraints and counter for frequency constraints; a request using
// either without its dependency fails.
func NewFilter(engine *expr.Engine, counter Counter) *Filter {
	return &Filter{engine: engine, counter: counter}
}

// Validate checks constraints before any work is done.
func (f *Filter) Validate(cs []domain.Constraint) error {
	for i, c := range cs {
		field := fmt.Sprintf("constraints[%d]", i)
		switch c.Type {
		case domain.ConstraintBudget:
			if c.Value < 0 {
				return domain.Invalid(field, "budget must not be negative")
			}
		case domain.ConstraintFrequency:
			if c.Value < 1 {
				return domain.Invalid(field, "frequency cap must be at least 1")
			}
			if c.WindowSecs < 0 {
				return domain.Invalid(field, "window must not be negative")
			}
		case domain.ConstraintCompliance:
			if f.engine == nil {
				return domain.Invalid(field, "compliance constraints are not supported")
			}
			if err := f.engine.Validate(c.Expression); err != nil {
				return domain.Invalid(field, "%v", err)
			}
		case domain.ConstraintInventory:
		default:
			return domain.Invalid(field, "unknown constraint type %q", c.Type)
		}
	}
	return nil
}

// Apply returns the candidates that satisfy every constraint, in their
// original order, plus a record of each rejection. Candidates are never
// modified.
func (f *Filter) Apply(ctx context.Context, in *Input, candidates []domain.Recommendation, cs []domain.Constraint) ([]domain.Recommendation, []Rejection, error) {
	kept := candidates
	var rejected []Rejection

	for _, c := range cs {
		if len(kept) == 0 {
			break
		}

		var drop []bool
		var reason string
		var err error

		switch c.Type {
		case domain.ConstraintBudget:
			drop, reason = f.budget(kept, c)
		case domain.ConstraintFrequency:
			drop, reason, err = f.frequency(ctx, in, kept, c)
		case domain.ConstraintCompliance:
			drop, reason, err = f.compliance(ctx, in, kept, c)
		case domain.ConstraintInventory:
			// Extension point: inventory checks need a stock source, so every
			// candidate passes for now.
			slog.Debug("inventory constraint not enforced",
				"tenant_id", in.TenantID,
				"customer_id", in.CustomerID,
			)
			continue
		default:
			return nil, nil, domain.Invalid("constraints", "unknown constraint type %q", c.Type)
		}
		if err != nil {
			return nil, nil, err
		}

		next := make([]domain.Recommendation, 0, len(kept))
		for i, rec := range kept {
			if drop[i] {
				rejected = append(rejected, Rejection{
					RecommendationID: rec.ID,
					Constraint:       c.Type,
					Reason:           reason,
				})
				continue
			}
			next = append(next, rec)
		}
		kept = next
	}

	return kept, rejected, nil
}

func (f *Filter) budget(candidates []domain.Recommendation, c domain.Constraint) ([]bool, string) {
	drop := make([]bool, len(candidates))
	for i, rec := range candidates {
		drop[i] = rec.ExpectedValue > c.Value
	}
	return drop, fmt.Sprintf("expected value exceeds budget %.2f", c.Value)
}

func (f *Filter) frequency(ctx context.Context, in *Input, candidates []domain.Recommendation, c domain.Constraint) ([]bool, string, error) {
	if f.counter == nil {
		return nil, "", fmt.Errorf("frequency constraint requires a decision counter")
	}

	count, err := f.counter(ctx, in.TenantID, in.CustomerID, c.WindowSecs)
	if err != nil {
		return nil, "", fmt.Errorf("frequency check failed: %w", err)
	}

	capped := float64(count) >= c.Value
	drop := make([]bool, len(candidates))
	for i := range drop {
		drop[i] = capped
	}
	return drop, fmt.Sprintf("customer received %d decisions, cap is %.0f", count, c.Value), nil
}

func (f *Filter) compliance(ctx context.Context, in *Input, candidates []domain.Recommendation, c domain.Constraint) ([]bool, string, error) {
	if f.engine == nil {
		return nil, "", fmt.Errorf("compliance constraint requires an expression engine")
	}

	inputs := make([]*expr.Input, len(candidates))
	for i := range candidates {
		inputs[i] = &expr.Input{
			TenantID:       in.TenantID,
			DecisionType:   string(in.DecisionType),
			Recommendation: expr.RecommendationVars(&candidates[i]),
			Features:       in.Features,
		}
	}

	drop, err := f.engine.MatchAll(ctx, c.Expression, inputs)
	if err != nil {
		return nil, "", fmt.Errorf("compliance check failed: %w", err)
	}
	return drop, "violates compliance rule: " + c.Expression, nil
}
