package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/stats"
)

// statisticalPower used for required sample size estimates.
const statisticalPower = 0.8

// aggregates are per-variant totals rebuilt from the assignment table and
// the conversion log.
type aggregates struct {
	participants map[string]int
	converters   map[string]map[string]struct{}
	revenue      map[string]float64
}

func (a *aggregates) arm(variantID string) stats.Arm {
	return stats.Arm{
		Participants: a.participants[variantID],
		Conversions:  len(a.converters[variantID]),
	}
}

// aggregate counts eligible participants per variant, distinct converting
// customers and primary-metric revenue. An experiment without a primary
// metric counts every event.
func (e *Engine) aggregate(ctx context.Context, exp *domain.Experiment) (*aggregates, error) {
	assignments, err := e.store.ListAssignments(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListConversions(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	agg := &aggregates{
		participants: make(map[string]int),
		converters:   make(map[string]map[string]struct{}),
		revenue:      make(map[string]float64),
	}
	for _, a := range assignments {
		if a.Eligible {
			agg.participants[a.VariantID]++
		}
	}
	for _, ev := range events {
		if exp.PrimaryMetric != "" && ev.Metric != exp.PrimaryMetric {
			continue
		}
		set, ok := agg.converters[ev.VariantID]
		if !ok {
			set = make(map[string]struct{})
			agg.converters[ev.VariantID] = set
		}
		set[ev.TenantID+":"+ev.CustomerID] = struct{}{}
		agg.revenue[ev.VariantID] += ev.Value
	}
	return agg, nil
}

// GetExperimentResults recomputes results from the full event log. It
// returns nil for an unknown experiment and the frozen results for a
// completed one.
func (e *Engine) GetExperimentResults(ctx context.Context, experimentID string) (*domain.ExperimentResults, error) {
	if experimentID == "" {
		return nil, domain.Invalid("experimentId", "is required")
	}

	exp, err := e.store.GetExperiment(ctx, experimentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exp.Status == domain.ExperimentCompleted && exp.Results != nil {
		return exp.Results, nil
	}
	return e.computeResults(ctx, exp)
}

func (e *Engine) computeResults(ctx context.Context, exp *domain.Experiment) (*domain.ExperimentResults, error) {
	agg, err := e.aggregate(ctx, exp)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate experiment %s: %w", exp.ID, err)
	}

	controlID := exp.Control()
	control := 0
	arms := make([]stats.Arm, len(exp.Variants))
	for i, v := range exp.Variants {
		arms[i] = agg.arm(v.ID)
		if v.ID == controlID {
			control = i
		}
	}

	level := exp.Statistics.ConfidenceLevel
	if level <= 0 || level >= 1 {
		level = e.cfg.ConfidenceLevel
	}
	minSample := exp.Statistics.MinimumSamplePerVariant
	if minSample <= 0 {
		minSample = e.cfg.MinimumSample
	}

	analysis := stats.Analyze(arms, control, level, minSample)

	results := &domain.ExperimentResults{
		ExperimentID:     exp.ID,
		ControlVariantID: controlID,
		Variants:         make([]domain.VariantResult, len(exp.Variants)),
		Confidence:       analysis.Confidence,
		ComputedAt:       e.now().UTC(),
	}

	for i, v := range exp.Variants {
		arm := arms[i]
		vr := domain.VariantResult{
			VariantID:      v.ID,
			Participants:   arm.Participants,
			Conversions:    arm.Conversions,
			ConversionRate: arm.Rate(),
			Revenue:        agg.revenue[v.ID],
			Significance:   analysis.Comparisons[i].Confidence,
			ZScore:         analysis.Comparisons[i].Z,
			CILower:        analysis.CILower[i],
			CIUpper:        analysis.CIUpper[i],
			IsControl:      i == control,
		}
		if arm.Participants > 0 {
			vr.RevenuePerUser = vr.Revenue / float64(arm.Participants)
		}
		results.Variants[i] = vr
		results.TotalParticipants += arm.Participants
	}

	switch {
	case results.TotalParticipants == 0:
		results.Status = domain.ResultsNoData
	case analysis.Winner >= 0:
		results.Status = domain.ResultsSignificant
		results.Winner = exp.Variants[analysis.Winner].ID
	default:
		results.Status = domain.ResultsRunning
	}

	if mde := exp.Statistics.MinimumDetectableEffect; mde > 0 {
		if baseline := arms[control].Rate(); baseline > 0 {
			results.RequiredSample = stats.RequiredSampleSize(baseline, mde, level, statisticalPower)
		}
	}

	return results, nil
}

// refresh recomputes results after new data and announces a winner the
// first time one appears. Concurrent refreshes of one experiment share a
// single computation.
func (e *Engine) refresh(ctx context.Context, exp *domain.Experiment) {
	v, err, _ := e.refreshes.Do(exp.ID, func() (any, error) {
		return e.computeResults(ctx, exp)
	})
	if err != nil {
		slog.Warn("results refresh failed", "experiment_id", exp.ID, "error", err)
		return
	}

	results := v.(*domain.ExperimentResults)
	if results.Winner == "" {
		return
	}
	if _, announced := e.winners.LoadOrStore(exp.ID, results.Winner); announced {
		return
	}

	slog.Info("experiment reached significance",
		"experiment_id", exp.ID,
		"winner", results.Winner,
		"confidence", results.Confidence,
	)
	e.publish(ctx, eventTenant(exp.TenantID), domain.TopicExperimentWinner, results)
}
