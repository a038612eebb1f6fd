package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TrackConversion appends a conversion event for an assigned customer of a
// running experiment and refreshes its statistics. Events for unknown or
// inactive experiments and for unassigned or excluded customers are
// ignored. Only malformed input and storage failures return an error.
func (e *Engine) TrackConversion(ctx context.Context, experimentID, customerID, tenantID, metric string, value float64) error {
	_, err := e.RecordConversion(ctx, experimentID, customerID, tenantID, metric, value)
	return err
}

// RecordConversion is TrackConversion that also returns the stored event,
// or nil when the event was ignored.
func (e *Engine) RecordConversion(ctx context.Context, experimentID, customerID, tenantID, metric string, value float64) (*domain.ConversionEvent, error) {
	if err := requireIDs(experimentID, customerID, tenantID); err != nil {
		return nil, err
	}
	if metric == "" {
		return nil, domain.Invalid("metric", "is required")
	}

	ctx, span := tracer.Start(ctx, "experiment.conversion",
		trace.WithAttributes(
			attribute.String("experiment.id", experimentID),
			attribute.String("tenant.id", tenantID),
		))
	defer span.End()

	exp, err := e.store.GetExperiment(ctx, experimentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exp.Status != domain.ExperimentRunning {
		return nil, nil
	}

	a, err := e.store.GetAssignment(ctx, tenantID, customerID, experimentID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("conversion ignored for unassigned customer",
			"experiment_id", experimentID,
			"tenant_id", tenantID,
			"customer_id", customerID,
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !a.Eligible {
		return nil, nil
	}

	ev := &domain.ConversionEvent{
		ID:           uuid.New().String(),
		ExperimentID: experimentID,
		CustomerID:   customerID,
		TenantID:     tenantID,
		VariantID:    a.VariantID,
		Metric:       metric,
		Value:        value,
		Timestamp:    e.now().UTC(),
	}
	if err := e.store.AppendConversion(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to append conversion: %w", err)
	}

	e.metrics.IncConversion(experimentID, metric)
	e.publish(ctx, tenantID, domain.TopicConversionTracked, ev)
	e.refresh(ctx, exp)

	return ev, nil
}
