// Package experiment implements the Experimentation Engine: experiment
// lifecycle, deterministic variant bucketing, permanent assignments,
// conversion tracking, significance testing and bandit allocation.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/stats"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultAssignmentTTL bounds how long an assignment stays in the read cache.
const DefaultAssignmentTTL = time.Hour

// busTenant is the tenant global experiments publish their events under.
const busTenant = "global"

var tracer = otel.Tracer("heron-experiment")

// Engine owns experiment state. All state lives in the store; the engine
// only adds locking, caching and event publication, and is safe for
// concurrent use.
type Engine struct {
	store   domain.ExperimentStore
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Metrics
	sampler *stats.ThompsonSampler
	cfg     domain.ExperimentConfig

	cacheTTL  time.Duration
	locks     stripedLock
	refreshes singleflight.Group
	winners   sync.Map // experiment id -> announced winner
	now       func() time.Time
}

// NewEngine creates an experimentation engine. cache and eventBus may be nil.
func NewEngine(store domain.ExperimentStore, cache domain.Cache, eventBus domain.EventBus, cfg domain.ExperimentConfig) *Engine {
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = domain.DefaultConfidenceLevel
	}
	if cfg.MinimumSample <= 0 {
		cfg.MinimumSample = domain.DefaultMinimumSample
	}
	return &Engine{
		store:    store,
		cache:    cache,
		bus:      eventBus,
		sampler:  stats.NewThompsonSampler(cfg.BanditSeed),
		cfg:      cfg,
		cacheTTL: DefaultAssignmentTTL,
		now:      time.Now,
	}
}

// SetMetrics sets the metrics collector.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// SetAssignmentTTL sets how long assignments stay in the read cache.
func (e *Engine) SetAssignmentTTL(ttl time.Duration) {
	if ttl > 0 {
		e.cacheTTL = ttl
	}
}

// CreateExperiment validates and stores a new experiment in draft status.
// A missing id is generated; a missing tenant makes the experiment global.
func (e *Engine) CreateExperiment(ctx context.Context, exp *domain.Experiment) (*domain.Experiment, error) {
	if exp == nil {
		return nil, domain.Invalid("", "experiment is required")
	}

	created := *exp
	created.Variants = append([]domain.ExperimentVariant(nil), exp.Variants...)
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.TenantID == "" {
		created.TenantID = domain.GlobalTenantID
	}
	if created.Type == "" {
		created.Type = domain.ExperimentABTest
	}
	if created.Audience.TrafficAllocation == 0 {
		created.Audience.TrafficAllocation = 1
	}
	if created.Statistics.ConfidenceLevel == 0 {
		created.Statistics.ConfidenceLevel = e.cfg.ConfidenceLevel
	}
	if created.Statistics.MinimumSamplePerVariant == 0 {
		created.Statistics.MinimumSamplePerVariant = e.cfg.MinimumSample
	}
	created.Status = domain.ExperimentDraft
	created.Results = nil
	created.StartDate, created.EndDate, created.StopReason = nil, nil, ""
	now := e.now().UTC()
	created.CreatedAt, created.UpdatedAt = now, now

	if err := Validate(&created); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "experiment.create",
		trace.WithAttributes(attribute.String("experiment.id", created.ID)))
	defer span.End()

	unlock := e.locks.lock("exp:" + created.ID)
	defer unlock()

	if _, err := e.store.GetExperiment(ctx, created.ID); err == nil {
		return nil, fmt.Errorf("experiment %q: %w", created.ID, domain.ErrDuplicate)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if err := e.store.SaveExperiment(ctx, &created); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}

	slog.Info("experiment created",
		"experiment_id", created.ID,
		"tenant_id", created.TenantID,
		"type", created.Type,
		"variants", len(created.Variants),
	)
	return &created, nil
}

// Validate checks an experiment definition.
func Validate(exp *domain.Experiment) error {
	if exp.Name == "" {
		return domain.Invalid("name", "is required")
	}
	switch exp.Type {
	case domain.ExperimentABTest, domain.ExperimentMultivariate, domain.ExperimentBandit:
	default:
		return domain.Invalid("type", "unknown experiment type %q", exp.Type)
	}
	if len(exp.Variants) < 2 {
		return domain.Invalid("variants", "at least two variants are required")
	}

	seen := make(map[string]bool, len(exp.Variants))
	for i, v := range exp.Variants {
		field := fmt.Sprintf("variants[%d]", i)
		if v.ID == "" {
			return domain.Invalid(field, "id is required")
		}
		if seen[v.ID] {
			return domain.Invalid(field, "duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true
	}

	if err := validateAllocations(exp); err != nil {
		return err
	}

	if t := exp.Audience.TrafficAllocation; t <= 0 || t > 1 {
		return domain.Invalid("targetAudience.trafficAllocation", "%.3f outside (0,1]", t)
	}
	if exp.ControlVariantID != "" && !seen[exp.ControlVariantID] {
		return domain.Invalid("controlVariantId", "unknown variant %q", exp.ControlVariantID)
	}
	if c := exp.Statistics.ConfidenceLevel; c <= 0 || c >= 1 {
		return domain.Invalid("statistics.confidenceLevel", "%.3f outside (0,1)", c)
	}
	if exp.Statistics.MinimumDetectableEffect < 0 {
		return domain.Invalid("statistics.minimumDetectableEffect", "must not be negative")
	}
	return nil
}

func validateAllocations(exp *domain.Experiment) error {
	for id := range exp.Audience.Allocations {
		if _, ok := exp.Variant(id); !ok {
			return domain.Invalid("targetAudience.allocations", "unknown variant %q", id)
		}
	}

	var total float64
	for _, v := range exp.Variants {
		a := exp.AllocationFor(v)
		if a < 0 || a > 1 {
			return domain.Invalid("variants", "allocation %.3f of %s outside [0,1]", a, v.ID)
		}
		total += a
	}
	if !domain.SumsToOne(total) {
		return domain.Invalid("variants", "allocations sum to %.3f, want 1.0", total)
	}
	return nil
}

// GetExperiment returns an experiment or an ErrNotFound error.
func (e *Engine) GetExperiment(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	return e.store.GetExperiment(ctx, experimentID)
}

// ListExperiments lists experiments visible to tenantID, optionally filtered
// by status. An empty tenantID lists all.
func (e *Engine) ListExperiments(ctx context.Context, tenantID string, status domain.ExperimentStatus) ([]*domain.Experiment, error) {
	all, err := e.store.ListExperiments(ctx, status)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return all, nil
	}
	visible := all[:0]
	for _, exp := range all {
		if exp.AppliesTo(tenantID) {
			visible = append(visible, exp)
		}
	}
	return visible, nil
}

// StartExperiment moves a draft experiment to running.
func (e *Engine) StartExperiment(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	return e.transition(ctx, experimentID, "start", func(exp *domain.Experiment) error {
		if exp.Status != domain.ExperimentDraft {
			return &domain.StateError{ID: exp.ID, From: exp.Status, Action: "start"}
		}
		now := e.now().UTC()
		exp.Status = domain.ExperimentRunning
		exp.StartDate = &now
		return nil
	}, domain.TopicExperimentStarted)
}

// StopExperiment completes a running or paused experiment and freezes its
// results onto the record.
func (e *Engine) StopExperiment(ctx context.Context, experimentID, reason string) (*domain.Experiment, error) {
	return e.transition(ctx, experimentID, "stop", func(exp *domain.Experiment) error {
		if exp.Status != domain.ExperimentRunning && exp.Status != domain.ExperimentPaused {
			return &domain.StateError{ID: exp.ID, From: exp.Status, Action: "stop"}
		}
		results, err := e.computeResults(ctx, exp)
		if err != nil {
			return fmt.Errorf("failed to compute final results: %w", err)
		}
		now := e.now().UTC()
		results.Status = domain.ResultsCompleted
		exp.Status = domain.ExperimentCompleted
		exp.Results = results
		exp.EndDate = &now
		exp.StopReason = reason
		return nil
	}, domain.TopicExperimentStopped)
}

// PauseExperiment suspends a running experiment. No new assignments or
// conversions are accepted while paused.
func (e *Engine) PauseExperiment(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	return e.transition(ctx, experimentID, "pause", func(exp *domain.Experiment) error {
		if exp.Status != domain.ExperimentRunning {
			return &domain.StateError{ID: exp.ID, From: exp.Status, Action: "pause"}
		}
		exp.Status = domain.ExperimentPaused
		return nil
	}, "")
}

// ResumeExperiment returns a paused experiment to running.
func (e *Engine) ResumeExperiment(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	return e.transition(ctx, experimentID, "resume", func(exp *domain.Experiment) error {
		if exp.Status != domain.ExperimentPaused {
			return &domain.StateError{ID: exp.ID, From: exp.Status, Action: "resume"}
		}
		exp.Status = domain.ExperimentRunning
		return nil
	}, "")
}

// CancelExperiment abandons an experiment that has not completed. No
// results are frozen.
func (e *Engine) CancelExperiment(ctx context.Context, experimentID, reason string) (*domain.Experiment, error) {
	return e.transition(ctx, experimentID, "cancel", func(exp *domain.Experiment) error {
		if exp.Status.Terminal() {
			return &domain.StateError{ID: exp.ID, From: exp.Status, Action: "cancel"}
		}
		now := e.now().UTC()
		exp.Status = domain.ExperimentCancelled
		exp.EndDate = &now
		exp.StopReason = reason
		return nil
	}, domain.TopicExperimentStopped)
}

// UpdateAllocations replaces the per-variant allocation table. Existing
// assignments are unaffected; only new customers see the new split.
func (e *Engine) UpdateAllocations(ctx context.Context, experimentID string, allocations map[string]float64) (*domain.Experiment, error) {
	return e.transition(ctx, experimentID, "reallocate", func(exp *domain.Experiment) error {
		if exp.Status.Terminal() {
			return &domain.StateError{ID: exp.ID, From: exp.Status, Action: "reallocate"}
		}
		prev := exp.Audience.Allocations
		exp.Audience.Allocations = allocations
		if err := validateAllocations(exp); err != nil {
			exp.Audience.Allocations = prev
			return err
		}
		return nil
	}, "")
}

// transition loads an experiment under its lock, applies mutate and saves
// the result. topic, when set, receives the updated experiment.
func (e *Engine) transition(ctx context.Context, experimentID, action string, mutate func(*domain.Experiment) error, topic string) (*domain.Experiment, error) {
	if experimentID == "" {
		return nil, domain.Invalid("id", "is required")
	}

	ctx, span := tracer.Start(ctx, "experiment."+action,
		trace.WithAttributes(attribute.String("experiment.id", experimentID)))
	defer span.End()

	unlock := e.locks.lock("exp:" + experimentID)
	defer unlock()

	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	from := exp.Status
	if err := mutate(exp); err != nil {
		return nil, err
	}
	exp.UpdatedAt = e.now().UTC()

	if err := e.store.SaveExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("failed to save experiment: %w", err)
	}

	slog.Info("experiment transition",
		"experiment_id", exp.ID,
		"action", action,
		"from", from,
		"to", exp.Status,
	)
	e.metrics.IncTransition(action)

	if topic != "" {
		e.publish(ctx, eventTenant(exp.TenantID), topic, exp)
	}
	return exp, nil
}

// publish sends an event, logging failures. Events are best effort.
func (e *Engine) publish(ctx context.Context, tenantID, topic string, v any) {
	if err := bus.PublishJSON(ctx, e.bus, tenantID, topic, v); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "tenant_id", tenantID, "error", err)
	}
}

func eventTenant(tenantID string) string {
	if tenantID == "" || tenantID == domain.GlobalTenantID {
		return busTenant
	}
	return tenantID
}
