// Package decision implements the Decision Engine: a request-scoped pipeline
// that turns a customer context into a ranked, capped list of
// recommendations, degrading to a fallback result instead of failing.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/constraints"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/features"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/ranking"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Fallback reasons.
const (
	ReasonTimeout          = "timeout"
	ReasonCanceled         = "canceled"
	ReasonFeaturesFailed   = "feature_provider_unavailable"
	ReasonInternal         = "internal_error"
	fallbackConfidence     = 0.35
	fallbackRecommendation = "fallback-featured-content"
)

// Override keys read from experiment variant configuration.
const (
	OverrideMaxRecommendations = "maxRecommendations"
	OverrideChannel            = "channel"
)

var errFeatures = errors.New("feature provider failed")

var tracer = otel.Tracer("heron-decision")

// Engine orchestrates decisions. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	provider    domain.FeatureProvider
	registry    domain.ModelRegistry
	experiments domain.ExperimentApplier
	filter      *constraints.Filter
	metrics     *metrics.Metrics
	cfg         domain.DecisionConfig
	now         func() time.Time
}

// NewEngine creates a decision engine. provider, registry and filter may be
// nil: decisions then use context features only, report no model versions,
// and accept only budget and inventory constraints.
func NewEngine(provider domain.FeatureProvider, registry domain.ModelRegistry, filter *constraints.Filter, cfg domain.DecisionConfig) *Engine {
	if filter == nil {
		filter = constraints.NewFilter(nil, nil)
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = int(domain.DefaultDecisionTimeout / time.Millisecond)
	}
	if cfg.DefaultMaxRecommendations <= 0 {
		cfg.DefaultMaxRecommendations = domain.DefaultMaxRecommendations
	}
	return &Engine{
		provider: provider,
		registry: registry,
		filter:   filter,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetExperiments routes every decision through the experiment applier
// before generation.
func (e *Engine) SetExperiments(a domain.ExperimentApplier) {
	e.experiments = a
}

// SetMetrics sets the metrics collector.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Validate checks a request before any work is done.
func (e *Engine) Validate(req *domain.DecisionRequest) error {
	if req == nil {
		return domain.Invalid("", "request is required")
	}
	if req.CustomerID == "" {
		return domain.Invalid("customerId", "is required")
	}
	if req.TenantID == "" {
		return domain.Invalid("tenantId", "is required")
	}
	switch req.DecisionType {
	case domain.DecisionNextBestAction, domain.DecisionOffer, domain.DecisionContent,
		domain.DecisionChannel, domain.DecisionTiming:
	case "":
		return domain.Invalid("decisionType", "is required")
	default:
		return domain.Invalid("decisionType", "unknown decision type %q", req.DecisionType)
	}

	if len(req.Objectives) == 0 {
		return domain.Invalid("objectives", "at least one objective is required")
	}
	for i, o := range req.Objectives {
		if !o.Type.Valid() {
			return domain.Invalid(fmt.Sprintf("objectives[%d]", i), "unknown objective type %q", o.Type)
		}
		if o.Weight < 0 || o.Weight > 1 {
			return domain.Invalid(fmt.Sprintf("objectives[%d]", i), "weight %.3f outside [0,1]", o.Weight)
		}
	}
	if total := req.Objectives.TotalWeight(); !domain.SumsToOne(total) {
		return domain.Invalid("objectives", "weights sum to %.3f, want 1.0", total)
	}

	if req.Options.MaxRecommendations < 0 {
		return domain.Invalid("options.maxRecommendations", "must not be negative")
	}
	if req.Options.TimeoutMs < 0 {
		return domain.Invalid("options.timeoutMs", "must not be negative")
	}

	return e.filter.Validate(req.Constraints)
}

// MakeDecision runs one decision. Only validation errors are returned; any
// other failure, including the request timeout, yields a fallback result.
func (e *Engine) MakeDecision(ctx context.Context, req *domain.DecisionRequest) (*domain.DecisionResult, error) {
	start := e.now()

	if err := e.Validate(req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req = req.Clone()
		req.RequestID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "decision.make",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("decision.type", string(req.DecisionType)),
			attribute.String("request.id", req.RequestID),
		),
	)
	defer span.End()

	timeout := time.Duration(e.cfg.DefaultTimeoutMs) * time.Millisecond
	if req.Options.TimeoutMs > 0 {
		timeout = time.Duration(req.Options.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *domain.DecisionResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic in decision pipeline: %v", r)}
			}
		}()
		res, err := e.run(ctx, req)
		done <- outcome{result: res, err: err}
	}()

	var result *domain.DecisionResult
	var failure error
	select {
	case out := <-done:
		result, failure = out.result, out.err
	case <-ctx.Done():
		failure = ctx.Err()
	}

	if failure != nil {
		reason := fallbackReason(failure)
		slog.Warn("decision fell back",
			"tenant_id", req.TenantID,
			"customer_id", req.CustomerID,
			"request_id", req.RequestID,
			"reason", reason,
			"error", failure,
		)
		span.RecordError(failure)
		span.SetStatus(codes.Error, reason)
		result = Fallback(req, reason)
	}

	result.Timestamp = e.now().UTC()
	result.ExecutionTimeMs = e.now().Sub(start).Milliseconds()
	span.SetAttributes(attribute.Int("decision.recommendations", len(result.Recommendations)))
	e.metrics.ObserveDecision(string(req.DecisionType), len(result.Recommendations), result.FallbackReason, e.now().Sub(start))

	return result, nil
}

// run executes the pipeline after validation.
func (e *Engine) run(ctx context.Context, req *domain.DecisionRequest) (*domain.DecisionResult, error) {
	var applied []string
	if e.experiments != nil {
		if rewritten, ids := e.experiments.ApplyExperiments(ctx, req); rewritten != nil {
			req, applied = rewritten, ids
		}
	}

	var provided map[string]any
	var versions map[string]string

	g, gctx := errgroup.WithContext(ctx)
	if e.provider != nil {
		g.Go(recovered(func() error {
			f, err := e.provider.GetFeatures(gctx, req.TenantID, req.CustomerID, nil)
			if err != nil {
				return fmt.Errorf("%w: %w", errFeatures, err)
			}
			provided = f
			return nil
		}))
	}
	if e.registry != nil {
		g.Go(recovered(func() error {
			v, err := e.registry.GetDeployedModelVersions(gctx)
			if err != nil {
				slog.Debug("model registry unavailable", "tenant_id", req.TenantID, "error", err)
				return nil
			}
			versions = v
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	feats := features.Extract(&req.Context, e.now())
	feats.Merge(provided)
	applyFeatureOverrides(feats, req.Options.Overrides)

	candidates, belowFloor := generate(generatorsFor(req.DecisionType), feats)

	kept, rejected, err := e.filter.Apply(ctx, &constraints.Input{
		TenantID:     req.TenantID,
		CustomerID:   req.CustomerID,
		DecisionType: req.DecisionType,
		Features:     feats,
	}, candidates, req.Constraints)
	if err != nil {
		return nil, err
	}

	ranked := ranking.Rank(req.Objectives, kept)
	final := ranking.Cap(ranked, e.maxRecommendations(req))

	result := &domain.DecisionResult{
		RequestID:          req.RequestID,
		CustomerID:         req.CustomerID,
		TenantID:           req.TenantID,
		DecisionType:       req.DecisionType,
		Recommendations:    final,
		OverallConfidence:  ranking.OverallConfidence(final),
		ModelVersions:      versions,
		AppliedExperiments: applied,
	}
	if result.Recommendations == nil {
		result.Recommendations = []domain.Recommendation{}
	}

	if req.Options.Debug {
		result.Debug = &domain.DecisionDebug{
			Features:   map[string]any(feats),
			Generated:  len(candidates) + belowFloor,
			BelowFloor: belowFloor,
			Filtered:   len(rejected),
			Ranked:     len(ranked),
		}
	}

	return result, nil
}

// recovered turns a panic in a collaborator call into an error.
func recovered(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in collaborator: %v", r)
			}
		}()
		return fn()
	}
}

func (e *Engine) maxRecommendations(req *domain.DecisionRequest) int {
	if n, ok := overrideInt(req.Options.Overrides, OverrideMaxRecommendations); ok && n > 0 {
		return n
	}
	if req.Options.MaxRecommendations > 0 {
		return req.Options.MaxRecommendations
	}
	return e.cfg.DefaultMaxRecommendations
}

// applyFeatureOverrides puts an experiment's forced channel at the front of
// the preferred channel list.
func applyFeatureOverrides(f features.Set, overrides map[string]any) {
	ch, ok := overrides[OverrideChannel].(string)
	if !ok || ch == "" {
		return
	}
	preferred := []string{ch}
	for _, p := range f.Strings(features.PreferredChannels) {
		if p != ch {
			preferred = append(preferred, p)
		}
	}
	f[features.PreferredChannels] = preferred
}

func overrideInt(overrides map[string]any, key string) (int, bool) {
	switch v := overrides[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Fallback builds the single low-confidence result returned when the
// pipeline cannot complete.
func Fallback(req *domain.DecisionRequest, reason string) *domain.DecisionResult {
	rec := domain.Recommendation{
		ID:         fallbackRecommendation,
		Type:       domain.RecommendationContent,
		Text:       "Show general featured content",
		Confidence: fallbackConfidence,
		Priority:   domain.PriorityLow,
		Target:     domain.TargetMetrics{ConversionRate: 0.01, Engagement: 30},
		Reasons:    []string{"default recommendation: " + reason},
	}
	return &domain.DecisionResult{
		RequestID:         req.RequestID,
		CustomerID:        req.CustomerID,
		TenantID:          req.TenantID,
		DecisionType:      req.DecisionType,
		Recommendations:   []domain.Recommendation{rec},
		OverallConfidence: fallbackConfidence,
		FallbackReason:    reason,
	}
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, errFeatures):
		return ReasonFeaturesFailed
	default:
		return ReasonInternal
	}
}
