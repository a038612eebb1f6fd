package decision

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/constraints"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/expr"
	"github.com/opensource-finance/heron/internal/features"
)

var fixedNow = time.Date(2026, 3, 10, 19, 30, 0, 0, time.UTC)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func newTestEngine(provider domain.FeatureProvider, registry domain.ModelRegistry) *Engine {
	e := NewEngine(provider, registry, nil, domain.DecisionConfig{})
	e.now = func() time.Time { return fixedNow }
	return e
}

func defaultObjectives() domain.ObjectiveVector {
	return domain.ObjectiveVector{
		{Type: domain.ObjectiveRevenue, Weight: 0.4},
		{Type: domain.ObjectiveEngagement, Weight: 0.3},
		{Type: domain.ObjectiveRetention, Weight: 0.3},
	}
}

func baseRequest() *domain.DecisionRequest {
	return &domain.DecisionRequest{
		RequestID:    "req-001",
		CustomerID:   "cust-001",
		TenantID:     "tenant-001",
		DecisionType: domain.DecisionNextBestAction,
		Context: domain.CustomerContext{
			Behavioral: domain.BehavioralData{
				LifetimeValue:     2000,
				ChurnRisk:         0.85,
				EngagementScore:   45,
				ActivityLevel:     domain.ActivityMedium,
				PreferredChannels: []string{"email"},
			},
			Contextual: domain.ContextualData{Timestamp: fixedNow},
		},
		Objectives: defaultObjectives(),
	}
}

// richRequest triggers every built-in generator.
func richRequest() *domain.DecisionRequest {
	req := baseRequest()
	b := &req.Context.Behavioral
	b.LifetimeValue = 6000
	b.EngagementScore = 90
	b.ActivityLevel = domain.ActivityHigh
	b.PreferredChannels = []string{"sms"}
	for i := 0; i < 10; i++ {
		b.PurchaseHistory = append(b.PurchaseHistory, domain.Purchase{Amount: 120, At: fixedNow.AddDate(0, 0, -i)})
	}
	req.Context.Contextual.SessionDepth = 10
	return req
}

func findRec(recs []domain.Recommendation, id string) *domain.Recommendation {
	for i := range recs {
		if recs[i].ID == id {
			return &recs[i]
		}
	}
	return nil
}

func TestChurnScenario(t *testing.T) {
	e := newTestEngine(nil, nil)

	result, err := e.MakeDecision(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}
	if result.IsFallback() {
		t.Fatalf("unexpected fallback: %s", result.FallbackReason)
	}

	churn := findRec(result.Recommendations, "churn-prevention")
	if churn == nil {
		t.Fatalf("expected churn-prevention recommendation, got %+v", result.Recommendations)
	}
	if !approx(churn.ExpectedValue, 1200) {
		t.Errorf("expected expected value 1200, got %v", churn.ExpectedValue)
	}
	if !approx(churn.Confidence, 0.85) {
		t.Errorf("expected confidence 0.85, got %v", churn.Confidence)
	}
	if churn.Type != domain.RecommendationOffer || churn.Priority != domain.PriorityHigh {
		t.Errorf("unexpected churn recommendation shape: %+v", churn)
	}

	// Highest revenue sub-score and retention ranks it first.
	if result.Recommendations[0].ID != "churn-prevention" {
		t.Errorf("expected churn-prevention ranked first, got %s", result.Recommendations[0].ID)
	}
	if result.RequestID != "req-001" || result.TenantID != "tenant-001" || result.CustomerID != "cust-001" {
		t.Errorf("identity not echoed: %+v", result)
	}
}

func TestValidation(t *testing.T) {
	engine, err := expr.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create expression engine: %v", err)
	}
	defer engine.Close()

	e := NewEngine(nil, nil, constraints.NewFilter(engine, nil), domain.DecisionConfig{})

	tests := []struct {
		name   string
		mutate func(r *domain.DecisionRequest)
		ok     bool
	}{
		{"Valid", func(r *domain.DecisionRequest) {}, true},
		{"MissingCustomer", func(r *domain.DecisionRequest) { r.CustomerID = "" }, false},
		{"MissingTenant", func(r *domain.DecisionRequest) { r.TenantID = "" }, false},
		{"MissingDecisionType", func(r *domain.DecisionRequest) { r.DecisionType = "" }, false},
		{"UnknownDecisionType", func(r *domain.DecisionRequest) { r.DecisionType = "lottery" }, false},
		{"NoObjectives", func(r *domain.DecisionRequest) { r.Objectives = nil }, false},
		{"WeightsTooLow", func(r *domain.DecisionRequest) {
			r.Objectives = domain.ObjectiveVector{{Type: domain.ObjectiveRevenue, Weight: 0.5}, {Type: domain.ObjectiveRetention, Weight: 0.3}}
		}, false},
		{"WeightsTooHigh", func(r *domain.DecisionRequest) {
			r.Objectives = domain.ObjectiveVector{{Type: domain.ObjectiveRevenue, Weight: 0.6}, {Type: domain.ObjectiveRetention, Weight: 0.42}}
		}, false},
		{"WeightsWithinTolerance", func(r *domain.DecisionRequest) {
			r.Objectives = domain.ObjectiveVector{{Type: domain.ObjectiveRevenue, Weight: 0.5}, {Type: domain.ObjectiveRetention, Weight: 0.495}}
		}, true},
		{"UnknownObjective", func(r *domain.DecisionRequest) {
			r.Objectives = domain.ObjectiveVector{{Type: "happiness", Weight: 1}}
		}, false},
		{"NegativeMax", func(r *domain.DecisionRequest) { r.Options.MaxRecommendations = -1 }, false},
		{"BadCompliance", func(r *domain.DecisionRequest) {
			r.Constraints = []domain.Constraint{{Type: domain.ConstraintCompliance, Expression: "recommendation.confidence >"}}
		}, false},
		{"GoodCompliance", func(r *domain.DecisionRequest) {
			r.Constraints = []domain.Constraint{{Type: domain.ConstraintCompliance, Expression: "features.age < 18"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(req)

			result, err := e.MakeDecision(context.Background(), req)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if result == nil || result.IsFallback() {
					t.Fatalf("expected a normal result, got %+v", result)
				}
				return
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if result != nil {
				t.Error("expected no result on validation failure")
			}
		})
	}
}

func TestConfidenceFloor(t *testing.T) {
	t.Run("GenerateDropsAtFloor", func(t *testing.T) {
		at := func(features.Set) *domain.Recommendation {
			return &domain.Recommendation{ID: "at", Confidence: ConfidenceFloor}
		}
		above := func(features.Set) *domain.Recommendation {
			return &domain.Recommendation{ID: "above", Confidence: 0.31}
		}
		none := func(features.Set) *domain.Recommendation { return nil }

		kept, below := generate([]Generator{at, none, above}, features.Set{})
		if below != 1 {
			t.Errorf("expected 1 below floor, got %d", below)
		}
		if len(kept) != 1 || kept[0].ID != "above" {
			t.Errorf("expected only 'above' kept, got %+v", kept)
		}
	})

	t.Run("NoResultBelowFloor", func(t *testing.T) {
		e := newTestEngine(nil, nil)
		for hour := 0; hour < 24; hour++ {
			req := baseRequest()
			req.Context.Contextual.Timestamp = time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC)
			req.Context.Behavioral.ChurnRisk = float64(hour) / 24

			result, err := e.MakeDecision(context.Background(), req)
			if err != nil {
				t.Fatalf("hour %d: %v", hour, err)
			}
			for _, rec := range result.Recommendations {
				if rec.Confidence <= ConfidenceFloor {
					t.Errorf("hour %d: %s has confidence %v", hour, rec.ID, rec.Confidence)
				}
			}
		}
	})
}

func TestResultCap(t *testing.T) {
	e := newTestEngine(nil, nil)

	t.Run("Default", func(t *testing.T) {
		result, err := e.MakeDecision(context.Background(), richRequest())
		if err != nil {
			t.Fatalf("MakeDecision failed: %v", err)
		}
		if len(result.Recommendations) != domain.DefaultMaxRecommendations {
			t.Errorf("expected %d recommendations, got %d", domain.DefaultMaxRecommendations, len(result.Recommendations))
		}
	})

	for _, max := range []int{1, 2, 3} {
		req := richRequest()
		req.Options.MaxRecommendations = max

		result, err := e.MakeDecision(context.Background(), req)
		if err != nil {
			t.Fatalf("MakeDecision failed: %v", err)
		}
		if len(result.Recommendations) > max {
			t.Errorf("max %d: got %d recommendations", max, len(result.Recommendations))
		}
	}
}

func TestRankingOrderAndConfidence(t *testing.T) {
	e := newTestEngine(nil, nil)

	result, err := e.MakeDecision(context.Background(), richRequest())
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}

	recs := result.Recommendations
	for i := 1; i < len(recs); i++ {
		if recs[i].Score > recs[i-1].Score {
			t.Errorf("not sorted at %d: %v > %v", i, recs[i].Score, recs[i-1].Score)
		}
	}

	var sum float64
	for _, r := range recs {
		sum += r.Confidence
	}
	want := math.Min(sum/float64(len(recs))+0.2, 1)
	if !approx(result.OverallConfidence, want) {
		t.Errorf("expected overall confidence %v, got %v", want, result.OverallConfidence)
	}
}

func TestFallbackOnProviderFailure(t *testing.T) {
	provider := features.ProviderFunc(func(ctx context.Context, tenantID, customerID string, names []string) (map[string]any, error) {
		return nil, errors.New("feature store unreachable")
	})
	e := newTestEngine(provider, nil)

	result, err := e.MakeDecision(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(result.Recommendations) != 1 {
		t.Fatalf("expected exactly one recommendation, got %d", len(result.Recommendations))
	}
	if result.FallbackReason != ReasonFeaturesFailed {
		t.Errorf("expected reason %q, got %q", ReasonFeaturesFailed, result.FallbackReason)
	}
	if result.Recommendations[0].Confidence != fallbackConfidence {
		t.Errorf("expected fallback confidence %v, got %v", fallbackConfidence, result.Recommendations[0].Confidence)
	}
	if result.RequestID != "req-001" {
		t.Errorf("expected request id echoed, got %q", result.RequestID)
	}
}

func TestFallbackOnTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	provider := features.ProviderFunc(func(ctx context.Context, tenantID, customerID string, names []string) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	})
	e := newTestEngine(provider, nil)

	req := baseRequest()
	req.Options.TimeoutMs = 20

	start := time.Now()
	result, err := e.MakeDecision(context.Background(), req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("decision blocked for %v", elapsed)
	}
	if result.FallbackReason != ReasonTimeout {
		t.Errorf("expected reason %q, got %q", ReasonTimeout, result.FallbackReason)
	}
	if len(result.Recommendations) != 1 {
		t.Errorf("expected one fallback recommendation, got %d", len(result.Recommendations))
	}
}

func TestFallbackOnPanic(t *testing.T) {
	provider := features.ProviderFunc(func(ctx context.Context, tenantID, customerID string, names []string) (map[string]any, error) {
		panic("boom")
	})
	e := newTestEngine(provider, nil)

	result, err := e.MakeDecision(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.FallbackReason != ReasonInternal {
		t.Errorf("expected reason %q, got %q", ReasonInternal, result.FallbackReason)
	}
}

type failingRegistry struct{}

func (failingRegistry) GetDeployedModelVersions(ctx context.Context) (map[string]string, error) {
	return nil, errors.New("registry down")
}

func TestModelRegistry(t *testing.T) {
	t.Run("Versions", func(t *testing.T) {
		e := newTestEngine(nil, StaticModelRegistry{"churn": "v3", "propensity": "v1"})
		result, err := e.MakeDecision(context.Background(), baseRequest())
		if err != nil {
			t.Fatalf("MakeDecision failed: %v", err)
		}
		if result.ModelVersions["churn"] != "v3" {
			t.Errorf("expected churn model v3, got %v", result.ModelVersions)
		}
	})

	t.Run("FailureIgnored", func(t *testing.T) {
		e := newTestEngine(nil, failingRegistry{})
		result, err := e.MakeDecision(context.Background(), baseRequest())
		if err != nil {
			t.Fatalf("MakeDecision failed: %v", err)
		}
		if result.IsFallback() {
			t.Errorf("registry failure must not cause fallback, got %q", result.FallbackReason)
		}
		if len(result.ModelVersions) != 0 {
			t.Errorf("expected no model versions, got %v", result.ModelVersions)
		}
	})
}

func TestProviderFeaturesAndDebug(t *testing.T) {
	provider := features.NewStaticProvider()
	provider.Put("tenant-001", "cust-001", map[string]any{
		features.ChurnRisk: 0.1, // context value wins
		"clv_model_score":  0.77,
	})
	e := newTestEngine(provider, nil)

	req := baseRequest()
	req.Options.Debug = true

	result, err := e.MakeDecision(context.Background(), req)
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}
	if result.Debug == nil {
		t.Fatal("expected debug info")
	}
	if result.Debug.Features["clv_model_score"] != 0.77 {
		t.Errorf("expected provider feature merged, got %v", result.Debug.Features["clv_model_score"])
	}
	if result.Debug.Features[features.ChurnRisk] != 0.85 {
		t.Errorf("expected context churn risk to win, got %v", result.Debug.Features[features.ChurnRisk])
	}
	if findRec(result.Recommendations, "churn-prevention") == nil {
		t.Error("expected churn-prevention recommendation")
	}
	if result.Debug.Generated < result.Debug.Ranked {
		t.Errorf("inconsistent debug counts: %+v", result.Debug)
	}

	req.Options.Debug = false
	result, _ = e.MakeDecision(context.Background(), req)
	if result.Debug != nil {
		t.Error("expected no debug info when not requested")
	}
}

func TestBudgetConstraint(t *testing.T) {
	e := newTestEngine(nil, nil)

	req := baseRequest()
	req.Options.Debug = true
	req.Constraints = []domain.Constraint{{Type: domain.ConstraintBudget, Value: 500}}

	result, err := e.MakeDecision(context.Background(), req)
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}
	if findRec(result.Recommendations, "churn-prevention") != nil {
		t.Error("expected churn-prevention to exceed the budget")
	}
	if result.Debug.Filtered != 1 {
		t.Errorf("expected 1 filtered candidate, got %d", result.Debug.Filtered)
	}
	for _, rec := range result.Recommendations {
		if rec.ExpectedValue > 500 {
			t.Errorf("%s exceeds budget with %v", rec.ID, rec.ExpectedValue)
		}
	}
}

func TestDecisionTypeSelectsGenerators(t *testing.T) {
	e := newTestEngine(nil, nil)

	tests := []struct {
		decisionType domain.DecisionType
		allowed      []domain.RecommendationType
	}{
		{domain.DecisionOffer, []domain.RecommendationType{domain.RecommendationOffer, domain.RecommendationProduct}},
		{domain.DecisionContent, []domain.RecommendationType{domain.RecommendationContent}},
		{domain.DecisionChannel, []domain.RecommendationType{domain.RecommendationChannel}},
		{domain.DecisionTiming, []domain.RecommendationType{domain.RecommendationTiming}},
	}
	for _, tt := range tests {
		t.Run(string(tt.decisionType), func(t *testing.T) {
			req := richRequest()
			req.DecisionType = tt.decisionType

			result, err := e.MakeDecision(context.Background(), req)
			if err != nil {
				t.Fatalf("MakeDecision failed: %v", err)
			}
			if len(result.Recommendations) == 0 {
				t.Fatal("expected at least one recommendation")
			}
			for _, rec := range result.Recommendations {
				ok := false
				for _, a := range tt.allowed {
					if rec.Type == a {
						ok = true
					}
				}
				if !ok {
					t.Errorf("unexpected %s recommendation %s", rec.Type, rec.ID)
				}
			}
		})
	}
}

type stubApplier struct {
	overrides map[string]any
	ids       []string
}

func (s *stubApplier) ApplyExperiments(ctx context.Context, req *domain.DecisionRequest) (*domain.DecisionRequest, []string) {
	out := req.Clone()
	out.Options.Overrides = s.overrides
	return out, s.ids
}

func TestExperimentOverrides(t *testing.T) {
	e := newTestEngine(nil, nil)
	e.SetExperiments(&stubApplier{
		overrides: map[string]any{OverrideMaxRecommendations: float64(2), OverrideChannel: "push"},
		ids:       []string{"exp-channel"},
	})

	result, err := e.MakeDecision(context.Background(), richRequest())
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}
	if len(result.AppliedExperiments) != 1 || result.AppliedExperiments[0] != "exp-channel" {
		t.Errorf("expected applied experiment recorded, got %v", result.AppliedExperiments)
	}
	if len(result.Recommendations) != 2 {
		t.Errorf("expected override cap of 2, got %d", len(result.Recommendations))
	}

	req := richRequest()
	req.DecisionType = domain.DecisionChannel
	result, err = e.MakeDecision(context.Background(), req)
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}
	if findRec(result.Recommendations, "channel-push") == nil {
		t.Errorf("expected forced push channel, got %+v", result.Recommendations)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	e := newTestEngine(nil, nil)

	req := baseRequest()
	req.RequestID = ""

	result, err := e.MakeDecision(context.Background(), req)
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}
	if result.RequestID == "" {
		t.Error("expected a generated request id")
	}
	if req.RequestID != "" {
		t.Error("caller request must not be modified")
	}
}
