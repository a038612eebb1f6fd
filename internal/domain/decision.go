package domain

import (
	"math"
	"time"
)

// DecisionType is the kind of decision requested.
type DecisionType string

const (
	DecisionNextBestAction DecisionType = "next_best_action"
	DecisionOffer          DecisionType = "offer"
	DecisionContent        DecisionType = "content"
	DecisionChannel        DecisionType = "channel"
	DecisionTiming         DecisionType = "timing"
)

// ObjectiveType names a business objective used for ranking.
type ObjectiveType string

const (
	ObjectiveRevenue    ObjectiveType = "revenue"
	ObjectiveEngagement ObjectiveType = "engagement"
	ObjectiveRetention  ObjectiveType = "retention"
	ObjectiveConversion ObjectiveType = "conversion"
)

// Valid reports whether the objective type is known to the ranker.
func (o ObjectiveType) Valid() bool {
	switch o {
	case ObjectiveRevenue, ObjectiveEngagement, ObjectiveRetention, ObjectiveConversion:
		return true
	}
	return false
}

// Objective is one weighted entry of an objective vector.
type Objective struct {
	Type   ObjectiveType `json:"type" validate:"required"`
	Weight float64       `json:"weight" validate:"gte=0,lte=1"`
}

// WeightTolerance is the allowed deviation of an objective vector or
// variant allocation table from 1.0.
const WeightTolerance = 0.01

// ObjectiveVector is an ordered list of weighted objectives.
// Weights must sum to 1.0 within WeightTolerance.
type ObjectiveVector []Objective

// TotalWeight returns the sum of all weights.
func (v ObjectiveVector) TotalWeight() float64 {
	var total float64
	for _, o := range v {
		total += o.Weight
	}
	return total
}

// SumsToOne reports whether the weights sum to 1.0 within tolerance.
func SumsToOne(total float64) bool {
	return math.Abs(total-1.0) <= WeightTolerance+1e-9
}

// ConstraintType names a constraint family.
type ConstraintType string

const (
	ConstraintBudget     ConstraintType = "budget"
	ConstraintFrequency  ConstraintType = "frequency"
	ConstraintInventory  ConstraintType = "inventory"
	ConstraintCompliance ConstraintType = "compliance"
)

// Constraint is a caller-supplied hard rule applied to candidates.
//
//   - budget: Value is the ceiling on a candidate's expected value.
//   - frequency: Value is the max decisions recorded for the customer in WindowSecs.
//   - compliance: Expression is a CEL boolean; true means the candidate violates it.
//   - inventory: reserved; currently passes every candidate through.
type Constraint struct {
	Type       ConstraintType `json:"type" validate:"required,oneof=budget frequency inventory compliance"`
	Value      float64        `json:"value,omitempty"`
	WindowSecs int            `json:"windowSecs,omitempty"`
	Expression string         `json:"expression,omitempty"`
}

// DecisionOptions tune a single decision.
type DecisionOptions struct {
	MaxRecommendations int            `json:"maxRecommendations,omitempty"`
	TimeoutMs          int            `json:"timeoutMs,omitempty"`
	Debug              bool           `json:"debug,omitempty"`
	Overrides          map[string]any `json:"overrides,omitempty"` // experiment configuration overrides
}

// Default decision options.
const (
	DefaultMaxRecommendations = 5
	DefaultDecisionTimeout    = 2 * time.Second
)

// DecisionRequest is the input to the Decision Engine.
type DecisionRequest struct {
	RequestID    string          `json:"requestId"`
	CustomerID   string          `json:"customerId"`
	TenantID     string          `json:"tenantId"`
	DecisionType DecisionType    `json:"decisionType"`
	Context      CustomerContext `json:"context"`
	Objectives   ObjectiveVector `json:"objectives"`
	Constraints  []Constraint    `json:"constraints,omitempty"`
	Options      DecisionOptions `json:"options"`
}

// Clone returns a copy whose option overrides may be mutated without
// affecting the original request.
func (r *DecisionRequest) Clone() *DecisionRequest {
	c := *r
	c.Objectives = append(ObjectiveVector(nil), r.Objectives...)
	c.Constraints = append([]Constraint(nil), r.Constraints...)
	if r.Options.Overrides != nil {
		c.Options.Overrides = make(map[string]any, len(r.Options.Overrides))
		for k, v := range r.Options.Overrides {
			c.Options.Overrides[k] = v
		}
	}
	return &c
}

// RecommendationType is the kind of action recommended.
type RecommendationType string

const (
	RecommendationOffer   RecommendationType = "offer"
	RecommendationContent RecommendationType = "content"
	RecommendationChannel RecommendationType = "channel"
	RecommendationTiming  RecommendationType = "timing"
	RecommendationProduct RecommendationType = "product"
)

// Priority of a recommendation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// TargetMetrics are the estimated outcomes of acting on a recommendation.
type TargetMetrics struct {
	ConversionRate float64 `json:"conversionRate"` // 0.0-1.0
	Revenue        float64 `json:"revenue"`
	Engagement     float64 `json:"engagement"` // 0-100
}

// Recommendation is one candidate action. It is never mutated after
// generation; the pipeline only filters and reorders.
type Recommendation struct {
	ID            string             `json:"id"`
	Type          RecommendationType `json:"type"`
	Text          string             `json:"text"`
	Confidence    float64            `json:"confidence"`
	ExpectedValue float64            `json:"expectedValue"`
	Priority      Priority           `json:"priority"`
	Target        TargetMetrics      `json:"targetMetrics"`
	Reasons       []string           `json:"reasons,omitempty"`
	Score         float64            `json:"score"` // weighted objective score, set by the ranker
}

// DecisionResult is the terminal output of a decision.
type DecisionResult struct {
	RequestID          string            `json:"requestId"`
	CustomerID         string            `json:"customerId"`
	TenantID           string            `json:"tenantId"`
	DecisionType       DecisionType      `json:"decisionType"`
	Recommendations    []Recommendation  `json:"recommendations"`
	OverallConfidence  float64           `json:"overallConfidence"`
	ExecutionTimeMs    int64             `json:"executionTimeMs"`
	ModelVersions      map[string]string `json:"modelVersions,omitempty"`
	AppliedExperiments []string          `json:"appliedExperiments,omitempty"`
	FallbackReason     string            `json:"fallbackReason,omitempty"`
	Debug              *DecisionDebug    `json:"debug,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// DecisionDebug carries pipeline counts when Options.Debug is set.
type DecisionDebug struct {
	Features   map[string]any `json:"features,omitempty"`
	Generated  int            `json:"generated"`
	BelowFloor int            `json:"belowFloor"`
	Filtered   int            `json:"filtered"`
	Ranked     int            `json:"ranked"`
}

// IsFallback reports whether the result was produced by the fallback path.
func (r *DecisionResult) IsFallback() bool {
	return r.FallbackReason != ""
}
