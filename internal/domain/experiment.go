package domain

import "time"

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentCancelled ExperimentStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentCompleted || s == ExperimentCancelled
}

// ExperimentType selects how variants are allocated.
type ExperimentType string

const (
	ExperimentABTest       ExperimentType = "ab_test"
	ExperimentMultivariate ExperimentType = "multivariate"
	ExperimentBandit       ExperimentType = "bandit"
)

// GlobalTenantID marks experiments that apply to every tenant.
const GlobalTenantID = "*"

// Experiment is an A/B, multivariate or bandit test. Identity fields are
// immutable once created; only Status, Results, StopReason and EndDate change.
type Experiment struct {
	ID               string              `json:"id"`
	TenantID         string              `json:"tenantId"`
	Name             string              `json:"name"`
	Description      string              `json:"description,omitempty"`
	Status           ExperimentStatus    `json:"status"`
	Type             ExperimentType      `json:"type"`
	Audience         TargetAudience      `json:"targetAudience"`
	Variants         []ExperimentVariant `json:"variants"`
	ControlVariantID string              `json:"controlVariantId,omitempty"`
	PrimaryMetric    string              `json:"primaryMetric"`
	SecondaryMetrics []string            `json:"secondaryMetrics,omitempty"`
	Statistics       StatisticsConfig    `json:"statistics"`
	StartDate        *time.Time          `json:"startDate,omitempty"`
	EndDate          *time.Time          `json:"endDate,omitempty"`
	StopReason       string              `json:"stopReason,omitempty"`
	Results          *ExperimentResults  `json:"results,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// TargetAudience controls who enters the experiment.
type TargetAudience struct {
	// TrafficAllocation is the fraction of customers sampled into the experiment (0-1].
	TrafficAllocation float64 `json:"trafficAllocation"`
	// Allocations are per-variant percentages keyed by variant id. When set
	// they override ExperimentVariant.Allocation and must sum to 1.0.
	Allocations map[string]float64 `json:"allocations,omitempty"`
}

// ExperimentVariant is one arm of an experiment.
type ExperimentVariant struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Allocation    float64        `json:"allocation"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// StatisticsConfig configures significance testing.
type StatisticsConfig struct {
	ConfidenceLevel         float64 `json:"confidenceLevel"`         // e.g. 0.95
	MinimumDetectableEffect float64 `json:"minimumDetectableEffect"` // relative lift, e.g. 0.1
	MinimumSamplePerVariant int     `json:"minimumSamplePerVariant"` // defaults to 30
}

// Statistics defaults.
const (
	DefaultConfidenceLevel = 0.95
	DefaultMinimumSample   = 30
)

// Control returns the control variant id: the explicit ControlVariantID
// when set, otherwise the first variant.
func (e *Experiment) Control() string {
	if e.ControlVariantID != "" {
		return e.ControlVariantID
	}
	if len(e.Variants) > 0 {
		return e.Variants[0].ID
	}
	return ""
}

// Variant returns the variant with the given id.
func (e *Experiment) Variant(id string) (*ExperimentVariant, bool) {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i], true
		}
	}
	return nil, false
}

// AllocationFor returns the effective allocation of a variant.
func (e *Experiment) AllocationFor(v ExperimentVariant) float64 {
	if a, ok := e.Audience.Allocations[v.ID]; ok {
		return a
	}
	return v.Allocation
}

// AppliesTo reports whether the experiment is visible to a tenant.
func (e *Experiment) AppliesTo(tenantID string) bool {
	return e.TenantID == GlobalTenantID || e.TenantID == "" || e.TenantID == tenantID
}

// VariantAssignment binds a customer to a variant for the lifetime of an
// experiment. An assignment with Eligible=false records that the customer
// was sampled out of the experiment's traffic.
type VariantAssignment struct {
	ExperimentID string    `json:"experimentId"`
	CustomerID   string    `json:"customerId"`
	TenantID     string    `json:"tenantId"`
	VariantID    string    `json:"variantId,omitempty"`
	Eligible     bool      `json:"eligible"`
	AssignedAt   time.Time `json:"assignedAt"`
}

// ConversionEvent is one entry of an experiment's append-only event log.
type ConversionEvent struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experimentId"`
	CustomerID   string    `json:"customerId"`
	TenantID     string    `json:"tenantId"`
	VariantID    string    `json:"variantId"`
	Metric       string    `json:"metric"`
	Value        float64   `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
}

// ExperimentResults are derived from the conversion log on demand.
type ExperimentResults struct {
	ExperimentID      string          `json:"experimentId"`
	Status            string          `json:"status"` // "running", "significant", "completed", "no_data"
	ControlVariantID  string          `json:"controlVariantId"`
	Variants          []VariantResult `json:"variants"`
	TotalParticipants int             `json:"totalParticipants"`
	Winner            string          `json:"winner,omitempty"`
	Confidence        float64         `json:"confidence"`
	RequiredSample    int             `json:"requiredSamplePerVariant,omitempty"`
	ComputedAt        time.Time       `json:"computedAt"`
}

// Result status values.
const (
	ResultsNoData      = "no_data"
	ResultsRunning     = "running"
	ResultsSignificant = "significant"
	ResultsCompleted   = "completed"
)

// VariantResult aggregates one variant.
type VariantResult struct {
	VariantID      string  `json:"variantId"`
	Participants   int     `json:"participants"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
	Revenue        float64 `json:"revenue"`
	RevenuePerUser float64 `json:"revenuePerUser"`
	Significance   float64 `json:"significance"` // confidence this variant beats control
	ZScore         float64 `json:"zScore"`
	CILower        float64 `json:"ciLower"`
	CIUpper        float64 `json:"ciUpper"`
	IsControl      bool    `json:"isControl,omitempty"`
}
