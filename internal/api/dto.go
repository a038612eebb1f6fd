package api

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/heron/internal/domain"
)

// validate checks request bodies against their struct tags. Semantic rules
// such as weight sums stay in the engines.
var validate = newValidator()

// tenantPattern keeps tenant ids usable as a single bus subject token. A
// leading underscore is reserved for internal subscriptions.
var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("tenant_id", func(fl validator.FieldLevel) bool {
		return tenantPattern.MatchString(fl.Field().String())
	})
	return v
}

// validateBody runs tag validation and converts the first failure into a
// domain validation error.
func validateBody(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return domain.Invalid(fieldPath(fe.Namespace()), "failed %q check", fe.Tag())
	}
	return domain.Invalid("", "%v", err)
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// DecisionRequestBody is the request body for POST /decisions. The tenant
// comes from the X-Tenant-ID header.
type DecisionRequestBody struct {
	RequestID    string                 `json:"requestId" validate:"omitempty,max=128"`
	CustomerID   string                 `json:"customerId" validate:"required,max=128"`
	DecisionType domain.DecisionType    `json:"decisionType" validate:"required,oneof=next_best_action offer content channel timing"`
	Context      domain.CustomerContext `json:"context"`
	Objectives   domain.ObjectiveVector `json:"objectives" validate:"required,min=1,dive"`
	Constraints  []domain.Constraint    `json:"constraints,omitempty" validate:"omitempty,dive"`
	Options      domain.DecisionOptions `json:"options"`
}

// toDomain builds the engine request for a tenant.
func (b *DecisionRequestBody) toDomain(tenantID string) *domain.DecisionRequest {
	return &domain.DecisionRequest{
		RequestID:    b.RequestID,
		CustomerID:   b.CustomerID,
		TenantID:     tenantID,
		DecisionType: b.DecisionType,
		Context:      b.Context,
		Objectives:   b.Objectives,
		Constraints:  b.Constraints,
		Options:      b.Options,
	}
}

// VariantBody is one variant of a CreateExperimentRequest.
type VariantBody struct {
	ID            string         `json:"id" validate:"required,max=64"`
	Name          string         `json:"name,omitempty"`
	Allocation    float64        `json:"allocation" validate:"gte=0,lte=1"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// CreateExperimentRequest is the request body for POST /experiments.
// TenantID may be "*" to create a global experiment; otherwise the
// experiment belongs to the calling tenant.
type CreateExperimentRequest struct {
	ID                string                  `json:"id" validate:"omitempty,max=128"`
	TenantID          string                  `json:"tenantId,omitempty"`
	Name              string                  `json:"name" validate:"required,max=256"`
	Description       string                  `json:"description,omitempty"`
	Type              domain.ExperimentType   `json:"type" validate:"omitempty,oneof=ab_test multivariate bandit"`
	TrafficAllocation float64                 `json:"trafficAllocation" validate:"gte=0,lte=1"`
	Allocations       map[string]float64      `json:"allocations,omitempty"`
	Variants          []VariantBody           `json:"variants" validate:"required,min=2,dive"`
	ControlVariantID  string                  `json:"controlVariantId,omitempty"`
	PrimaryMetric     string                  `json:"primaryMetric" validate:"required"`
	SecondaryMetrics  []string                `json:"secondaryMetrics,omitempty"`
	Statistics        domain.StatisticsConfig `json:"statistics"`
}

func (b *CreateExperimentRequest) toDomain(tenantID string) *domain.Experiment {
	if b.TenantID == domain.GlobalTenantID {
		tenantID = domain.GlobalTenantID
	}
	exp := &domain.Experiment{
		ID:               b.ID,
		TenantID:         tenantID,
		Name:             b.Name,
		Description:      b.Description,
		Type:             b.Type,
		Audience:         domain.TargetAudience{TrafficAllocation: b.TrafficAllocation, Allocations: b.Allocations},
		ControlVariantID: b.ControlVariantID,
		PrimaryMetric:    b.PrimaryMetric,
		SecondaryMetrics: b.SecondaryMetrics,
		Statistics:       b.Statistics,
	}
	for _, v := range b.Variants {
		exp.Variants = append(exp.Variants, domain.ExperimentVariant{
			ID:            v.ID,
			Name:          v.Name,
			Allocation:    v.Allocation,
			Configuration: v.Configuration,
		})
	}
	return exp
}

// TransitionRequest is the optional body of stop and cancel.
type TransitionRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// AllocationsRequest is the request body for PUT /experiments/{id}/allocations.
type AllocationsRequest struct {
	Allocations map[string]float64 `json:"allocations" validate:"required,min=1,dive,gte=0,lte=1"`
}

// ConversionRequest is the request body for POST /experiments/{id}/conversions.
type ConversionRequest struct {
	CustomerID string  `json:"customerId" validate:"required,max=128"`
	Metric     string  `json:"metric" validate:"required,max=128"`
	Value      float64 `json:"value"`
}

// ConversionResponse reports whether a conversion was recorded.
type ConversionResponse struct {
	Recorded bool                    `json:"recorded"`
	Event    *domain.ConversionEvent `json:"event,omitempty"`
}

// AssignmentResponse is the response for assignment and bandit lookups.
// VariantID is empty when the customer is not in the experiment.
type AssignmentResponse struct {
	ExperimentID string `json:"experimentId"`
	CustomerID   string `json:"customerId"`
	VariantID    string `json:"variantId"`
	Assigned     bool   `json:"assigned"`
}

// ExperimentListResponse wraps GET /experiments.
type ExperimentListResponse struct {
	Experiments []*domain.Experiment `json:"experiments"`
	Count       int                  `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}
