package domain

import "context"

// FeatureProvider supplies computed customer features from real-time,
// batch or derived sources. Implementations may block; callers bound
// the call with the request context.
type FeatureProvider interface {
	GetFeatures(ctx context.Context, tenantID, customerID string, names []string) (map[string]any, error)
}

// ModelRegistry reports which model versions are deployed. It is used only
// for result provenance and never gates decision logic.
type ModelRegistry interface {
	GetDeployedModelVersions(ctx context.Context) (map[string]string, error)
}

// ExperimentApplier rewrites a decision request according to the customer's
// experiment assignments.
type ExperimentApplier interface {
	ApplyExperiments(ctx context.Context, req *DecisionRequest) (*DecisionRequest, []string)
}

// ConversionTracker records conversion events.
type ConversionTracker interface {
	TrackConversion(ctx context.Context, experimentID, customerID, tenantID, metric string, value float64) error
}
