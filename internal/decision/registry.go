package decision

import (
	"context"
	"maps"
)

// StaticModelRegistry reports a fixed set of model versions.
type StaticModelRegistry map[string]string

// GetDeployedModelVersions returns a copy of the configured versions.
func (r StaticModelRegistry) GetDeployedModelVersions(ctx context.Context) (map[string]string, error) {
	return maps.Clone(map[string]string(r)), nil
}
