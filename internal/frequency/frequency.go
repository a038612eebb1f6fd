// Package frequency counts how often a customer has received decisions.
package frequency

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// DefaultWindow is used when a frequency constraint has no window.
const DefaultWindow = 24 * time.Hour

// Service counts decisions for a customer within a time window, backed by
// the append-only decision history.
type Service struct {
	store domain.DecisionStore
	now   func() time.Time
}

// NewService creates a frequency service over store.
func NewService(store domain.DecisionStore) *Service {
	return &Service{store: store, now: time.Now}
}

// CountDecisions returns the number of decisions made for a customer in the
// last windowSecs seconds. This is the Counter signature expected by the
// frequency constraint.
//
// Counts are read from the store on every call, so a decision saved a
// moment ago on any node is already counted.
func (s *Service) CountDecisions(ctx context.Context, tenantID, customerID string, windowSecs int) (int64, error) {
	if tenantID == "" || customerID == "" {
		return 0, fmt.Errorf("tenantID and customerID are required")
	}
	if s.store == nil {
		return 0, fmt.Errorf("no data source available")
	}

	window := time.Duration(windowSecs) * time.Second
	if window <= 0 {
		window = DefaultWindow
	}

	count, err := s.store.CountDecisions(ctx, tenantID, customerID, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}
