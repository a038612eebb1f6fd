package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// SaveDecision appends a decision result to the history. Rows are never
// updated; saving the same request id twice returns domain.ErrDuplicate.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, result *domain.DecisionResult) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if result == nil || result.RequestID == "" {
		return domain.Invalid("requestId", "is required")
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO decisions (
			request_id, tenant_id, customer_id, decision_type,
			overall_confidence, fallback_reason, result, created_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, request_id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		result.RequestID, tenantID, result.CustomerID, string(result.DecisionType),
		result.OverallConfidence, result.FallbackReason, string(payload), ts.UnixNano(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("decision %q: %w", result.RequestID, domain.ErrDuplicate)
	}
	return nil
}

// GetDecision retrieves a decision by request id with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, requestID string) (*domain.DecisionResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT result FROM decisions WHERE tenant_id = ? AND request_id = ?`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, requestID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("decision", requestID)
	}
	if err != nil {
		return nil, err
	}

	var result domain.DecisionResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &result, nil
}

// CountDecisions counts decisions for a customer made at or after since.
func (r *SQLRepository) CountDecisions(ctx context.Context, tenantID, customerID string, since time.Time) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `
		SELECT COUNT(*) FROM decisions
		WHERE tenant_id = ? AND customer_id = ? AND created_unix >= ?
	`

	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID, since.UnixNano()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}
