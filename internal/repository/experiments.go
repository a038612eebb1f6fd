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

// SaveExperiment inserts or replaces an experiment definition.
func (r *SQLRepository) SaveExperiment(ctx context.Context, exp *domain.Experiment) error {
	if exp == nil || exp.ID == "" {
		return domain.Invalid("id", "is required")
	}

	definition, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to encode experiment: %w", err)
	}

	createdAt := exp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := exp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	query := `
		INSERT INTO experiments (
			id, tenant_id, name, status, type, definition, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		exp.ID, exp.TenantID, exp.Name, string(exp.Status), string(exp.Type),
		string(definition), createdAt, updatedAt,
	)
	return err
}

// GetExperiment retrieves an experiment by id.
func (r *SQLRepository) GetExperiment(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	query := `SELECT definition FROM experiments WHERE id = ?`

	var definition string
	err := r.db.QueryRowContext(ctx, r.rebind(query), experimentID).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("experiment", experimentID)
	}
	if err != nil {
		return nil, err
	}

	return decodeExperiment(definition)
}

// ListExperiments returns experiments ordered by id, optionally filtered by status.
func (r *SQLRepository) ListExperiments(ctx context.Context, status domain.ExperimentStatus) ([]*domain.Experiment, error) {
	query := `SELECT definition FROM experiments ORDER BY id`
	args := []any{}
	if status != "" {
		query = `SELECT definition FROM experiments WHERE status = ? ORDER BY id`
		args = append(args, string(status))
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []*domain.Experiment
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		exp, err := decodeExperiment(definition)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}

	return experiments, rows.Err()
}

func decodeExperiment(definition string) (*domain.Experiment, error) {
	var exp domain.Experiment
	if err := json.Unmarshal([]byte(definition), &exp); err != nil {
		return nil, fmt.Errorf("failed to decode experiment: %w", err)
	}
	return &exp, nil
}

// AssignVariant inserts the assignment if the key is free and returns the
// stored row. The primary key makes the first writer win.
func (r *SQLRepository) AssignVariant(ctx context.Context, a *domain.VariantAssignment) (*domain.VariantAssignment, error) {
	if err := requireTenant(a.TenantID); err != nil {
		return nil, err
	}

	assignedAt := a.AssignedAt
	if assignedAt.IsZero() {
		assignedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO assignments (
			tenant_id, customer_id, experiment_id, variant_id, eligible, assigned_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, customer_id, experiment_id) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query),
		a.TenantID, a.CustomerID, a.ExperimentID, a.VariantID, boolToInt(a.Eligible), assignedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to store assignment: %w", err)
	}

	return r.GetAssignment(ctx, a.TenantID, a.CustomerID, a.ExperimentID)
}

// GetAssignment retrieves a stored assignment.
func (r *SQLRepository) GetAssignment(ctx context.Context, tenantID, customerID, experimentID string) (*domain.VariantAssignment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT tenant_id, customer_id, experiment_id, variant_id, eligible, assigned_at
		FROM assignments
		WHERE tenant_id = ? AND customer_id = ? AND experiment_id = ?
	`

	a, err := scanAssignment(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID, experimentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("assignment", customerID)
	}
	return a, err
}

// ListAssignments returns all assignments for an experiment across tenants.
func (r *SQLRepository) ListAssignments(ctx context.Context, experimentID string) ([]*domain.VariantAssignment, error) {
	query := `
		SELECT tenant_id, customer_id, experiment_id, variant_id, eligible, assigned_at
		FROM assignments
		WHERE experiment_id = ?
		ORDER BY assigned_at, customer_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []*domain.VariantAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}

	return assignments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (*domain.VariantAssignment, error) {
	var a domain.VariantAssignment
	var eligible int
	if err := row.Scan(
		&a.TenantID, &a.CustomerID, &a.ExperimentID,
		&a.VariantID, &eligible, &a.AssignedAt,
	); err != nil {
		return nil, err
	}
	a.Eligible = eligible == 1
	return &a, nil
}

// AppendConversion appends an event to the conversion log.
func (r *SQLRepository) AppendConversion(ctx context.Context, ev *domain.ConversionEvent) error {
	if err := requireTenant(ev.TenantID); err != nil {
		return err
	}
	if ev.ID == "" {
		return domain.Invalid("id", "is required")
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO conversions (
			id, experiment_id, tenant_id, customer_id, variant_id, metric, value, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, ev.ExperimentID, ev.TenantID, ev.CustomerID,
		ev.VariantID, ev.Metric, ev.Value, ts,
	)
	return err
}

// ListConversions returns the full conversion log for an experiment in
// timestamp order.
func (r *SQLRepository) ListConversions(ctx context.Context, experimentID string) ([]*domain.ConversionEvent, error) {
	query := `
		SELECT id, experiment_id, tenant_id, customer_id, variant_id, metric, value, timestamp
		FROM conversions
		WHERE experiment_id = ?
		ORDER BY timestamp, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.ConversionEvent
	for rows.Next() {
		var ev domain.ConversionEvent
		if err := rows.Scan(
			&ev.ID, &ev.ExperimentID, &ev.TenantID, &ev.CustomerID,
			&ev.VariantID, &ev.Metric, &ev.Value, &ev.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}
