// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"context"
	"time"
)

// ExperimentStore persists experiment definitions, assignments and the
// conversion log.
type ExperimentStore interface {
	// SaveExperiment inserts or replaces an experiment definition.
	SaveExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, experimentID string) (*Experiment, error)
	// ListExperiments returns experiments ordered by id. An empty status lists all.
	ListExperiments(ctx context.Context, status ExperimentStatus) ([]*Experiment, error)

	// AssignVariant stores the assignment unless one already exists for the
	// (tenant, customer, experiment) key, and returns the stored assignment.
	// Concurrent callers always observe the same stored value.
	AssignVariant(ctx context.Context, a *VariantAssignment) (*VariantAssignment, error)
	GetAssignment(ctx context.Context, tenantID, customerID, experimentID string) (*VariantAssignment, error)
	ListAssignments(ctx context.Context, experimentID string) ([]*VariantAssignment, error)

	// Conversion log (append-only)
	AppendConversion(ctx context.Context, ev *ConversionEvent) error
	ListConversions(ctx context.Context, experimentID string) ([]*ConversionEvent, error)
}

// DecisionStore is the append-only decision history.
type DecisionStore interface {
	// SaveDecision appends a result. A second save with the same request id fails with ErrDuplicate.
	SaveDecision(ctx context.Context, tenantID string, result *DecisionResult) error
	GetDecision(ctx context.Context, tenantID string, requestID string) (*DecisionResult, error)
	CountDecisions(ctx context.Context, tenantID, customerID string, since time.Time) (int64, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	ExperimentStore
	DecisionStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
