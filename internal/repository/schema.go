package repository

// Schema for the heron database. Statements use the common subset of
// SQLite and PostgreSQL.

// schemaExperiments stores the full definition as JSON alongside the
// columns used for filtering.
const schemaExperiments = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    type TEXT NOT NULL,
    definition TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
CREATE INDEX IF NOT EXISTS idx_experiments_tenant ON experiments(tenant_id, status);
`

// schemaAssignments holds one row per (tenant, customer, experiment).
// Rows are never updated.
const schemaAssignments = `
CREATE TABLE IF NOT EXISTS assignments (
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    experiment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    eligible INTEGER NOT NULL DEFAULT 1,
    assigned_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, customer_id, experiment_id)
);

CREATE INDEX IF NOT EXISTS idx_assignments_experiment ON assignments(experiment_id, variant_id);
`

const schemaConversions = `
CREATE TABLE IF NOT EXISTS conversions (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    value REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversions_experiment ON conversions(experiment_id, variant_id);
CREATE INDEX IF NOT EXISTS idx_conversions_customer ON conversions(tenant_id, customer_id);
`

// schemaDecisions is the append-only decision history. created_unix holds
// Unix nanoseconds for window queries.
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    request_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    decision_type TEXT NOT NULL,
    overall_confidence REAL NOT NULL,
    fallback_reason TEXT,
    result TEXT NOT NULL,
    created_unix BIGINT NOT NULL,
    PRIMARY KEY (tenant_id, request_id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_customer ON decisions(tenant_id, customer_id, created_unix);
`

// migration is one numbered schema step. Steps are append-only: released
// steps are never edited, a change ships as a new step.
type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{1, "experiments", schemaExperiments},
	{2, "assignments", schemaAssignments},
	{3, "conversions", schemaConversions},
	{4, "decisions", schemaDecisions},
}

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
);
`
