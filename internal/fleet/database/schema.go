package database

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS worker_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		deployment_strategy TEXT NOT NULL DEFAULT 'rolling',
		requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
		approvers TEXT[] NOT NULL DEFAULT '{}',
		current_config_version TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_by TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		group_id TEXT REFERENCES worker_groups(id),
		status TEXT NOT NULL DEFAULT 'unknown',
		engine_version TEXT,
		last_seen TIMESTAMPTZ,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS health_checks (
		id BIGSERIAL PRIMARY KEY,
		agent_id TEXT NOT NULL,
		healthy BOOLEAN NOT NULL,
		latency_ms BIGINT,
		error TEXT,
		version TEXT,
		uptime_seconds BIGINT,
		components INTEGER,
		checked_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_health_checks_agent ON health_checks(agent_id, checked_at DESC)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		config_version TEXT NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		batch_index INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_by TEXT,
		approved_by TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS deployment_agents (
		deployment_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (deployment_id, agent_id)
	)`,
}

// EnsureSchema creates missing tables. Statements are idempotent so
// startup can always run it.
func (d *Database) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
