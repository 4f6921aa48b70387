package database

import (
	"context"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

// RecordHealthCheck appends one probe outcome to the audit trail.
func (d *Database) RecordHealthCheck(ctx context.Context, check model.HealthCheck) error {
	query := `INSERT INTO health_checks (agent_id, healthy, latency_ms, error, version, uptime_seconds, components, checked_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := d.ExecContext(ctx, query,
		check.AgentID, check.Healthy, check.LatencyMS, check.Error,
		check.Version, check.UptimeSecs, check.Components, check.CheckedAt)
	return err
}

// ListHealthChecks returns the newest checks for one agent.
func (d *Database) ListHealthChecks(ctx context.Context, agentID string, limit int) ([]model.HealthCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, agent_id, healthy, latency_ms, error, version, uptime_seconds, components, checked_at
	          FROM health_checks WHERE agent_id = $1 ORDER BY checked_at DESC LIMIT $2`
	rows, err := d.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []model.HealthCheck
	for rows.Next() {
		var c model.HealthCheck
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Healthy, &c.LatencyMS, &c.Error,
			&c.Version, &c.UptimeSecs, &c.Components, &c.CheckedAt); err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// PruneHealthChecks keeps the newest checks per agent and deletes the
// rest, returning the number removed.
func (d *Database) PruneHealthChecks(ctx context.Context, keepPerAgent int) (int64, error) {
	query := `DELETE FROM health_checks WHERE id IN (
	            SELECT id FROM (
	              SELECT id, row_number() OVER (PARTITION BY agent_id ORDER BY checked_at DESC) AS rn
	              FROM health_checks) ranked
	            WHERE ranked.rn > $1)`
	res, err := d.ExecContext(ctx, query, keepPerAgent)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
