package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

const agentColumns = `id, name, url, group_id, status, engine_version, last_seen, registered_at`

// CreateAgent inserts a new agent row.
func (d *Database) CreateAgent(ctx context.Context, a *model.Agent) error {
	query := `INSERT INTO agents (` + agentColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := d.ExecContext(ctx, query,
		a.ID, a.Name, a.URL, a.GroupID, a.Status, a.EngineVersion, a.LastSeen, a.RegisteredAt)
	return err
}

// GetAgent returns one agent by id.
func (d *Database) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return scanAgent(d.QueryRowContext(ctx, query, id))
}

// GetAgentByName returns one agent by its unique name.
func (d *Database) GetAgentByName(ctx context.Context, name string) (*model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE name = $1`
	return scanAgent(d.QueryRowContext(ctx, query, name))
}

// ListAgents returns all agents, optionally filtered by group.
func (d *Database) ListAgents(ctx context.Context, groupID string) ([]model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if groupID != "" {
		query += ` WHERE group_id = $1`
		args = append(args, groupID)
	}
	query += ` ORDER BY name`

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		var status string
		if err := rows.Scan(&a.ID, &a.Name, &a.URL, &a.GroupID, &status,
			&a.EngineVersion, &a.LastSeen, &a.RegisteredAt); err != nil {
			return nil, err
		}
		a.Status = model.ParseAgentStatus(status)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentEndpoint rewrites an existing agent's URL and group,
// preserving its identity. Used by idempotent re-registration.
func (d *Database) UpdateAgentEndpoint(ctx context.Context, id, url string, groupID *string) error {
	query := `UPDATE agents SET url = $1, group_id = $2 WHERE id = $3`
	res, err := d.ExecContext(ctx, query, url, groupID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateAgentGroup moves an agent between groups; nil unassigns.
func (d *Database) UpdateAgentGroup(ctx context.Context, id string, groupID *string) error {
	query := `UPDATE agents SET group_id = $1 WHERE id = $2`
	res, err := d.ExecContext(ctx, query, groupID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateAgentObserved applies the latest probe outcome, last write
// wins.
func (d *Database) UpdateAgentObserved(ctx context.Context, id string, status model.AgentStatus, version *string, lastSeen time.Time) error {
	query := `UPDATE agents SET status = $1, engine_version = COALESCE($2, engine_version), last_seen = $3 WHERE id = $4`
	_, err := d.ExecContext(ctx, query, status, version, lastSeen, id)
	return err
}

// DeleteAgent removes an agent row.
func (d *Database) DeleteAgent(ctx context.Context, id string) error {
	res, err := d.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CountAgentsInGroup is the deletion guard for groups.
func (d *Database) CountAgentsInGroup(ctx context.Context, groupID string) (int, error) {
	var n int
	err := d.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE group_id = $1`, groupID).Scan(&n)
	return n, err
}

func scanAgent(row *sql.Row) (*model.Agent, error) {
	var a model.Agent
	var status string
	err := row.Scan(&a.ID, &a.Name, &a.URL, &a.GroupID, &status,
		&a.EngineVersion, &a.LastSeen, &a.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = model.ParseAgentStatus(status)
	return &a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
