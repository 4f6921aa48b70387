package database

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

const groupColumns = `id, name, description, deployment_strategy, requires_approval, approvers, current_config_version, created_at, created_by`

// CreateGroup inserts a worker group row.
func (d *Database) CreateGroup(ctx context.Context, g *model.WorkerGroup) error {
	query := `INSERT INTO worker_groups (` + groupColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := d.ExecContext(ctx, query,
		g.ID, g.Name, g.Description, g.DeploymentStrategy, g.RequiresApproval,
		pq.Array(g.Approvers), g.CurrentConfigVersion, g.CreatedAt, g.CreatedBy)
	return err
}

// GetGroup returns one group by id.
func (d *Database) GetGroup(ctx context.Context, id string) (*model.WorkerGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM worker_groups WHERE id = $1`
	return scanGroup(d.QueryRowContext(ctx, query, id))
}

// GetGroupByName returns one group by its unique name.
func (d *Database) GetGroupByName(ctx context.Context, name string) (*model.WorkerGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM worker_groups WHERE name = $1`
	return scanGroup(d.QueryRowContext(ctx, query, name))
}

// ListGroups returns all worker groups ordered by name.
func (d *Database) ListGroups(ctx context.Context) ([]model.WorkerGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM worker_groups ORDER BY name`
	rows, err := d.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []model.WorkerGroup
	for rows.Next() {
		var g model.WorkerGroup
		var strategy string
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &strategy, &g.RequiresApproval,
			pq.Array(&g.Approvers), &g.CurrentConfigVersion, &g.CreatedAt, &g.CreatedBy); err != nil {
			return nil, err
		}
		g.DeploymentStrategy = model.DeploymentStrategy(strategy)
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpdateGroupConfigVersion records the group's current config commit.
func (d *Database) UpdateGroupConfigVersion(ctx context.Context, id, version string) error {
	query := `UPDATE worker_groups SET current_config_version = $1 WHERE id = $2`
	res, err := d.ExecContext(ctx, query, version, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteGroup removes a group row. The membership guard lives in the
// service layer, not here.
func (d *Database) DeleteGroup(ctx context.Context, id string) error {
	res, err := d.ExecContext(ctx, `DELETE FROM worker_groups WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanGroup(row *sql.Row) (*model.WorkerGroup, error) {
	var g model.WorkerGroup
	var strategy string
	err := row.Scan(&g.ID, &g.Name, &g.Description, &strategy, &g.RequiresApproval,
		pq.Array(&g.Approvers), &g.CurrentConfigVersion, &g.CreatedAt, &g.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.DeploymentStrategy = model.DeploymentStrategy(strategy)
	return &g, nil
}
