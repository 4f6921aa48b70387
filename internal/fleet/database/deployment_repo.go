package database

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

const deploymentColumns = `id, group_id, config_version, strategy, status, batch_index, error, created_at, started_at, completed_at, created_by, approved_by`

// CreateDeployment inserts a deployment and its per-agent rows.
func (d *Database) CreateDeployment(ctx context.Context, dep *model.Deployment, agentIDs []string) error {
	tx, err := d.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO deployments (` + deploymentColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = tx.ExecContext(ctx, query,
		dep.ID, dep.GroupID, dep.ConfigVersion, dep.Strategy, dep.Status, dep.BatchIndex,
		dep.Error, dep.CreatedAt, dep.StartedAt, dep.CompletedAt, dep.CreatedBy, dep.ApprovedBy)
	if err != nil {
		return err
	}
	for _, agentID := range agentIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO deployment_agents (deployment_id, agent_id, status, updated_at) VALUES ($1, $2, $3, $4)`,
			dep.ID, agentID, model.DeployAgentPending, time.Now().UTC())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetDeployment returns one deployment by id.
func (d *Database) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(d.QueryRowContext(ctx, query, id))
}

// ListDeployments returns deployments newest first, optionally filtered
// by group and status.
func (d *Database) ListDeployments(ctx context.Context, groupID string, status model.DeployState, limit int) ([]model.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE 1=1`
	args := []any{}
	if groupID != "" {
		query += ` AND group_id = $` + strconv.Itoa(len(args)+1)
		args = append(args, groupID)
	}
	if status != "" {
		query += ` AND status = $` + strconv.Itoa(len(args)+1)
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT $` + strconv.Itoa(len(args)+1)
		args = append(args, limit)
	}

	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []model.Deployment
	for rows.Next() {
		var dep model.Deployment
		var strategy, state string
		if err := rows.Scan(&dep.ID, &dep.GroupID, &dep.ConfigVersion, &strategy, &state,
			&dep.BatchIndex, &dep.Error, &dep.CreatedAt, &dep.StartedAt, &dep.CompletedAt,
			&dep.CreatedBy, &dep.ApprovedBy); err != nil {
			return nil, err
		}
		dep.Strategy = model.DeploymentStrategy(strategy)
		dep.Status = model.DeployState(state)
		deployments = append(deployments, dep)
	}
	return deployments, rows.Err()
}

// UpdateDeploymentStatus moves a deployment through its state machine.
func (d *Database) UpdateDeploymentStatus(ctx context.Context, id string, status model.DeployState, errMsg *string) error {
	query := `UPDATE deployments SET status = $1, error = $2 WHERE id = $3`
	res, err := d.ExecContext(ctx, query, status, errMsg, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateDeploymentBatch advances the batch pointer.
func (d *Database) UpdateDeploymentBatch(ctx context.Context, id string, batchIndex int) error {
	res, err := d.ExecContext(ctx, `UPDATE deployments SET batch_index = $1 WHERE id = $2`, batchIndex, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkDeploymentStarted stamps the transition into in_progress.
func (d *Database) MarkDeploymentStarted(ctx context.Context, id string, at time.Time) error {
	res, err := d.ExecContext(ctx,
		`UPDATE deployments SET status = $1, started_at = $2 WHERE id = $3`,
		model.DeployInProgress, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkDeploymentCompleted stamps a terminal state.
func (d *Database) MarkDeploymentCompleted(ctx context.Context, id string, status model.DeployState, errMsg *string, at time.Time) error {
	res, err := d.ExecContext(ctx,
		`UPDATE deployments SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		status, errMsg, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetDeploymentApproved records the approver and releases the
// deployment into the queue.
func (d *Database) SetDeploymentApproved(ctx context.Context, id, approver string) error {
	res, err := d.ExecContext(ctx,
		`UPDATE deployments SET status = $1, approved_by = $2 WHERE id = $3 AND status = $4`,
		model.DeployQueued, approver, id, model.DeployPendingApproval)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrConflict
	}
	return nil
}

// UpdateDeploymentAgent records one agent's rollout outcome.
func (d *Database) UpdateDeploymentAgent(ctx context.Context, deploymentID, agentID string, status model.DeployAgentState, errMsg *string) error {
	query := `UPDATE deployment_agents SET status = $1, error = $2, updated_at = $3
	          WHERE deployment_id = $4 AND agent_id = $5`
	res, err := d.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), deploymentID, agentID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListDeploymentAgents returns per-agent progress for one deployment.
func (d *Database) ListDeploymentAgents(ctx context.Context, deploymentID string) ([]model.DeploymentAgent, error) {
	query := `SELECT deployment_id, agent_id, status, error, updated_at
	          FROM deployment_agents WHERE deployment_id = $1 ORDER BY agent_id`
	rows, err := d.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeploymentAgent
	for rows.Next() {
		var da model.DeploymentAgent
		var state string
		if err := rows.Scan(&da.DeploymentID, &da.AgentID, &state, &da.Error, &da.UpdatedAt); err != nil {
			return nil, err
		}
		da.Status = model.DeployAgentState(state)
		out = append(out, da)
	}
	return out, rows.Err()
}

func scanDeployment(row *sql.Row) (*model.Deployment, error) {
	var dep model.Deployment
	var strategy, state string
	err := row.Scan(&dep.ID, &dep.GroupID, &dep.ConfigVersion, &strategy, &state,
		&dep.BatchIndex, &dep.Error, &dep.CreatedAt, &dep.StartedAt, &dep.CompletedAt,
		&dep.CreatedBy, &dep.ApprovedBy)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	dep.Strategy = model.DeploymentStrategy(strategy)
	dep.Status = model.DeployState(state)
	return &dep, nil
}
