package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/gitstore"
	"github.com/vecfleet/vecfleet/internal/validation"
)

// CreateGroupRequest is the input for provisioning a worker group.
type CreateGroupRequest struct {
	Name             string   `json:"name"`
	Description      *string  `json:"description,omitempty"`
	Strategy         string   `json:"deployment_strategy"`
	RequiresApproval bool     `json:"requires_approval"`
	Approvers        []string `json:"approvers"`
	CreatedBy        *string  `json:"created_by,omitempty"`
}

// GroupView is a group decorated with membership and computed health.
type GroupView struct {
	model.WorkerGroup
	AgentCount int               `json:"agent_count"`
	Health     model.GroupHealth `json:"health"`
}

// CreateGroup validates the strategy, provisions the store directory
// and persists the group row.
func (s *Service) CreateGroup(ctx context.Context, req CreateGroupRequest) (*model.WorkerGroup, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: group name is required", model.ErrConflict)
	}
	if req.Strategy == "" {
		req.Strategy = string(model.StrategyRolling)
	}
	strategy, ok := model.ParseStrategy(req.Strategy)
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidStrategy, req.Strategy)
	}
	if _, err := s.repo.GetGroupByName(ctx, req.Name); err == nil {
		return nil, fmt.Errorf("%w: group %q already exists", model.ErrConflict, req.Name)
	} else if err != model.ErrNotFound {
		return nil, err
	}

	version, err := s.store.CreateGroup(req.Name)
	if err != nil {
		return nil, fmt.Errorf("provision store: %w", err)
	}

	approvers := req.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	group := &model.WorkerGroup{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		Description:          req.Description,
		DeploymentStrategy:   strategy,
		RequiresApproval:     req.RequiresApproval,
		Approvers:            approvers,
		CurrentConfigVersion: &version,
		CreatedAt:            time.Now().UTC(),
		CreatedBy:            req.CreatedBy,
	}
	if err := s.repo.CreateGroup(ctx, group); err != nil {
		return nil, err
	}
	log.Info().Str("group", req.Name).Str("strategy", string(strategy)).Msg("group created")
	return group, nil
}

// GetGroup returns one group with computed membership health.
func (s *Service) GetGroup(ctx context.Context, id string) (*GroupView, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, group)
}

// ListGroups returns all groups with computed membership health.
func (s *Service) ListGroups(ctx context.Context) ([]GroupView, error) {
	groups, err := s.repo.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]GroupView, 0, len(groups))
	for i := range groups {
		v, err := s.decorate(ctx, &groups[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (s *Service) decorate(ctx context.Context, group *model.WorkerGroup) (*GroupView, error) {
	agents, err := s.repo.ListAgents(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	return &GroupView{
		WorkerGroup: *group,
		AgentCount:  len(agents),
		Health:      model.AggregateHealth(agents),
	}, nil
}

// DeleteGroup refuses to delete a group that still has members; the
// rejection names the blocking count. The store directory is removed
// together with the row.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	count, err := s.repo.CountAgentsInGroup(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: group %q still has %d assigned agents", model.ErrConflict, group.Name, count)
	}
	if err := s.repo.DeleteGroup(ctx, id); err != nil {
		return err
	}
	if s.store.HasGroup(group.Name) {
		if _, err := s.store.DeleteGroup(group.Name); err != nil {
			log.Warn().Str("group", group.Name).Err(err).Msg("store cleanup after group delete failed")
		}
	}
	log.Info().Str("group", group.Name).Msg("group deleted")
	return nil
}

// GetGroupConfig returns the group's live config text.
func (s *Service) GetGroupConfig(ctx context.Context, id string) (string, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return "", err
	}
	content, ok, err := s.store.ReadConfig(group.Name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: no config for group %q", model.ErrNotFound, group.Name)
	}
	return content, nil
}

// UpdateGroupConfig validates then commits new config text, returning
// the new version. Static validation errors block the write.
func (s *Service) UpdateGroupConfig(ctx context.Context, id, content string) (string, *model.WorkerGroup, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return "", nil, err
	}

	res := s.ValidateConfig(ctx, content)
	if !res.Valid() {
		return "", nil, &InvalidConfigError{Result: res}
	}

	version, err := s.store.WriteConfig(group.Name, content)
	if err != nil {
		return "", nil, err
	}
	if err := s.repo.UpdateGroupConfigVersion(ctx, id, version); err != nil {
		return "", nil, err
	}
	group.CurrentConfigVersion = &version
	log.Info().Str("group", group.Name).Str("version", shortHash(version)).Msg("config updated")
	return version, group, nil
}

// ConfigAtVersion returns a historical config snapshot for the group.
func (s *Service) ConfigAtVersion(ctx context.Context, id, version string) (string, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return "", err
	}
	content, ok, err := s.store.ConfigAtVersion(group.Name, version)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: group %q had no config at %s", model.ErrNotFound, group.Name, version)
	}
	return content, nil
}

// ConfigHistory lists the group's config commits, newest first.
func (s *Service) ConfigHistory(ctx context.Context, id string, limit int) ([]gitstore.CommitInfo, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.store.History(group.Name, limit)
}

// DiffConfig returns the unified diff between two versions.
func (s *Service) DiffConfig(ctx context.Context, from, to string) (string, error) {
	return s.store.Diff(from, to)
}

// RollbackConfig re-commits a past version's content forward and moves
// the group's current version pointer to the new commit.
func (s *Service) RollbackConfig(ctx context.Context, id, version string) (string, error) {
	group, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return "", err
	}
	newVersion, err := s.store.Rollback(group.Name, version)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateGroupConfigVersion(ctx, id, newVersion); err != nil {
		return "", err
	}
	log.Info().Str("group", group.Name).Str("from", shortHash(version)).Str("to", shortHash(newVersion)).Msg("config rolled back")
	return newVersion, nil
}

// InvalidConfigError wraps a failed validation result so the API layer
// can return the structured errors.
type InvalidConfigError struct {
	Result *validation.Result
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("configuration invalid: %d errors", len(e.Result.Errors))
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
