package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/healthmonitor"
)

// RegisterRequest is the input for (re-)registering an agent.
type RegisterRequest struct {
	Name      string  `json:"name"`
	URL       string  `json:"url"`
	GroupName *string `json:"group,omitempty"`
}

// RegisterAgent is idempotent on name: an existing agent re-claims its
// identity with a new URL and group instead of creating a duplicate.
// Fresh registrations are probed once to seed an initial status.
func (s *Service) RegisterAgent(ctx context.Context, req RegisterRequest) (*model.Agent, error) {
	if req.Name == "" || req.URL == "" {
		return nil, fmt.Errorf("%w: name and url are required", model.ErrConflict)
	}

	var groupID *string
	if req.GroupName != nil && *req.GroupName != "" {
		group, err := s.repo.GetGroupByName(ctx, *req.GroupName)
		if err != nil {
			return nil, fmt.Errorf("resolve group %q: %w", *req.GroupName, err)
		}
		groupID = &group.ID
	}

	existing, err := s.repo.GetAgentByName(ctx, req.Name)
	if err == nil {
		if err := s.repo.UpdateAgentEndpoint(ctx, existing.ID, req.URL, groupID); err != nil {
			return nil, err
		}
		log.Info().Str("agent", req.Name).Str("url", req.URL).Msg("agent re-registered")
		return s.repo.GetAgent(ctx, existing.ID)
	}
	if err != model.ErrNotFound {
		return nil, err
	}

	status, version := s.seedStatus(ctx, req.URL)
	agent := &model.Agent{
		ID:            uuid.NewString(),
		Name:          req.Name,
		URL:           req.URL,
		GroupID:       groupID,
		Status:        status,
		EngineVersion: version,
		RegisteredAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	log.Info().Str("agent", req.Name).Str("status", string(status)).Msg("agent registered")
	return agent, nil
}

// seedStatus performs the one-shot reachability probe for a fresh
// registration. A transport error leaves the status unknown; a reply
// decides healthy vs unhealthy. Version lookup is best effort.
func (s *Service) seedStatus(ctx context.Context, url string) (model.AgentStatus, *string) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/health", nil)
	if err != nil {
		return model.AgentUnknown, nil
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return model.AgentUnknown, nil
	}
	defer resp.Body.Close()

	status := model.AgentUnhealthy
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status = model.AgentHealthy
	}
	return status, s.lookupVersion(ctx, url)
}

func (s *Service) lookupVersion(ctx context.Context, url string) *string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(url, "/")+"/graphql",
		strings.NewReader(`{"query":"{ meta { versionString } }"}`))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var body struct {
		Data struct {
			Meta struct {
				VersionString string `json:"versionString"`
			} `json:"meta"`
		} `json:"data"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil
	}
	if body.Data.Meta.VersionString == "" {
		return nil
	}
	v := body.Data.Meta.VersionString
	return &v
}

// GetAgent returns one agent by id.
func (s *Service) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

// ListAgents returns all agents, optionally scoped to one group.
func (s *Service) ListAgents(ctx context.Context, groupID string) ([]model.Agent, error) {
	return s.repo.ListAgents(ctx, groupID)
}

// ListUnassignedAgents returns agents that belong to no group.
func (s *Service) ListUnassignedAgents(ctx context.Context) ([]model.Agent, error) {
	all, err := s.repo.ListAgents(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []model.Agent
	for _, a := range all {
		if a.GroupID == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// DeleteAgent removes an agent.
func (s *Service) DeleteAgent(ctx context.Context, id string) error {
	return s.repo.DeleteAgent(ctx, id)
}

// AssignAgent moves an agent into a group, or unassigns it when
// groupID is nil. The target group must exist.
func (s *Service) AssignAgent(ctx context.Context, agentID string, groupID *string) (*model.Agent, error) {
	if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if groupID != nil {
		if _, err := s.repo.GetGroup(ctx, *groupID); err != nil {
			return nil, fmt.Errorf("target group: %w", err)
		}
	}
	if err := s.repo.UpdateAgentGroup(ctx, agentID, groupID); err != nil {
		return nil, err
	}
	return s.repo.GetAgent(ctx, agentID)
}

// AgentLiveHealth returns the freshest view of one agent: the redis
// mirror when present, otherwise the latest monitor snapshot entry,
// otherwise just the stored status.
func (s *Service) AgentLiveHealth(ctx context.Context, agentID string) (map[string]any, error) {
	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if cached, ok := healthmonitor.CachedAgentHealth(ctx, s.redis, agentID); ok {
		cached["source"] = "cache"
		return cached, nil
	}
	if s.monitor != nil {
		if snap := s.monitor.Summary(); snap != nil {
			for _, r := range snap.Results {
				if r.AgentID == agentID {
					return map[string]any{
						"source":     "monitor",
						"healthy":    r.Healthy,
						"latency_ms": r.LatencyMS,
						"error":      r.Error,
						"version":    r.Version,
						"checked_at": r.CheckedAt,
					}, nil
				}
			}
		}
	}
	return map[string]any{
		"source": "stored",
		"status": agent.Status,
	}, nil
}

// AgentsByStatus lists agents in one health state, served from the
// redis status index when available and from the database otherwise.
func (s *Service) AgentsByStatus(ctx context.Context, status model.AgentStatus) ([]model.Agent, error) {
	if ids, ok := healthmonitor.AgentsWithStatus(ctx, s.redis, status); ok {
		agents := make([]model.Agent, 0, len(ids))
		for _, id := range ids {
			agent, err := s.repo.GetAgent(ctx, id)
			if err != nil {
				// index entry for a deleted agent, skip it
				continue
			}
			agents = append(agents, *agent)
		}
		return agents, nil
	}

	all, err := s.repo.ListAgents(ctx, "")
	if err != nil {
		return nil, err
	}
	var agents []model.Agent
	for _, a := range all {
		if a.Status == status {
			agents = append(agents, a)
		}
	}
	return agents, nil
}

// AgentHistory returns the durable probe trail for one agent.
func (s *Service) AgentHistory(ctx context.Context, agentID string, limit int) ([]model.HealthCheck, error) {
	if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.repo.ListHealthChecks(ctx, agentID, limit)
}
