package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

var (
	deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vecfleet_deployments_total",
		Help: "Finished deployments, by outcome.",
	}, []string{"outcome"})

	configPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vecfleet_config_pushes_total",
		Help: "Config pushes to agents, by outcome.",
	}, []string{"outcome"})
)

// CreateDeploymentRequest is the input for starting a rollout.
type CreateDeploymentRequest struct {
	GroupID   string   `json:"group_id"`
	Version   *string  `json:"version,omitempty"`
	AgentIDs  []string `json:"agent_ids,omitempty"`
	CreatedBy *string  `json:"created_by,omitempty"`
}

// DeploymentView is a deployment with its per-agent progress.
type DeploymentView struct {
	model.Deployment
	Agents []model.DeploymentAgent `json:"agents"`
	Stats  model.DeploymentStats   `json:"stats"`
}

// CreateDeployment records a rollout of one config version to the
// group's agents. Groups that require approval park the deployment in
// pending_approval; otherwise execution starts immediately in the
// background.
func (s *Service) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (*model.Deployment, error) {
	group, err := s.repo.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	version := ""
	if req.Version != nil && *req.Version != "" {
		version = *req.Version
	} else if group.CurrentConfigVersion != nil {
		version = *group.CurrentConfigVersion
	}
	if version == "" {
		return nil, fmt.Errorf("%w: group %q has no config version to deploy", model.ErrConflict, group.Name)
	}
	// resolve early so a bad version fails the request, not the rollout
	if _, ok, verr := s.store.ConfigAtVersion(group.Name, version); verr != nil || !ok {
		if verr != nil {
			return nil, verr
		}
		return nil, fmt.Errorf("%w: no config for group %q at version %s", model.ErrNotFound, group.Name, version)
	}

	targets, err := s.resolveTargets(ctx, group, req.AgentIDs)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: group %q has no target agents", model.ErrConflict, group.Name)
	}

	status := model.DeployQueued
	if group.RequiresApproval {
		status = model.DeployPendingApproval
	}
	dep := &model.Deployment{
		ID:            uuid.NewString(),
		GroupID:       group.ID,
		ConfigVersion: version,
		Strategy:      group.DeploymentStrategy,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     req.CreatedBy,
	}
	ids := make([]string, len(targets))
	for i, a := range targets {
		ids[i] = a.ID
	}
	if err := s.repo.CreateDeployment(ctx, dep, ids); err != nil {
		return nil, err
	}
	log.Info().Str("deployment", dep.ID).Str("group", group.Name).
		Str("strategy", string(dep.Strategy)).Int("targets", len(targets)).
		Str("status", string(status)).Msg("deployment created")

	if status == model.DeployQueued {
		go s.runDeployment(dep.ID)
	}
	return dep, nil
}

func (s *Service) resolveTargets(ctx context.Context, group *model.WorkerGroup, agentIDs []string) ([]model.Agent, error) {
	members, err := s.repo.ListAgents(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	if len(agentIDs) == 0 {
		return members, nil
	}
	byID := make(map[string]model.Agent, len(members))
	for _, a := range members {
		byID[a.ID] = a
	}
	targets := make([]model.Agent, 0, len(agentIDs))
	for _, id := range agentIDs {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: agent %s is not a member of group %q", model.ErrConflict, id, group.Name)
		}
		targets = append(targets, a)
	}
	return targets, nil
}

// ApproveDeployment releases a pending_approval deployment into
// execution. When the group names approvers, only they may approve.
func (s *Service) ApproveDeployment(ctx context.Context, id, approver string) (*model.Deployment, error) {
	dep, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	group, err := s.repo.GetGroup(ctx, dep.GroupID)
	if err != nil {
		return nil, err
	}
	if len(group.Approvers) > 0 && !slicesContains(group.Approvers, approver) {
		return nil, fmt.Errorf("%w: %q is not an approver for group %q", model.ErrConflict, approver, group.Name)
	}
	if err := s.repo.SetDeploymentApproved(ctx, id, approver); err != nil {
		return nil, fmt.Errorf("approve deployment %s: %w", id, err)
	}
	log.Info().Str("deployment", id).Str("approver", approver).Msg("deployment approved")
	go s.runDeployment(id)
	return s.repo.GetDeployment(ctx, id)
}

// RejectDeployment turns down a pending_approval deployment. The same
// approver rules as ApproveDeployment apply.
func (s *Service) RejectDeployment(ctx context.Context, id, approver string) (*model.Deployment, error) {
	dep, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep.Status != model.DeployPendingApproval {
		return nil, fmt.Errorf("%w: deployment %s is %s, only pending_approval can be rejected", model.ErrConflict, id, dep.Status)
	}
	group, err := s.repo.GetGroup(ctx, dep.GroupID)
	if err != nil {
		return nil, err
	}
	if len(group.Approvers) > 0 && !slicesContains(group.Approvers, approver) {
		return nil, fmt.Errorf("%w: %q is not an approver for group %q", model.ErrConflict, approver, group.Name)
	}
	msg := fmt.Sprintf("rejected by %s", approver)
	if err := s.repo.MarkDeploymentCompleted(ctx, id, model.DeployCancelled, &msg, time.Now().UTC()); err != nil {
		return nil, err
	}
	deploymentsTotal.WithLabelValues("rejected").Inc()
	log.Info().Str("deployment", id).Str("approver", approver).Msg("deployment rejected")
	return s.repo.GetDeployment(ctx, id)
}

func slicesContains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

// CancelDeployment cancels a deployment that has not started executing.
func (s *Service) CancelDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	dep, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	switch dep.Status {
	case model.DeployPending, model.DeployPendingApproval, model.DeployQueued:
	default:
		return nil, fmt.Errorf("%w: deployment %s is %s and cannot be cancelled", model.ErrConflict, id, dep.Status)
	}
	if err := s.repo.MarkDeploymentCompleted(ctx, id, model.DeployCancelled, nil, time.Now().UTC()); err != nil {
		return nil, err
	}
	deploymentsTotal.WithLabelValues("cancelled").Inc()
	return s.repo.GetDeployment(ctx, id)
}

// GetDeployment returns one deployment with per-agent progress.
func (s *Service) GetDeployment(ctx context.Context, id string) (*DeploymentView, error) {
	dep, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	agents, err := s.repo.ListDeploymentAgents(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &DeploymentView{Deployment: *dep, Agents: agents}
	view.Stats.Total = len(agents)
	for _, a := range agents {
		switch a.Status {
		case model.DeployAgentCompleted:
			view.Stats.Completed++
		case model.DeployAgentFailed:
			view.Stats.Failed++
		default:
			view.Stats.Pending++
		}
	}
	return view, nil
}

// ListDeployments returns deployments newest first.
func (s *Service) ListDeployments(ctx context.Context, groupID string, status model.DeployState, limit int) ([]model.Deployment, error) {
	return s.repo.ListDeployments(ctx, groupID, status, limit)
}

// runDeployment executes a queued deployment to completion. Rollouts
// for the same group never interleave.
func (s *Service) runDeployment(id string) {
	ctx := context.Background()

	dep, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		log.Error().Str("deployment", id).Err(err).Msg("load deployment failed")
		return
	}

	lock := s.groupLock(dep.GroupID)
	lock.Lock()
	defer lock.Unlock()

	// re-read under the lock: the deployment may have been cancelled
	// while waiting
	dep, err = s.repo.GetDeployment(ctx, id)
	if err != nil || dep.Status != model.DeployQueued {
		return
	}

	group, err := s.repo.GetGroup(ctx, dep.GroupID)
	if err != nil {
		s.finish(ctx, id, model.DeployFailed, err.Error())
		return
	}
	content, ok, err := s.store.ConfigAtVersion(group.Name, dep.ConfigVersion)
	if err != nil || !ok {
		s.finish(ctx, id, model.DeployFailed, fmt.Sprintf("resolve config version %s", shortHash(dep.ConfigVersion)))
		return
	}
	targets, err := s.deploymentTargets(ctx, dep.ID)
	if err != nil {
		s.finish(ctx, id, model.DeployFailed, err.Error())
		return
	}

	if err := s.repo.MarkDeploymentStarted(ctx, id, time.Now().UTC()); err != nil {
		log.Error().Str("deployment", id).Err(err).Msg("mark started failed")
		return
	}

	batches := planBatches(dep.Strategy, targets)
	failures := 0
	for i, batch := range batches {
		if err := s.repo.UpdateDeploymentBatch(ctx, id, i); err != nil {
			log.Error().Str("deployment", id).Err(err).Msg("advance batch failed")
		}
		for _, agent := range batch {
			if err := s.pushConfig(ctx, agent, content); err != nil {
				msg := err.Error()
				if uerr := s.repo.UpdateDeploymentAgent(ctx, id, agent.ID, model.DeployAgentFailed, &msg); uerr != nil {
					log.Error().Str("deployment", id).Str("agent", agent.Name).Err(uerr).Msg("record agent failure failed")
				}
				configPushesTotal.WithLabelValues("failed").Inc()
				failures++
				log.Warn().Str("deployment", id).Str("agent", agent.Name).Err(err).Msg("config push failed")
				continue
			}
			if uerr := s.repo.UpdateDeploymentAgent(ctx, id, agent.ID, model.DeployAgentCompleted, nil); uerr != nil {
				log.Error().Str("deployment", id).Str("agent", agent.Name).Err(uerr).Msg("record agent completion failed")
			}
			configPushesTotal.WithLabelValues("completed").Inc()
		}

		if failures >= s.opts.MaxFailures {
			s.finish(ctx, id, model.DeployAborted, fmt.Sprintf("%d agents failed, max failures is %d", failures, s.opts.MaxFailures))
			return
		}
		if i == len(batches)-1 {
			break
		}
		s.waitBetweenBatches(dep.Strategy, i)
		if unhealthy := s.regressedAgents(batch); len(unhealthy) > 0 {
			s.finish(ctx, id, model.DeployAborted, fmt.Sprintf("health regression on %s after batch %d", strings.Join(unhealthy, ", "), i))
			return
		}
	}

	if failures > 0 {
		s.finish(ctx, id, model.DeployFailed, fmt.Sprintf("%d agents failed", failures))
		return
	}
	s.finish(ctx, id, model.DeploySucceeded, "")
}

func (s *Service) deploymentTargets(ctx context.Context, deploymentID string) ([]model.Agent, error) {
	rows, err := s.repo.ListDeploymentAgents(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	targets := make([]model.Agent, 0, len(rows))
	for _, row := range rows {
		agent, err := s.repo.GetAgent(ctx, row.AgentID)
		if err != nil {
			// agent deleted mid-flight, skip it
			continue
		}
		targets = append(targets, *agent)
	}
	return targets, nil
}

func (s *Service) finish(ctx context.Context, id string, status model.DeployState, errMsg string) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if err := s.repo.MarkDeploymentCompleted(ctx, id, status, msg, time.Now().UTC()); err != nil {
		log.Error().Str("deployment", id).Err(err).Msg("mark completed failed")
		return
	}
	deploymentsTotal.WithLabelValues(string(status)).Inc()
	log.Info().Str("deployment", id).Str("status", string(status)).Str("error", errMsg).Msg("deployment finished")
}

// planBatches splits the targets per strategy. Rolling goes one agent
// at a time, canary fronts a small slice before the rest, blue_green
// splits in two halves, all_at_once is a single batch.
func planBatches(strategy model.DeploymentStrategy, targets []model.Agent) [][]model.Agent {
	n := len(targets)
	if n == 0 {
		return nil
	}
	switch strategy {
	case model.StrategyRolling:
		batches := make([][]model.Agent, 0, n)
		for i := range targets {
			batches = append(batches, targets[i:i+1])
		}
		return batches
	case model.StrategyCanary:
		canary := n / 10
		if canary < 1 {
			canary = 1
		}
		if canary >= n {
			return [][]model.Agent{targets}
		}
		return [][]model.Agent{targets[:canary], targets[canary:]}
	case model.StrategyBlueGreen:
		half := (n + 1) / 2
		if half >= n {
			return [][]model.Agent{targets}
		}
		return [][]model.Agent{targets[:half], targets[half:]}
	default:
		return [][]model.Agent{targets}
	}
}

func (s *Service) waitBetweenBatches(strategy model.DeploymentStrategy, batchIndex int) {
	if strategy == model.StrategyCanary && batchIndex == 0 {
		time.Sleep(s.opts.CanaryWait)
		return
	}
	time.Sleep(s.opts.BatchDelay)
}

// regressedAgents consults the latest health snapshot for members of
// the previous batch that turned unhealthy. No snapshot means no
// verdict.
func (s *Service) regressedAgents(batch []model.Agent) []string {
	if s.monitor == nil {
		return nil
	}
	snap := s.monitor.Summary()
	if snap == nil {
		return nil
	}
	byID := make(map[string]bool, len(snap.Results))
	for _, r := range snap.Results {
		byID[r.AgentID] = r.Healthy
	}
	var regressed []string
	for _, a := range batch {
		if healthy, ok := byID[a.ID]; ok && !healthy {
			regressed = append(regressed, a.Name)
		}
	}
	return regressed
}

// pushConfig delivers the config text to one agent's deploy endpoint.
func (s *Service) pushConfig(ctx context.Context, agent model.Agent, content string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(agent.URL, "/")+"/api/deploy",
		strings.NewReader(content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/toml")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
