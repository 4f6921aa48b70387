package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/gitstore"
	"github.com/vecfleet/vecfleet/internal/healthmonitor"
	"github.com/vecfleet/vecfleet/internal/validation"
)

// Repo is the persistence surface the orchestrator needs. Implemented
// by the fleet database; tests supply an in-memory fake.
type Repo interface {
	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*model.Agent, error)
	ListAgents(ctx context.Context, groupID string) ([]model.Agent, error)
	UpdateAgentEndpoint(ctx context.Context, id, url string, groupID *string) error
	UpdateAgentGroup(ctx context.Context, id string, groupID *string) error
	UpdateAgentObserved(ctx context.Context, id string, status model.AgentStatus, version *string, lastSeen time.Time) error
	DeleteAgent(ctx context.Context, id string) error
	CountAgentsInGroup(ctx context.Context, groupID string) (int, error)

	CreateGroup(ctx context.Context, g *model.WorkerGroup) error
	GetGroup(ctx context.Context, id string) (*model.WorkerGroup, error)
	GetGroupByName(ctx context.Context, name string) (*model.WorkerGroup, error)
	ListGroups(ctx context.Context) ([]model.WorkerGroup, error)
	UpdateGroupConfigVersion(ctx context.Context, id, version string) error
	DeleteGroup(ctx context.Context, id string) error

	RecordHealthCheck(ctx context.Context, check model.HealthCheck) error
	ListHealthChecks(ctx context.Context, agentID string, limit int) ([]model.HealthCheck, error)

	CreateDeployment(ctx context.Context, dep *model.Deployment, agentIDs []string) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeployments(ctx context.Context, groupID string, status model.DeployState, limit int) ([]model.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, id string, status model.DeployState, errMsg *string) error
	UpdateDeploymentBatch(ctx context.Context, id string, batchIndex int) error
	MarkDeploymentStarted(ctx context.Context, id string, at time.Time) error
	MarkDeploymentCompleted(ctx context.Context, id string, status model.DeployState, errMsg *string, at time.Time) error
	SetDeploymentApproved(ctx context.Context, id, approver string) error
	UpdateDeploymentAgent(ctx context.Context, deploymentID, agentID string, status model.DeployAgentState, errMsg *string) error
	ListDeploymentAgents(ctx context.Context, deploymentID string) ([]model.DeploymentAgent, error)
}

// HealthSummary serves the latest completed probe snapshot.
type HealthSummary interface {
	Summary() *healthmonitor.Snapshot
}

// Options carries tunables for the orchestrator.
type Options struct {
	EngineBinary    string
	ValidateTimeout time.Duration
	ProbeTimeout    time.Duration
	BatchDelay      time.Duration
	CanaryWait      time.Duration
	PushTimeout     time.Duration
	MaxFailures     int
}

// Service is the fleet orchestrator: registration idempotency, group
// lifecycle, validated config writes and strategy-driven deployments.
type Service struct {
	repo    Repo
	store   *gitstore.Store
	monitor HealthSummary
	redis   *redis.Client
	opts    Options

	client *http.Client

	// per-group serialization of mutating rollout work
	groupMu sync.Mutex
	groups  map[string]*sync.Mutex
}

func New(repo Repo, store *gitstore.Store, monitor HealthSummary, rdb *redis.Client, opts Options) *Service {
	if opts.ValidateTimeout <= 0 {
		opts.ValidateTimeout = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 1
	}
	return &Service{
		repo:    repo,
		store:   store,
		monitor: monitor,
		redis:   rdb,
		opts:    opts,
		client:  &http.Client{Timeout: opts.PushTimeout},
		groups:  make(map[string]*sync.Mutex),
	}
}

// groupLock returns the mutex serializing rollouts for one group.
func (s *Service) groupLock(groupID string) *sync.Mutex {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	mu, ok := s.groups[groupID]
	if !ok {
		mu = &sync.Mutex{}
		s.groups[groupID] = mu
	}
	return mu
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// ValidateConfig runs the full validation pipeline including the engine
// layer when the binary is available.
func (s *Service) ValidateConfig(ctx context.Context, content string) *validation.Result {
	return validation.ValidateWithEngine(ctx, content, validation.EngineOptions{
		BinaryPath: s.opts.EngineBinary,
		Timeout:    s.opts.ValidateTimeout,
	})
}
