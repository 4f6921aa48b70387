package model

import "time"

// AgentStatus is the last observed health state of an agent.
type AgentStatus string

const (
	AgentHealthy   AgentStatus = "healthy"
	AgentUnhealthy AgentStatus = "unhealthy"
	AgentUnknown   AgentStatus = "unknown"
)

// ParseAgentStatus normalizes a stored status string.
func ParseAgentStatus(s string) AgentStatus {
	switch s {
	case "healthy":
		return AgentHealthy
	case "unhealthy":
		return AgentUnhealthy
	default:
		return AgentUnknown
	}
}

// Agent is a managed pipeline-engine instance.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	URL           string      `json:"url"`
	GroupID       *string     `json:"group_id,omitempty"`
	Status        AgentStatus `json:"status"`
	EngineVersion *string     `json:"engine_version,omitempty"`
	LastSeen      *time.Time  `json:"last_seen,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// DeploymentStrategy controls how a group's config change is rolled out.
type DeploymentStrategy string

const (
	StrategyRolling   DeploymentStrategy = "rolling"
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyBlueGreen DeploymentStrategy = "blue_green"
	StrategyAllAtOnce DeploymentStrategy = "all_at_once"
)

// ParseStrategy validates a strategy name. "basic" is a legacy alias for
// rolling kept for configs written by earlier releases.
func ParseStrategy(s string) (DeploymentStrategy, bool) {
	switch s {
	case "rolling", "basic":
		return StrategyRolling, true
	case "canary":
		return StrategyCanary, true
	case "blue_green":
		return StrategyBlueGreen, true
	case "all_at_once":
		return StrategyAllAtOnce, true
	default:
		return "", false
	}
}

// WorkerGroup is a deployable unit of agents sharing one configuration.
type WorkerGroup struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	Description          *string            `json:"description,omitempty"`
	DeploymentStrategy   DeploymentStrategy `json:"deployment_strategy"`
	RequiresApproval     bool               `json:"requires_approval"`
	Approvers            []string           `json:"approvers"`
	CurrentConfigVersion *string            `json:"current_config_version,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	CreatedBy            *string            `json:"created_by,omitempty"`
}

// GroupHealth is a computed, never stored, aggregate of member statuses.
type GroupHealth string

const (
	GroupHealthy   GroupHealth = "healthy"
	GroupUnhealthy GroupHealth = "unhealthy"
	GroupDegraded  GroupHealth = "degraded"
	GroupUnknown   GroupHealth = "unknown"
)

// AggregateHealth applies the strict priority order: any unhealthy member
// wins, then all-healthy, then partially-healthy, else unknown (which
// covers the empty group).
func AggregateHealth(agents []Agent) GroupHealth {
	if len(agents) == 0 {
		return GroupUnknown
	}
	healthy := 0
	for _, a := range agents {
		switch a.Status {
		case AgentUnhealthy:
			return GroupUnhealthy
		case AgentHealthy:
			healthy++
		}
	}
	switch {
	case healthy == len(agents):
		return GroupHealthy
	case healthy > 0:
		return GroupDegraded
	default:
		return GroupUnknown
	}
}

// HealthCheck is one durable probe outcome.
type HealthCheck struct {
	ID         int64      `json:"id"`
	AgentID    string     `json:"agent_id"`
	Healthy    bool       `json:"healthy"`
	LatencyMS  *int64     `json:"latency_ms,omitempty"`
	Error      *string    `json:"error,omitempty"`
	Version    *string    `json:"version,omitempty"`
	UptimeSecs *int64     `json:"uptime_seconds,omitempty"`
	Components *int       `json:"components,omitempty"`
	CheckedAt  time.Time  `json:"checked_at"`
}

// DeployState is the lifecycle state of one deployment.
type DeployState string

const (
	DeployPending         DeployState = "pending"
	DeployPendingApproval DeployState = "pending_approval"
	DeployQueued          DeployState = "queued"
	DeployInProgress      DeployState = "in_progress"
	DeploySucceeded       DeployState = "succeeded"
	DeployFailed          DeployState = "failed"
	DeployAborted         DeployState = "aborted"
	DeployCancelled       DeployState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s DeployState) Terminal() bool {
	switch s {
	case DeploySucceeded, DeployFailed, DeployAborted, DeployCancelled:
		return true
	}
	return false
}

// Deployment ties one config version to a set of target agents.
type Deployment struct {
	ID            string             `json:"id"`
	GroupID       string             `json:"group_id"`
	ConfigVersion string             `json:"config_version"`
	Strategy      DeploymentStrategy `json:"strategy"`
	Status        DeployState        `json:"status"`
	BatchIndex    int                `json:"batch_index"`
	Error         *string            `json:"error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	CreatedBy     *string            `json:"created_by,omitempty"`
	ApprovedBy    *string            `json:"approved_by,omitempty"`
}

// DeployAgentState is the per-agent progress of a deployment.
type DeployAgentState string

const (
	DeployAgentPending    DeployAgentState = "pending"
	DeployAgentInProgress DeployAgentState = "in_progress"
	DeployAgentCompleted  DeployAgentState = "completed"
	DeployAgentFailed     DeployAgentState = "failed"
)

// DeploymentAgent records the outcome for one targeted agent.
type DeploymentAgent struct {
	DeploymentID string           `json:"deployment_id"`
	AgentID      string           `json:"agent_id"`
	Status       DeployAgentState `json:"status"`
	Error        *string          `json:"error,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// DeploymentStats summarizes per-agent progress.
type DeploymentStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
