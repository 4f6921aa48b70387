package healthmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

const (
	agentHealthKeyPrefix = "vecfleet:agent:health:"
	statusSetKeyPrefix   = "vecfleet:agents:status:"
	agentHealthTTL       = 10 * time.Minute
)

var statusSets = []model.AgentStatus{model.AgentHealthy, model.AgentUnhealthy, model.AgentUnknown}

type cachedHealth struct {
	Status    model.AgentStatus `json:"status"`
	Healthy   bool              `json:"healthy"`
	LatencyMS *int64            `json:"latency_ms,omitempty"`
	Error     *string           `json:"error,omitempty"`
	Version   *string           `json:"version,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// cacheProbeResult mirrors the latest probe outcome into redis so other
// processes can read agent state without hitting the database. Best
// effort; a nil client or a write failure is ignored beyond a log line.
func cacheProbeResult(ctx context.Context, rdb *redis.Client, r ProbeResult, status model.AgentStatus) {
	if rdb == nil {
		return
	}
	payload, err := json.Marshal(cachedHealth{
		Status:    status,
		Healthy:   r.Healthy,
		LatencyMS: r.LatencyMS,
		Error:     r.Error,
		Version:   r.Version,
		CheckedAt: r.CheckedAt,
	})
	if err != nil {
		return
	}
	key := agentHealthKeyPrefix + r.AgentID
	if err := rdb.Set(ctx, key, payload, agentHealthTTL).Err(); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("redis health mirror write failed")
		return
	}

	// maintain one index set per status so consumers can list agents
	// in a given state without scanning keys
	pipe := rdb.Pipeline()
	for _, set := range statusSets {
		if set == status {
			pipe.SAdd(ctx, statusSetKeyPrefix+string(set), r.AgentID)
		} else {
			pipe.SRem(ctx, statusSetKeyPrefix+string(set), r.AgentID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Str("agent", r.AgentID).Err(err).Msg("redis status index update failed")
	}
}

// AgentsWithStatus lists agent ids currently in the given status set.
// ok=false when redis is unavailable.
func AgentsWithStatus(ctx context.Context, rdb *redis.Client, status model.AgentStatus) ([]string, bool) {
	if rdb == nil {
		return nil, false
	}
	ids, err := rdb.SMembers(ctx, statusSetKeyPrefix+string(status)).Result()
	if err != nil {
		log.Warn().Str("status", string(status)).Err(err).Msg("redis status index read failed")
		return nil, false
	}
	return ids, true
}

// CachedAgentHealth reads the mirrored state for one agent. ok=false
// when redis is unavailable or the key is absent.
func CachedAgentHealth(ctx context.Context, rdb *redis.Client, agentID string) (map[string]any, bool) {
	if rdb == nil {
		return nil, false
	}
	raw, err := rdb.Get(ctx, agentHealthKeyPrefix+agentID).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Str("agent", agentID).Err(err).Msg("redis health mirror read failed")
		}
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Warn().Str("agent", agentID).Err(fmt.Errorf("decode cached health: %w", err)).Msg("redis health mirror corrupt")
		return nil, false
	}
	return out, true
}
