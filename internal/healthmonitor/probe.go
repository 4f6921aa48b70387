package healthmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

// ProbeResult is the outcome of one reachability check.
type ProbeResult struct {
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	Healthy    bool      `json:"healthy"`
	LatencyMS  *int64    `json:"latency_ms,omitempty"`
	Error      *string   `json:"error,omitempty"`
	Version    *string   `json:"version,omitempty"`
	UptimeSecs *int64    `json:"uptime_seconds,omitempty"`
	Components *int      `json:"components,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

type prober struct {
	client  *http.Client
	timeout time.Duration
}

func newProber(timeout time.Duration) *prober {
	return &prober{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Probe checks GET /health. A 2xx answer is healthy and triggers a
// best-effort introspection call whose failure never downgrades the
// verdict. Hard transport failures carry a classification but no
// latency; non-2xx answers keep their measured latency.
func (p *prober) Probe(ctx context.Context, agent model.Agent) ProbeResult {
	result := ProbeResult{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		CheckedAt: time.Now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(agent.URL, "/")+"/health", nil)
	if err != nil {
		msg := fmt.Sprintf("invalid agent url: %v", err)
		result.Error = &msg
		return result
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		msg := classifyError(err)
		result.Error = &msg
		return result
	}
	defer resp.Body.Close()

	latency := time.Since(start).Milliseconds()
	result.LatencyMS = &latency

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("health endpoint returned status %d", resp.StatusCode)
		result.Error = &msg
		return result
	}

	result.Healthy = true
	p.introspect(ctx, agent, &result)
	return result
}

// classifyError maps transport failures to human-readable categories.
func classifyError(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout: agent did not respond in time"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout: agent did not respond in time"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout: agent did not respond in time"
	case isConnectionRefused(err):
		return "connection refused: agent not listening"
	default:
		return fmt.Sprintf("request failed: %v", err)
	}
}

func isConnectionRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "connection refused")
	}
	return strings.Contains(err.Error(), "connection refused")
}

type introspectionResponse struct {
	Data struct {
		Meta struct {
			VersionString string `json:"versionString"`
		} `json:"meta"`
		Uptime struct {
			Seconds float64 `json:"seconds"`
		} `json:"uptime"`
		Components struct {
			TotalCount int `json:"totalCount"`
		} `json:"components"`
	} `json:"data"`
}

const introspectionQuery = `{"query":"{ meta { versionString } uptime { seconds } components { totalCount } }"}`

// introspect queries the agent's GraphQL endpoint for version, uptime
// and component count. Strictly best-effort.
func (p *prober) introspect(ctx context.Context, agent model.Agent, result *ProbeResult) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(agent.URL, "/")+"/graphql",
		bytes.NewBufferString(introspectionQuery))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var body introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return
	}
	if v := body.Data.Meta.VersionString; v != "" {
		result.Version = &v
	}
	if s := body.Data.Uptime.Seconds; s > 0 {
		secs := int64(s)
		result.UptimeSecs = &secs
	}
	if c := body.Data.Components.TotalCount; c > 0 {
		result.Components = &c
	}
}
