package healthmonitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

var (
	ErrAlreadyRunning = errors.New("health monitor already running")
	ErrNotRunning     = errors.New("health monitor not running")
)

// AgentSource lists the agents to probe on each tick.
type AgentSource interface {
	ListAgents(ctx context.Context) ([]model.Agent, error)
}

// ResultSink persists probe outcomes. Implementations must be safe for
// concurrent use since probes within a tick run in parallel.
type ResultSink interface {
	RecordHealthCheck(ctx context.Context, check model.HealthCheck) error
	UpdateAgentObserved(ctx context.Context, agentID string, status model.AgentStatus, version *string, lastSeen time.Time) error
}

// Options tunes the monitor loop.
type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	MaxConcurrent    int
	FailureThreshold int
}

// Deps wires the monitor to the rest of the system. Redis is optional;
// when nil the cache mirror is skipped.
type Deps struct {
	Agents AgentSource
	Sink   ResultSink
	Redis  *redis.Client
}

// Snapshot is the atomically published summary of the latest completed
// tick. Readers never observe a partially finished tick.
type Snapshot struct {
	Total     int           `json:"total"`
	Healthy   int           `json:"healthy"`
	Unhealthy int           `json:"unhealthy"`
	CheckedAt time.Time     `json:"checked_at"`
	Results   []ProbeResult `json:"results"`
}

// Monitor probes every registered agent on a fixed interval. A tick
// dispatches one bounded-concurrency probe per agent and waits for all
// of them before publishing its snapshot and scheduling the next tick.
type Monitor struct {
	opts   Options
	deps   Deps
	prober *prober

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	failures map[string]int

	snapMu   sync.RWMutex
	snapshot *Snapshot
}

func New(opts Options, deps Deps) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	return &Monitor{
		opts:     opts,
		deps:     deps,
		prober:   newProber(opts.Timeout),
		failures: make(map[string]int),
	}
}

// Start launches the background loop. The first tick runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	go m.run(ctx, m.stop)
	log.Info().Dur("interval", m.opts.Interval).Int("maxConcurrent", m.opts.MaxConcurrent).Msg("health monitor started")
	return nil
}

// Stop signals the loop to exit and waits for an in-flight tick to
// finish its already-dispatched probes.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	log.Info().Msg("health monitor stopped")
	return nil
}

// Running reports the monitor state.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Summary returns the latest published snapshot, or nil before the
// first tick completes.
func (m *Monitor) Summary() *Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapshot
}

func (m *Monitor) run(ctx context.Context, stop <-chan struct{}) {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	// Ticks run detached from the stop signal: an in-flight tick
	// finishes every dispatched probe and its sink writes instead of
	// recording cancellation errors as health results. Each probe is
	// bounded by the probe timeout.
	tickCtx := context.WithoutCancel(ctx)
	m.tick(tickCtx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(tickCtx)
		}
	}
}

// tick probes all agents with bounded concurrency and publishes the
// snapshot only after every probe completes.
func (m *Monitor) tick(ctx context.Context) {
	agents, err := m.deps.Agents.ListAgents(ctx)
	if err != nil {
		log.Error().Err(err).Msg("health tick: list agents failed")
		return
	}
	m.pruneFailures(agents)

	results := make([]ProbeResult, len(agents))
	sem := make(chan struct{}, m.opts.MaxConcurrent)
	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, agent model.Agent) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = m.probeOne(ctx, agent)
		}(i, agent)
	}
	wg.Wait()

	snap := &Snapshot{
		Total:     len(results),
		CheckedAt: time.Now().UTC(),
		Results:   results,
	}
	for _, r := range results {
		if r.Healthy {
			snap.Healthy++
		} else {
			snap.Unhealthy++
		}
	}
	m.snapMu.Lock()
	m.snapshot = snap
	m.snapMu.Unlock()

	observeTick(snap)
	log.Debug().Int("total", snap.Total).Int("healthy", snap.Healthy).Msg("health tick complete")
}

// probeOne runs one probe and applies its side effects. Failures are
// local to the agent and never abort the tick.
func (m *Monitor) probeOne(ctx context.Context, agent model.Agent) ProbeResult {
	result := m.prober.Probe(ctx, agent)
	observeProbe(result)

	check := model.HealthCheck{
		AgentID:    agent.ID,
		Healthy:    result.Healthy,
		LatencyMS:  result.LatencyMS,
		Error:      result.Error,
		Version:    result.Version,
		UptimeSecs: result.UptimeSecs,
		Components: result.Components,
		CheckedAt:  result.CheckedAt,
	}
	if err := m.deps.Sink.RecordHealthCheck(ctx, check); err != nil {
		log.Error().Str("agent", agent.Name).Err(err).Msg("record health check failed")
	}

	status := m.effectiveStatus(agent, result)
	if err := m.deps.Sink.UpdateAgentObserved(ctx, agent.ID, status, result.Version, result.CheckedAt); err != nil {
		log.Error().Str("agent", agent.Name).Err(err).Msg("update agent status failed")
	}
	cacheProbeResult(ctx, m.deps.Redis, result, status)
	return result
}

// pruneFailures drops failure counters for agents no longer in the
// fleet so deleted agents do not leak entries.
func (m *Monitor) pruneFailures(agents []model.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		keep[a.ID] = struct{}{}
	}
	for id := range m.failures {
		if _, ok := keep[id]; !ok {
			delete(m.failures, id)
		}
	}
}

// effectiveStatus applies flapping suppression: a healthy probe resets
// the counter and reports healthy immediately, while failures only flip
// the status after FailureThreshold consecutive misses.
func (m *Monitor) effectiveStatus(agent model.Agent, result ProbeResult) model.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.Healthy {
		delete(m.failures, agent.ID)
		return model.AgentHealthy
	}
	m.failures[agent.ID]++
	if m.failures[agent.ID] >= m.opts.FailureThreshold {
		return model.AgentUnhealthy
	}
	// below threshold, keep whatever we believed before
	if agent.Status == model.AgentHealthy {
		return model.AgentHealthy
	}
	return agent.Status
}
