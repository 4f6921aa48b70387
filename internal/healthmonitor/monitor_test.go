package healthmonitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
)

type memAgents struct {
	mu     sync.Mutex
	agents []model.Agent
}

func (m *memAgents) ListAgents(ctx context.Context) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Agent, len(m.agents))
	copy(out, m.agents)
	return out, nil
}

type memSink struct {
	mu       sync.Mutex
	checks   []model.HealthCheck
	statuses map[string]model.AgentStatus
	versions map[string]string
}

func newMemSink() *memSink {
	return &memSink{
		statuses: make(map[string]model.AgentStatus),
		versions: make(map[string]string),
	}
}

func (m *memSink) RecordHealthCheck(ctx context.Context, check model.HealthCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check)
	return nil
}

func (m *memSink) UpdateAgentObserved(ctx context.Context, agentID string, status model.AgentStatus, version *string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[agentID] = status
	if version != nil {
		m.versions[agentID] = *version
	}
	return nil
}

func (m *memSink) status(id string) model.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[id]
}

func agentFor(id, url string, status model.AgentStatus) model.Agent {
	return model.Agent{ID: id, Name: id, URL: url, Status: status}
}

func TestProbeHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newProber(2 * time.Second)
	res := p.Probe(context.Background(), agentFor("a1", srv.URL, model.AgentUnknown))
	if !res.Healthy {
		t.Fatalf("expected healthy, got error %v", res.Error)
	}
	if res.LatencyMS == nil {
		t.Error("healthy probe should record latency")
	}
}

func TestProbeNon2xxKeepsLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newProber(2 * time.Second)
	res := p.Probe(context.Background(), agentFor("a1", srv.URL, model.AgentUnknown))
	if res.Healthy {
		t.Fatal("503 should be unhealthy")
	}
	if res.LatencyMS == nil {
		t.Error("soft failure should keep measured latency")
	}
	if res.Error == nil {
		t.Error("soft failure should carry an error message")
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := newProber(2 * time.Second)
	res := p.Probe(context.Background(), agentFor("a1", url, model.AgentUnknown))
	if res.Healthy {
		t.Fatal("closed server should be unhealthy")
	}
	if res.LatencyMS != nil {
		t.Error("hard failure should not record latency")
	}
}

func TestProbeIntrospectionBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/graphql":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":{"meta":{"versionString":"0.39.0"},"uptime":{"seconds":120.5},"components":{"totalCount":4}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := newProber(2 * time.Second)
	res := p.Probe(context.Background(), agentFor("a1", srv.URL, model.AgentUnknown))
	if !res.Healthy {
		t.Fatalf("expected healthy: %v", res.Error)
	}
	if res.Version == nil || *res.Version != "0.39.0" {
		t.Errorf("version = %v", res.Version)
	}
	if res.UptimeSecs == nil || *res.UptimeSecs != 120 {
		t.Errorf("uptime = %v", res.UptimeSecs)
	}
	if res.Components == nil || *res.Components != 4 {
		t.Errorf("components = %v", res.Components)
	}
}

func TestProbeIntrospectionFailureKeepsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newProber(2 * time.Second)
	res := p.Probe(context.Background(), agentFor("a1", srv.URL, model.AgentUnknown))
	if !res.Healthy {
		t.Fatal("introspection failure must not downgrade a healthy verdict")
	}
	if res.Version != nil {
		t.Error("no version should be recorded when introspection fails")
	}
}

func TestTickPublishesCompleteSnapshot(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sick.Close()

	agents := &memAgents{agents: []model.Agent{
		agentFor("a1", healthy.URL, model.AgentUnknown),
		agentFor("a2", sick.URL, model.AgentUnknown),
	}}
	sink := newMemSink()
	m := New(Options{Interval: time.Hour, Timeout: 2 * time.Second, FailureThreshold: 1}, Deps{Agents: agents, Sink: sink})

	m.tick(context.Background())

	snap := m.Summary()
	if snap == nil {
		t.Fatal("snapshot should be published after the tick")
	}
	if snap.Total != 2 || snap.Healthy != 1 || snap.Unhealthy != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	sink.mu.Lock()
	n := len(sink.checks)
	sink.mu.Unlock()
	if n != 2 {
		t.Errorf("want 2 durable check rows, got %d", n)
	}
	if sink.status("a1") != model.AgentHealthy {
		t.Errorf("a1 status = %s", sink.status("a1"))
	}
	if sink.status("a2") != model.AgentUnhealthy {
		t.Errorf("a2 status = %s", sink.status("a2"))
	}
}

func TestFailureThresholdSuppressesFlapping(t *testing.T) {
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sick.Close()

	agents := &memAgents{agents: []model.Agent{
		agentFor("a1", sick.URL, model.AgentHealthy),
	}}
	sink := newMemSink()
	m := New(Options{Interval: time.Hour, Timeout: 2 * time.Second, FailureThreshold: 2}, Deps{Agents: agents, Sink: sink})

	m.tick(context.Background())
	if got := sink.status("a1"); got != model.AgentHealthy {
		t.Fatalf("first failure below threshold should keep healthy, got %s", got)
	}
	m.tick(context.Background())
	if got := sink.status("a1"); got != model.AgentUnhealthy {
		t.Fatalf("second consecutive failure should flip unhealthy, got %s", got)
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	var fail bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agents := &memAgents{agents: []model.Agent{
		agentFor("a1", srv.URL, model.AgentHealthy),
	}}
	sink := newMemSink()
	m := New(Options{Interval: time.Hour, Timeout: 2 * time.Second, FailureThreshold: 2}, Deps{Agents: agents, Sink: sink})

	mu.Lock()
	fail = true
	mu.Unlock()
	m.tick(context.Background()) // one failure, below threshold

	mu.Lock()
	fail = false
	mu.Unlock()
	m.tick(context.Background()) // success resets the counter

	mu.Lock()
	fail = true
	mu.Unlock()
	m.tick(context.Background()) // first failure of a fresh streak

	if got := sink.status("a1"); got != model.AgentHealthy {
		t.Fatalf("counter should have been reset, got %s", got)
	}
}

func TestStopLetsInFlightTickFinish(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	agents := &memAgents{agents: []model.Agent{
		agentFor("a1", srv.URL, model.AgentHealthy),
	}}
	sink := newMemSink()
	m := New(Options{Interval: time.Hour, Timeout: 5 * time.Second, FailureThreshold: 1}, Deps{Agents: agents, Sink: sink})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	// stop while the probe is blocked inside the agent, then let it
	// complete
	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop() }()
	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	sink.mu.Lock()
	checks := append([]model.HealthCheck(nil), sink.checks...)
	sink.mu.Unlock()
	if len(checks) != 1 {
		t.Fatalf("want 1 durable check row, got %d", len(checks))
	}
	if !checks[0].Healthy {
		t.Fatalf("probe dispatched before Stop must finish cleanly, got error %v", checks[0].Error)
	}
	if got := sink.status("a1"); got != model.AgentHealthy {
		t.Errorf("a1 status = %s, stopping must not fabricate failures", got)
	}
	snap := m.Summary()
	if snap == nil || snap.Healthy != 1 || snap.Unhealthy != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTickPrunesStaleFailureCounters(t *testing.T) {
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sick.Close()

	agents := &memAgents{agents: []model.Agent{
		agentFor("a1", sick.URL, model.AgentHealthy),
	}}
	sink := newMemSink()
	m := New(Options{Interval: time.Hour, Timeout: 2 * time.Second, FailureThreshold: 2}, Deps{Agents: agents, Sink: sink})

	m.tick(context.Background())
	m.mu.Lock()
	n := m.failures["a1"]
	m.mu.Unlock()
	if n != 1 {
		t.Fatalf("failures[a1] = %d after one failed probe", n)
	}

	agents.mu.Lock()
	agents.agents = nil
	agents.mu.Unlock()
	m.tick(context.Background())

	m.mu.Lock()
	_, stale := m.failures["a1"]
	m.mu.Unlock()
	if stale {
		t.Error("removed agent must not keep a failure counter")
	}
}

func TestStartStopStateMachine(t *testing.T) {
	agents := &memAgents{}
	sink := newMemSink()
	m := New(Options{Interval: time.Hour}, Deps{Agents: agents, Sink: sink})

	if m.Running() {
		t.Fatal("new monitor should be stopped")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if !m.Running() {
		t.Error("monitor should report running")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Running() {
		t.Error("monitor should report stopped")
	}
	if err := m.Stop(); err != ErrNotRunning {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}
	// a stopped monitor can be started again
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}
