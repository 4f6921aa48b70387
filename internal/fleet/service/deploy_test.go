package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/healthmonitor"
)

// deployTarget is a fake agent that records pushed config bodies.
type deployTarget struct {
	mu     sync.Mutex
	bodies []string
	fail   bool
	srv    *httptest.Server
}

func newDeployTarget(t *testing.T, fail bool) *deployTarget {
	t.Helper()
	d := &deployTarget{fail: fail}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/deploy":
			body, _ := io.ReadAll(r.Body)
			d.mu.Lock()
			d.bodies = append(d.bodies, string(body))
			fail := d.fail
			d.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *deployTarget) pushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bodies)
}

const deployableConfig = "[sources.in]\ntype = \"stdin\"\n\n[sinks.out]\ntype = \"console\"\ninputs = [\"in\"]\n"

func setupDeploy(t *testing.T, svc *Service, strategy string, approval bool, approvers []string, targets ...*deployTarget) *model.WorkerGroup {
	t.Helper()
	ctx := context.Background()
	group, err := svc.CreateGroup(ctx, CreateGroupRequest{
		Name: "prod", Strategy: strategy,
		RequiresApproval: approval, Approvers: approvers,
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	gname := group.Name
	for i, target := range targets {
		_, err := svc.RegisterAgent(ctx, RegisterRequest{
			Name:      "edge-" + string(rune('a'+i)),
			URL:       target.srv.URL,
			GroupName: &gname,
		})
		if err != nil {
			t.Fatalf("RegisterAgent: %v", err)
		}
	}
	if _, _, err := svc.UpdateGroupConfig(ctx, group.ID, deployableConfig); err != nil {
		t.Fatalf("UpdateGroupConfig: %v", err)
	}
	return group
}

func waitTerminal(t *testing.T, svc *Service, id string) *DeploymentView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := svc.GetDeployment(context.Background(), id)
		if err != nil {
			t.Fatalf("GetDeployment: %v", err)
		}
		if view.Status.Terminal() {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deployment did not reach a terminal state")
	return nil
}

func TestDeploymentAllAtOnceSucceeds(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	a := newDeployTarget(t, false)
	b := newDeployTarget(t, false)
	group := setupDeploy(t, svc, "all_at_once", false, nil, a, b)

	dep, err := svc.CreateDeployment(context.Background(), CreateDeploymentRequest{GroupID: group.ID})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	view := waitTerminal(t, svc, dep.ID)
	if view.Status != model.DeploySucceeded {
		t.Fatalf("status = %s, error = %v", view.Status, view.Error)
	}
	if view.Stats.Completed != 2 || view.Stats.Failed != 0 {
		t.Errorf("stats = %+v", view.Stats)
	}
	if a.pushes() != 1 || b.pushes() != 1 {
		t.Errorf("pushes = %d, %d, want 1 each", a.pushes(), b.pushes())
	}
	a.mu.Lock()
	body := a.bodies[0]
	a.mu.Unlock()
	if body != deployableConfig {
		t.Error("pushed body must be the resolved config text")
	}
}

func TestDeploymentRollingAbortsOnFailure(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	bad := newDeployTarget(t, true)
	good := newDeployTarget(t, false)
	group := setupDeploy(t, svc, "rolling", false, nil, bad, good)

	dep, err := svc.CreateDeployment(context.Background(), CreateDeploymentRequest{GroupID: group.ID})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	view := waitTerminal(t, svc, dep.ID)
	if view.Status != model.DeployAborted {
		t.Fatalf("status = %s, want aborted", view.Status)
	}
	if view.Stats.Failed != 1 {
		t.Errorf("stats = %+v, want one failed agent", view.Stats)
	}
	if view.Error == nil {
		t.Error("aborted deployment should carry an error")
	}
}

func TestDeploymentApprovalFlow(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	target := newDeployTarget(t, false)
	group := setupDeploy(t, svc, "all_at_once", true, []string{"alice"}, target)

	dep, err := svc.CreateDeployment(context.Background(), CreateDeploymentRequest{GroupID: group.ID})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	if dep.Status != model.DeployPendingApproval {
		t.Fatalf("status = %s, want pending_approval", dep.Status)
	}

	if _, err := svc.ApproveDeployment(context.Background(), dep.ID, "mallory"); !errors.Is(err, model.ErrConflict) {
		t.Errorf("non-approver approval = %v, want ErrConflict", err)
	}
	if target.pushes() != 0 {
		t.Fatal("nothing may be pushed before approval")
	}

	if _, err := svc.ApproveDeployment(context.Background(), dep.ID, "alice"); err != nil {
		t.Fatalf("ApproveDeployment: %v", err)
	}
	view := waitTerminal(t, svc, dep.ID)
	if view.Status != model.DeploySucceeded {
		t.Fatalf("status = %s, error = %v", view.Status, view.Error)
	}
	if view.ApprovedBy == nil || *view.ApprovedBy != "alice" {
		t.Errorf("ApprovedBy = %v", view.ApprovedBy)
	}
}

func TestRejectDeployment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	target := newDeployTarget(t, false)
	group := setupDeploy(t, svc, "all_at_once", true, []string{"alice"}, target)

	dep, err := svc.CreateDeployment(context.Background(), CreateDeploymentRequest{GroupID: group.ID})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	if _, err := svc.RejectDeployment(context.Background(), dep.ID, "mallory"); !errors.Is(err, model.ErrConflict) {
		t.Errorf("non-approver rejection = %v, want ErrConflict", err)
	}

	rejected, err := svc.RejectDeployment(context.Background(), dep.ID, "alice")
	if err != nil {
		t.Fatalf("RejectDeployment: %v", err)
	}
	if rejected.Status != model.DeployCancelled {
		t.Errorf("status = %s", rejected.Status)
	}
	if rejected.Error == nil || *rejected.Error != "rejected by alice" {
		t.Errorf("error = %v", rejected.Error)
	}
	if target.pushes() != 0 {
		t.Error("rejected deployment must not push")
	}
	if _, err := svc.RejectDeployment(context.Background(), dep.ID, "alice"); !errors.Is(err, model.ErrConflict) {
		t.Errorf("second rejection = %v, want ErrConflict", err)
	}
}

// fixedSummary serves a canned health snapshot.
type fixedSummary struct {
	mu   sync.Mutex
	snap *healthmonitor.Snapshot
}

func (f *fixedSummary) set(snap *healthmonitor.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func (f *fixedSummary) Summary() *healthmonitor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func TestDeploymentAbortsOnHealthRegression(t *testing.T) {
	repo := newMemRepo()
	mon := &fixedSummary{}
	svc := newTestServiceWith(t, repo, mon)
	a := newDeployTarget(t, false)
	b := newDeployTarget(t, false)
	group := setupDeploy(t, svc, "canary", false, nil, a, b)

	members, err := repo.ListAgents(context.Background(), group.ID)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	results := make([]healthmonitor.ProbeResult, len(members))
	for i, member := range members {
		msg := "connection refused"
		results[i] = healthmonitor.ProbeResult{
			AgentID:   member.ID,
			AgentName: member.Name,
			Error:     &msg,
			CheckedAt: time.Now().UTC(),
		}
	}
	mon.set(&healthmonitor.Snapshot{
		Total:     len(results),
		Unhealthy: len(results),
		CheckedAt: time.Now().UTC(),
		Results:   results,
	})

	dep, err := svc.CreateDeployment(context.Background(), CreateDeploymentRequest{GroupID: group.ID})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	view := waitTerminal(t, svc, dep.ID)
	if view.Status != model.DeployAborted {
		t.Fatalf("status = %s, want aborted", view.Status)
	}
	if view.Error == nil || !strings.Contains(*view.Error, "health regression") {
		t.Errorf("error = %v", view.Error)
	}
	if got := a.pushes() + b.pushes(); got != 1 {
		t.Errorf("pushes = %d, the main batch must not deploy after a canary regression", got)
	}
}

// lossyRepo drops per-agent status writes.
type lossyRepo struct {
	*memRepo
}

func (r *lossyRepo) UpdateDeploymentAgent(ctx context.Context, deploymentID, agentID string, status model.DeployAgentState, errMsg *string) error {
	return errors.New("write lost")
}

func TestDeploymentLogsAgentStatusWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = orig })

	repo := &lossyRepo{memRepo: newMemRepo()}
	svc := newTestService(t, repo)
	target := newDeployTarget(t, false)
	group := setupDeploy(t, svc, "all_at_once", false, nil, target)

	dep, err := svc.CreateDeployment(context.Background(), CreateDeploymentRequest{GroupID: group.ID})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	view := waitTerminal(t, svc, dep.ID)
	if view.Status != model.DeploySucceeded {
		t.Fatalf("status = %s, error = %v", view.Status, view.Error)
	}
	if !strings.Contains(buf.String(), "record agent completion failed") {
		t.Error("lost agent status write must be logged")
	}
}

func TestCancelDeployment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	target := newDeployTarget(t, false)
	group := setupDeploy(t, svc, "all_at_once", true, nil, target)

	dep, err := svc.CreateDeployment(context.Background(), CreateDeploymentRequest{GroupID: group.ID})
	if err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	cancelled, err := svc.CancelDeployment(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("CancelDeployment: %v", err)
	}
	if cancelled.Status != model.DeployCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	if _, err := svc.CancelDeployment(context.Background(), dep.ID); !errors.Is(err, model.ErrConflict) {
		t.Errorf("cancel of terminal deployment = %v, want ErrConflict", err)
	}
	if target.pushes() != 0 {
		t.Error("cancelled deployment must not push")
	}
}

func TestCreateDeploymentRejectsForeignAgents(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)
	target := newDeployTarget(t, false)
	group := setupDeploy(t, svc, "all_at_once", false, nil, target)

	outsider, err := svc.RegisterAgent(context.Background(), RegisterRequest{Name: "loner", URL: target.srv.URL})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	_, err = svc.CreateDeployment(context.Background(), CreateDeploymentRequest{
		GroupID:  group.ID,
		AgentIDs: []string{outsider.ID},
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("foreign agent target = %v, want ErrConflict", err)
	}
}

func TestCreateDeploymentNeedsTargets(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo)

	group, err := svc.CreateGroup(context.Background(), CreateGroupRequest{Name: "empty"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, _, err := svc.UpdateGroupConfig(context.Background(), group.ID, deployableConfig); err != nil {
		t.Fatalf("UpdateGroupConfig: %v", err)
	}
	_, err = svc.CreateDeployment(context.Background(), CreateDeploymentRequest{GroupID: group.ID})
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("empty group deployment = %v, want ErrConflict", err)
	}
}

func TestPlanBatches(t *testing.T) {
	agents := make([]model.Agent, 10)
	for i := range agents {
		agents[i] = model.Agent{ID: string(rune('a' + i))}
	}

	rolling := planBatches(model.StrategyRolling, agents)
	if len(rolling) != 10 {
		t.Errorf("rolling batches = %d, want 10", len(rolling))
	}

	canary := planBatches(model.StrategyCanary, agents)
	if len(canary) != 2 || len(canary[0]) != 1 || len(canary[1]) != 9 {
		t.Errorf("canary batches = %d/%v", len(canary), canary)
	}
	tiny := planBatches(model.StrategyCanary, agents[:1])
	if len(tiny) != 1 {
		t.Errorf("single-agent canary should collapse to one batch, got %d", len(tiny))
	}

	bg := planBatches(model.StrategyBlueGreen, agents[:5])
	if len(bg) != 2 || len(bg[0]) != 3 || len(bg[1]) != 2 {
		t.Errorf("blue_green batches = %v", bg)
	}

	all := planBatches(model.StrategyAllAtOnce, agents)
	if len(all) != 1 || len(all[0]) != 10 {
		t.Errorf("all_at_once batches = %v", all)
	}

	if planBatches(model.StrategyRolling, nil) != nil {
		t.Error("no targets should plan no batches")
	}
}
