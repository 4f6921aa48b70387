package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vecfleet/vecfleet/internal/fleet/model"
	"github.com/vecfleet/vecfleet/internal/fleet/service"
	"github.com/vecfleet/vecfleet/internal/gitstore"
	"github.com/vecfleet/vecfleet/internal/healthmonitor"
)

// stubRepo embeds the interface and overrides only what a test needs;
// anything else panics loudly.
type stubRepo struct {
	service.Repo
}

func (stubRepo) GetGroup(ctx context.Context, id string) (*model.WorkerGroup, error) {
	return nil, model.ErrNotFound
}

func (stubRepo) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return nil, model.ErrNotFound
}

func newTestAPI(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := gitstore.New(gitstore.Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("gitstore.New: %v", err)
	}
	svc := service.New(stubRepo{}, store, nil, nil, service.Options{
		EngineBinary: "/definitely/not/a/real/binary",
		ProbeTimeout: time.Second,
	})
	monitor := healthmonitor.New(healthmonitor.Options{Interval: time.Hour}, healthmonitor.Deps{})

	router := gin.New()
	if _, err := NewApi(svc, store, monitor, router); err != nil {
		t.Fatalf("NewApi: %v", err)
	}
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router := newTestAPI(t)
	w := doRequest(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestValidateEndpoint(t *testing.T) {
	router := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate",
		strings.NewReader("[sources.in]\ncodec = \"json\"\n"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Valid {
		t.Error("document without a type should be invalid")
	}
	if len(body.Errors) != 1 || body.Errors[0].Code != "MISSING_TYPE" {
		t.Errorf("errors = %+v", body.Errors)
	}
}

func TestNotFoundMapsTo404(t *testing.T) {
	router := newTestAPI(t)

	w := doRequest(t, router, http.MethodGet, "/api/v1/groups/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing group status = %d", w.Code)
	}
	w = doRequest(t, router, http.MethodGet, "/api/v1/agents/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing agent status = %d", w.Code)
	}
}

func TestRegisterAgentValidatesBody(t *testing.T) {
	router := newTestAPI(t)

	w := doRequest(t, router, http.MethodPost, "/api/v1/agents", `{"name":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d", w.Code)
	}
	w = doRequest(t, router, http.MethodPost, "/api/v1/agents", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("broken body status = %d", w.Code)
	}
}

func TestMonitorLifecycleEndpoints(t *testing.T) {
	router := newTestAPI(t)

	w := doRequest(t, router, http.MethodGet, "/api/v1/health/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("summary status = %d", w.Code)
	}
	var body struct {
		Running bool            `json:"running"`
		Summary json.RawMessage `json:"summary"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Running {
		t.Error("monitor should start stopped")
	}

	w = doRequest(t, router, http.MethodPost, "/api/v1/health/stop", "")
	if w.Code != http.StatusConflict {
		t.Errorf("stop of stopped monitor status = %d", w.Code)
	}
}

func TestRemotesEndpoints(t *testing.T) {
	router := newTestAPI(t)

	w := doRequest(t, router, http.MethodPost, "/api/v1/store/remotes",
		`{"name":"origin","url":"https://example.com/repo.git"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("configure remote status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/store/remotes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list remotes status = %d", w.Code)
	}
	var body struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 {
		t.Errorf("total = %d", body.Total)
	}

	w = doRequest(t, router, http.MethodDelete, "/api/v1/store/remotes/origin", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("remove remote status = %d", w.Code)
	}
}
