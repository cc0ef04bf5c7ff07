package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabmgr/services/files"
	"collabmgr/services/operator"
	"collabmgr/services/operator/operatortest"
	"collabmgr/services/pipelines"
	"collabmgr/services/scheduler"
	"collabmgr/services/sessions"
	"collabmgr/services/tools"
)

type env struct {
	handler   http.Handler
	op        *operatortest.Operator
	pipelines *pipelines.MemoryStore
	sched     *scheduler.Scheduler
}

func newEnv(t *testing.T, checks map[string]Check) *env {
	t.Helper()
	op := operatortest.New()
	catalog := tools.New(tools.Tool{
		ID:                "modeler",
		Persistent:        tools.SessionCapability{Enabled: true, ConnectionMethods: []string{"xpra"}},
		ConnectionMethods: []tools.ConnectionMethod{{ID: "xpra", Type: "http", Port: 10000}},
		Versions:          []tools.Version{{ID: "7.0.0", Image: "modeler:7.0.0"}},
	})
	mgr, err := sessions.NewManager(sessions.Dependencies{
		Operator: op,
		Store:    sessions.NewMemoryStore(),
		Catalog:  catalog,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	store := pipelines.NewMemoryStore()
	runner, err := pipelines.NewRunner(pipelines.Dependencies{Store: store, Operator: op, Logger: zerolog.Nop()},
		pipelines.RunnerConfig{Image: "backup:1"})
	require.NoError(t, err)
	sched, err := scheduler.New(scheduler.NewMemoryStore(), runner.RunScheduled, scheduler.Config{}, zerolog.Nop())
	require.NoError(t, err)
	svc, err := pipelines.NewService(store, runner, sched, zerolog.Nop())
	require.NoError(t, err)

	fileSvc, err := files.New(op, nil, nil, files.Config{}, zerolog.Nop())
	require.NoError(t, err)

	a, err := New(Dependencies{Sessions: mgr, Pipelines: svc, Files: fileSvc, Checks: checks, Logger: zerolog.Nop()},
		Config{AllowedOrigins: []string{"https://collab.example.com"}})
	require.NoError(t, err)
	return &env{handler: a.Routes(), op: op, pipelines: store, sched: sched}
}

func (e *env) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

type sessionBody struct {
	Session  sessions.Session `json:"session"`
	Warnings []string         `json:"warnings"`
}

func createSession(t *testing.T, e *env, user string) sessions.Session {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/sessions", user, map[string]any{
		"tool_id": "modeler", "version_id": "7.0.0", "type": "persistent",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[sessionBody](t, rec).Session
}

func TestRequiresUser(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	s := createSession(t, e, "alice")
	assert.Equal(t, "alice", s.Owner)
	assert.Equal(t, "modeler", s.ToolID)

	rec := e.do(t, http.MethodGet, "/v1/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Sessions []sessions.Session `json:"sessions"`
	}](t, rec)
	require.Len(t, list.Sessions, 1)

	rec = e.do(t, http.MethodGet, "/v1/sessions", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/v1/sessions/"+s.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/sessions/"+s.ID+"/connection", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodDelete, "/v1/sessions/"+s.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, exists := e.op.Workload(s.ID)
	assert.False(t, exists)

	rec = e.do(t, http.MethodGet, "/v1/sessions/"+s.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionErrors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		prep func(e *env)
		want int
	}{
		{"missing version", map[string]any{"tool_id": "modeler", "type": "persistent"}, nil, http.StatusBadRequest},
		{"unknown tool", map[string]any{"tool_id": "nope", "version_id": "1", "type": "persistent"}, nil, http.StatusBadRequest},
		{"unsupported type", map[string]any{
			"tool_id": "modeler", "version_id": "7.0.0", "type": "readonly",
			"provisioning": []map[string]any{{"url": "https://git.example.com/a.git", "revision": "main", "path": "a"}},
		}, nil, http.StatusConflict},
		{"unknown field", map[string]any{"tool_id": "modeler", "owner": "mallory"}, nil, http.StatusBadRequest},
		{"orchestrator down", map[string]any{"tool_id": "modeler", "version_id": "7.0.0", "type": "persistent"}, func(e *env) {
			e.op.CreateErr = &operator.UnavailableError{Op: "create deployment", Err: errors.New("timeout")}
		}, http.StatusServiceUnavailable},
		{"rejected spec", map[string]any{"tool_id": "modeler", "version_id": "7.0.0", "type": "persistent"}, func(e *env) {
			e.op.CreateErr = &operator.RejectedSpecError{Name: "deployment", Reason: "quota exceeded"}
		}, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, nil)
			if tc.prep != nil {
				tc.prep(e)
			}
			rec := e.do(t, http.MethodPost, "/v1/sessions", "alice", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&sessions.WorkspaceMountingNotAllowedError{ToolID: "x"}, http.StatusForbidden},
		{fmt.Errorf("trigger: %w", pipelines.ErrRunActive), http.StatusConflict},
		{pipelines.ErrPipelineNotFound, http.StatusNotFound},
		{files.ErrInvalidPath, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestUploadFiles(t *testing.T) {
	e := newEnv(t, nil)
	s := createSession(t, e, "alice")

	rec := e.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/files", "alice", map[string]any{
		"files": []map[string]any{{"name": "notes.txt", "content": []byte("hello")}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, e.op.Uploads[s.ID], 1)

	rec = e.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/files", "alice", map[string]any{
		"files": []map[string]any{{"name": "../escape", "content": []byte("x")}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/sessions/"+s.ID+"/export", "alice", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPipelineRuns(t *testing.T) {
	e := newEnv(t, nil)
	p := pipelines.Pipeline{ModelID: "coffee", GitURL: "https://git.example.com/c.git", BackendHost: "https://b", BackendRepository: "r"}
	require.NoError(t, e.pipelines.CreatePipeline(context.Background(), &p))
	base := "/v1/pipelines/" + p.ID.String()

	rec := e.do(t, http.MethodPost, base+"/runs", "alice", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[struct {
		Run pipelines.Run `json:"run"`
	}](t, rec).Run
	assert.Equal(t, pipelines.StatusScheduled, run.Status)
	require.NotNil(t, run.TriggeredBy)
	assert.Equal(t, "alice", *run.TriggeredBy)

	rec = e.do(t, http.MethodPost, base+"/runs", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, base+"/runs", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[struct {
		Runs []pipelines.Run `json:"runs"`
	}](t, rec).Runs, 1)

	rec = e.do(t, http.MethodGet, base+"/runs/"+run.ID.String(), "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, base+"/runs/"+run.ID.String()+"/logs?type=events", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"logs":[]}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, base+"/runs/"+run.ID.String()+"/logs?type=debug", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/pipelines/"+uuid.NewString()+"/runs/"+run.ID.String(), "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/pipelines/not-a-uuid/runs", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/pipelines/"+uuid.NewString()+"/runs", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetNightly(t *testing.T) {
	e := newEnv(t, nil)
	p := pipelines.Pipeline{ModelID: "coffee", GitURL: "https://git.example.com/c.git", BackendHost: "https://b", BackendRepository: "r"}
	require.NoError(t, e.pipelines.CreatePipeline(context.Background(), &p))
	path := "/v1/pipelines/" + p.ID.String() + "/nightly"

	rec := e.do(t, http.MethodPut, path, "alice", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	jobs, err := e.sched.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	rec = e.do(t, http.MethodPut, path, "alice", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	jobs, err = e.sched.Jobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	rec = e.do(t, http.MethodPut, path, "alice", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := true
	e := newEnv(t, map[string]Check{
		"database": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	})

	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil)
	req.Header.Set("Origin", "https://collab.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://collab.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Dependencies{}, Config{})
	assert.Error(t, err)
}
