package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod/internal/agent/orchestrator"
	"github.com/codepod-dev/codepod/internal/common/config"
	"github.com/codepod-dev/codepod/internal/common/database"
	"github.com/codepod-dev/codepod/internal/common/logger"
	"github.com/codepod-dev/codepod/internal/events/bus"
	projectstore "github.com/codepod-dev/codepod/internal/project/store"
	"github.com/codepod-dev/codepod/internal/sandbox/lifecycle"
	"github.com/codepod-dev/codepod/internal/sandbox/provider"
	"github.com/codepod-dev/codepod/internal/sandbox/reaper"
	sandboxstore "github.com/codepod-dev/codepod/internal/sandbox/store"
)

// memProvider is an in-process backend for handler tests.
type memProvider struct {
	mu     sync.Mutex
	nextID int
	states map[string]string // ref -> running|paused
}

func newMemProvider() *memProvider {
	return &memProvider{states: make(map[string]string)}
}

func (p *memProvider) Name() string { return "mem" }

func (p *memProvider) Create(ctx context.Context, name string) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	ref := fmt.Sprintf("mem-%d", p.nextID)
	p.states[ref] = "running"
	return &memHandle{p: p, ref: ref}, nil
}

func (p *memProvider) Connect(ctx context.Context, ref string) (provider.Handle, error) {
	return &memHandle{p: p, ref: ref}, nil
}

func (p *memProvider) Pause(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[ref] = "paused"
	return nil
}

func (p *memProvider) Resume(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[ref] = "running"
	return nil
}

func (p *memProvider) Kill(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, ref)
	return nil
}

type memHandle struct {
	p   *memProvider
	ref string
}

func (h *memHandle) Ref() string { return h.ref }

func (h *memHandle) Alive(ctx context.Context) bool {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return h.p.states[h.ref] == "running"
}

func (h *memHandle) RunCommand(ctx context.Context, req provider.CommandRequest) (*provider.CommandResult, error) {
	return &provider.CommandResult{ExitCode: 0}, nil
}

func (h *memHandle) StreamCommand(ctx context.Context, req provider.CommandRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (h *memHandle) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (h *memHandle) ReadFile(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (h *memHandle) ListFiles(ctx context.Context, path string) ([]provider.FileInfo, error) {
	return nil, nil
}
func (h *memHandle) DeleteFile(ctx context.Context, path string) error        { return nil }
func (h *memHandle) MakeDir(ctx context.Context, path string) error           { return nil }
func (h *memHandle) ExposedURL(ctx context.Context, port int) (string, error) { return "", nil }
func (h *memHandle) Close() error                                             { return nil }

type testAPI struct {
	router *gin.Engine
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	db, err := database.New(context.Background(), config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   "file::memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	projects := projectstore.New(db.DB)
	sandboxes := sandboxstore.New(db.DB)

	manager := lifecycle.NewManager(sandboxes, newMemProvider(), eventBus, 3000, log)
	t.Cleanup(manager.Close)

	rp := reaper.New(sandboxes, manager, eventBus, config.ReaperConfig{
		IntervalSeconds:       60,
		IdleTimeoutMinutes:    10,
		MaxHibernationMinutes: 60,
	}, log)
	orch := orchestrator.New(projects, manager, config.AgentConfig{
		Command:        "agent",
		WorkDir:        "/workspace",
		TimeoutMinutes: 1,
	}, log)

	handler := NewHandler(projects, sandboxes, manager, rp, orch, eventBus, log)
	return &testAPI{router: SetupRouter(handler, log)}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) createProject(t *testing.T, user, name string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/projects", user, CreateProjectRequest{Name: name})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.ID
}

func TestAuthRequired(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/v1/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProjectCRUD(t *testing.T) {
	a := setupTestAPI(t)

	id := a.createProject(t, "alice", "demo")

	w := a.do(t, http.MethodGet, "/api/v1/projects/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/projects", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Projects []json.RawMessage `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Projects, 1)

	w = a.do(t, http.MethodDelete, "/api/v1/projects/"+id, "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/projects/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectOwnershipEnforced(t *testing.T) {
	a := setupTestAPI(t)

	id := a.createProject(t, "alice", "demo")

	w := a.do(t, http.MethodGet, "/api/v1/projects/"+id, "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The other user's project never shows up in listings
	w = a.do(t, http.MethodGet, "/api/v1/projects", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Projects []json.RawMessage `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Projects)
}

func TestCreateProjectValidation(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects", "alice", map[string]string{"repo_url": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSandboxEnsurePauseTerminate(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createProject(t, "alice", "demo")

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+id+"/sandbox/ensure", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sb struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))
	assert.Equal(t, "running", sb.State)

	// Ensure again reuses the same sandbox
	w = a.do(t, http.MethodPost, "/api/v1/projects/"+id+"/sandbox/ensure", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var again struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, sb.ID, again.ID)

	w = a.do(t, http.MethodPost, "/api/v1/sandboxes/"+sb.ID+"/pause", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paused struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &paused))
	assert.Equal(t, "paused", paused.State)

	// Pausing a paused sandbox is an invalid transition
	w = a.do(t, http.MethodPost, "/api/v1/sandboxes/"+sb.ID+"/pause", "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/sandboxes/"+sb.ID+"/terminate", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Terminate is idempotent
	w = a.do(t, http.MethodPost, "/api/v1/sandboxes/"+sb.ID+"/terminate", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSandboxOwnershipEnforced(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createProject(t, "alice", "demo")

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+id+"/sandbox/ensure", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sb struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sb))

	w = a.do(t, http.MethodPost, "/api/v1/sandboxes/"+sb.ID+"/terminate", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListMessagesEmpty(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createProject(t, "alice", "demo")

	w := a.do(t, http.MethodGet, "/api/v1/projects/"+id+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)
}

func TestStopWithoutActiveTurn(t *testing.T) {
	a := setupTestAPI(t)
	id := a.createProject(t, "alice", "demo")

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+id+"/stop", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp StopResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Stopped)
}

func TestTriggerCleanup(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/reaper/cleanup", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp CleanupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Paused)
	assert.Zero(t, resp.Terminated)
}

func TestHealth(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status       string `json:"status"`
		BusConnected bool   `json:"bus_connected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.BusConnected)
}
