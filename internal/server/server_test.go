package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/blocker"
	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/checkpoint"
	"github.com/codeframe-dev/codeframe/internal/contextmgr"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/review"
	"github.com/codeframe-dev/codeframe/internal/scheduler"
	"github.com/codeframe-dev/codeframe/internal/store"
)

func setupServer(t *testing.T, mode app.DeploymentMode) (*gin.Engine, *sql.DB) {
	t.Helper()

	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eventBus := bus.New(db, 16)
	blockers := blocker.New(db, eventBus)
	sched := scheduler.New(db, eventBus, nil, blockers, nil, 0)
	contexts := contextmgr.New(db, contextmgr.DefaultConfig(), eventBus)
	reviews := review.New(db, eventBus, review.ReviewerFunc(func(ctx context.Context, taskID, fingerprint string) (*models.ReviewReport, error) {
		return &models.ReviewReport{}, nil
	}))
	ckpts := checkpoint.New(db, eventBus, store.NewProjectLocks(), nil)

	srv := New(db, eventBus, sched, contexts, blockers, reviews, nil, ckpts, mode)
	return srv.Router(), db
}

func do(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _ := setupServer(t, app.ModeSelfHosted)

	w := do(t, router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestProjectCRUD(t *testing.T) {
	router, _ := setupServer(t, app.ModeSelfHosted)

	w := do(t, router, http.MethodPost, "/api/projects", map[string]string{"name": "alpha"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var project models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Contains(t, project.ID, "proj_")
	assert.Equal(t, models.ProjectCreated, project.Status)

	w = do(t, router, http.MethodGet, "/api/projects/"+project.ID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/projects", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), project.ID)
}

func TestErrorMapping(t *testing.T) {
	router, _ := setupServer(t, app.ModeSelfHosted)

	// Unknown entity: 404.
	w := do(t, router, http.MethodGet, "/api/projects/proj_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Validation failure: 400.
	w = do(t, router, http.MethodPost, "/api/projects", map[string]string{"name": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartWithoutLeadIsBadRequest(t *testing.T) {
	router, _ := setupServer(t, app.ModeSelfHosted)

	w := do(t, router, http.MethodPost, "/api/projects", map[string]string{"name": "alpha"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var project models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))

	w = do(t, router, http.MethodPost, "/api/projects/"+project.ID+"/start", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskRoutes(t *testing.T) {
	router, _ := setupServer(t, app.ModeSelfHosted)

	w := do(t, router, http.MethodPost, "/api/projects", map[string]string{"name": "alpha"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var project models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))

	w = do(t, router, http.MethodPost, "/api/projects/"+project.ID+"/tasks", map[string]any{
		"title": "build login", "priority": 5,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Contains(t, task.ID, "task_")

	w = do(t, router, http.MethodGet, "/api/tasks/"+task.ID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/projects/"+project.ID+"/tasks?status=pending", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), task.ID)
}

func TestReviewInvalidateDropsReports(t *testing.T) {
	router, _ := setupServer(t, app.ModeSelfHosted)

	w := do(t, router, http.MethodPost, "/api/projects", map[string]string{"name": "alpha"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var project models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))

	w = do(t, router, http.MethodPost, "/api/projects/"+project.ID+"/tasks", map[string]any{"title": "t"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	w = do(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/reviews", map[string]string{"fingerprint": "fp_1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/tasks/"+task.ID+"/reviews/latest", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodDelete, "/api/tasks/"+task.ID+"/reviews", nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodGet, "/api/tasks/"+task.ID+"/reviews/latest", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A repeat request recomputes rather than serving the purged report.
	w = do(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/reviews", map[string]string{"fingerprint": "fp_1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHostedModeProjectOwnership(t *testing.T) {
	router, _ := setupServer(t, app.ModeHosted)

	w := do(t, router, http.MethodPost, "/api/projects", map[string]string{"name": "mine"}, map[string]string{"X-User-ID": "user_alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	var project models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))

	// The owner reads it; a stranger gets 403.
	w = do(t, router, http.MethodGet, "/api/projects/"+project.ID, nil, map[string]string{"X-User-ID": "user_alice"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/projects/"+project.ID, nil, map[string]string{"X-User-ID": "user_mallory"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Hosted listing is scoped to the caller.
	w = do(t, router, http.MethodGet, "/api/projects", nil, map[string]string{"X-User-ID": "user_mallory"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), project.ID)
}

func TestBlockerRoutes(t *testing.T) {
	router, db := setupServer(t, app.ModeSelfHosted)

	p, err := store.CreateProject(db, "blocked", "", "")
	require.NoError(t, err)
	a, err := store.CreateAgent(db, "worker", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)
	task, err := store.CreateTask(db, store.CreateTaskParams{ProjectID: p.ID, Title: "stuck"})
	require.NoError(t, err)

	blockers := blocker.New(db, nil)
	b, err := blockers.Raise(task.ID, a.ID, models.BlockerAsync, models.SeverityLow, "fyi", nil)
	require.NoError(t, err)

	w := do(t, router, http.MethodGet, "/api/projects/"+p.ID+"/blockers", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), b.ID)

	w = do(t, router, http.MethodPost, "/api/blockers/"+b.ID+"/resolve", map[string]string{"answer": "done"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/blockers/"+b.ID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"answer":"done"`)
}

func TestContextRoutes(t *testing.T) {
	router, db := setupServer(t, app.ModeSelfHosted)

	p, err := store.CreateProject(db, "ctx", "", "")
	require.NoError(t, err)
	a, err := store.CreateAgent(db, "worker", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)

	contexts := contextmgr.New(db, contextmgr.DefaultConfig(), nil)
	_, err = contexts.Record(a.ID, p.ID, "decision", "use sqlite", 0.8)
	require.NoError(t, err)

	w := do(t, router, http.MethodGet, "/api/agents/"+a.ID+"/context", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "use sqlite")

	w = do(t, router, http.MethodGet, "/api/agents/"+a.ID+"/context/stats", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/api/agents/"+a.ID+"/context/retier", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCheckpointRoutes(t *testing.T) {
	router, db := setupServer(t, app.ModeSelfHosted)

	p, err := store.CreateProject(db, "snap", "", "")
	require.NoError(t, err)

	w := do(t, router, http.MethodPost, "/api/projects/"+p.ID+"/checkpoints", map[string]string{"name": "safe"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var ckpt models.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ckpt))
	assert.Contains(t, ckpt.ID, "ckpt_")

	w = do(t, router, http.MethodGet, "/api/projects/"+p.ID+"/checkpoints", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ckpt.ID)

	w = do(t, router, http.MethodGet, "/api/checkpoints/"+ckpt.ID+"/diff", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/api/checkpoints/"+ckpt.ID+"/restore", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodDelete, "/api/checkpoints/"+ckpt.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestChatRoutes(t *testing.T) {
	router, _ := setupServer(t, app.ModeSelfHosted)

	w := do(t, router, http.MethodPost, "/api/projects", map[string]string{"name": "chatty"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var project models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))

	w = do(t, router, http.MethodPost, "/api/projects/"+project.ID+"/chat", map[string]string{"text": "status?"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"from":"user"`)

	w = do(t, router, http.MethodGet, "/api/projects/"+project.ID+"/chat", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "status?")
}
