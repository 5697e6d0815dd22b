package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

type fakeWorkspace struct {
	commits  int
	resets   []string
	resetErr error
}

func (f *fakeWorkspace) Commit(ctx context.Context, projectID, message string) (string, error) {
	f.commits++
	return "ref-abc123", nil
}

func (f *fakeWorkspace) Reset(ctx context.Context, projectID, ref string) error {
	f.resets = append(f.resets, ref)
	return f.resetErr
}

func setupEngine(t *testing.T, ws Workspace) (*Engine, *sql.DB) {
	t.Helper()

	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return New(db, nil, store.NewProjectLocks(), ws), db
}

func seedProject(t *testing.T, db *sql.DB) (*models.Project, *models.Agent, *models.Task) {
	t.Helper()

	p, err := store.CreateProject(db, "checkpointed", "", "")
	require.NoError(t, err)
	a, err := store.CreateAgent(db, "worker", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)
	err = store.Transact(db, func(tx *sql.Tx) error {
		return store.AssignAgentTx(tx, p.ID, a.ID, "builder")
	})
	require.NoError(t, err)
	task, err := store.CreateTask(db, store.CreateTaskParams{ProjectID: p.ID, Title: "work"})
	require.NoError(t, err)
	return p, a, task
}

func TestCreateCapturesStateAndGitRef(t *testing.T) {
	ws := &fakeWorkspace{}
	e, db := setupEngine(t, ws)
	p, _, _ := seedProject(t, db)

	ckpt, err := e.Create(context.Background(), p.ID, "before-refactor", "safe point")
	require.NoError(t, err)

	assert.Contains(t, ckpt.ID, "ckpt_")
	assert.Equal(t, "ref-abc123", ckpt.GitRef)
	assert.Equal(t, 1, ws.commits)

	got, err := e.Get(ckpt.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Snapshot)

	list, err := e.List(p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "before-refactor", list[0].Name)
}

func TestCreateUnknownProject(t *testing.T) {
	e, _ := setupEngine(t, nil)

	_, err := e.Create(context.Background(), "proj_missing", "x", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestRestoreRewindsMutations(t *testing.T) {
	ws := &fakeWorkspace{}
	e, db := setupEngine(t, ws)
	p, agent, task := seedProject(t, db)

	ckpt, err := e.Create(context.Background(), p.ID, "safe", "")
	require.NoError(t, err)

	// Mutate after the checkpoint: complete the task, revoke the agent,
	// add an intruder task.
	err = store.Transact(db, func(tx *sql.Tx) error {
		if err := store.UpdateTaskStatusTx(tx, task.ID, models.TaskCompleted, task.Version); err != nil {
			return err
		}
		if err := store.UnassignAgentTx(tx, p.ID, agent.ID); err != nil {
			return err
		}
		_, err := store.CreateTaskTx(tx, store.CreateTaskParams{ProjectID: p.ID, Title: "intruder"})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, e.Restore(context.Background(), ckpt.ID))
	assert.Equal(t, []string{"ref-abc123"}, ws.resets)

	tasks, err := store.ListTasks(db, p.ID, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
	assert.Equal(t, models.TaskPending, tasks[0].Status)
	assert.Equal(t, task.Version, tasks[0].Version)

	assignments, err := store.GetAgentsForProject(db, p.ID, true)
	require.NoError(t, err)
	assert.Len(t, assignments, 1)
}

func TestRestoreSurvivesWorkspaceResetFailure(t *testing.T) {
	ws := &fakeWorkspace{resetErr: errors.New("git unavailable")}
	e, db := setupEngine(t, ws)
	p, _, task := seedProject(t, db)

	ckpt, err := e.Create(context.Background(), p.ID, "safe", "")
	require.NoError(t, err)

	err = store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateTaskStatusTx(tx, task.ID, models.TaskFailed, task.Version)
	})
	require.NoError(t, err)

	// Row restore commits even when the workspace reset fails.
	require.NoError(t, e.Restore(context.Background(), ckpt.ID))

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestRestoreIsIdempotent(t *testing.T) {
	e, db := setupEngine(t, nil)
	p, _, task := seedProject(t, db)

	ckpt, err := e.Create(context.Background(), p.ID, "safe", "")
	require.NoError(t, err)

	err = store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateTaskStatusTx(tx, task.ID, models.TaskCompleted, task.Version)
	})
	require.NoError(t, err)

	require.NoError(t, e.Restore(context.Background(), ckpt.ID))
	require.NoError(t, e.Restore(context.Background(), ckpt.ID))

	diff, err := e.Diff(ckpt.ID)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func TestDiffReportsChanges(t *testing.T) {
	e, db := setupEngine(t, nil)
	p, _, task := seedProject(t, db)

	ckpt, err := e.Create(context.Background(), p.ID, "safe", "")
	require.NoError(t, err)

	diff, err := e.Diff(ckpt.ID)
	require.NoError(t, err)
	assert.True(t, diff.Empty())

	var added *models.Task
	err = store.Transact(db, func(tx *sql.Tx) error {
		if err := store.UpdateTaskStatusTx(tx, task.ID, models.TaskCompleted, task.Version); err != nil {
			return err
		}
		var err error
		added, err = store.CreateTaskTx(tx, store.CreateTaskParams{ProjectID: p.ID, Title: "new work"})
		return err
	})
	require.NoError(t, err)

	diff, err = e.Diff(ckpt.ID)
	require.NoError(t, err)
	assert.False(t, diff.Empty())
	assert.Equal(t, []string{added.ID}, diff.Tasks.Added)
	require.Len(t, diff.Tasks.Modified, 1)
	assert.Equal(t, task.ID, diff.Tasks.Modified[0].ID)
	assert.NotEmpty(t, diff.Tasks.Modified[0].Patch)
	assert.Empty(t, diff.Tasks.Removed)
}

func TestDeleteCheckpoint(t *testing.T) {
	e, db := setupEngine(t, nil)
	p, _, _ := seedProject(t, db)

	ckpt, err := e.Create(context.Background(), p.ID, "gone soon", "")
	require.NoError(t, err)

	require.NoError(t, e.Delete(ckpt.ID))

	_, err = e.Get(ckpt.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
