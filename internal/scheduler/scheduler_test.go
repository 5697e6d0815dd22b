package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/blocker"
	"github.com/codeframe-dev/codeframe/internal/gate"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
	"github.com/codeframe-dev/codeframe/internal/workspace"
)

func setupScheduler(t *testing.T) (*Scheduler, *blocker.Queue, *sql.DB) {
	t.Helper()

	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blockers := blocker.New(db, nil)
	return New(db, nil, nil, blockers, nil, 0), blockers, db
}

// seedRunningProject builds the minimum dispatchable state: a running
// project with one assigned backend agent.
func seedRunningProject(t *testing.T, s *Scheduler, db *sql.DB) (*models.Project, *models.Agent) {
	t.Helper()

	p, err := s.CreateProject("proj", "", "")
	require.NoError(t, err)
	a, err := s.CreateAgent("worker", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)
	require.NoError(t, s.AssignAgent(p.ID, a.ID, "builder"))

	err = store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateProjectStatusTx(tx, p.ID, models.ProjectRunning, p.Version)
	})
	require.NoError(t, err)
	return p, a
}

func inProgressTask(t *testing.T, s *Scheduler, projectID, agentID string) *models.Task {
	t.Helper()

	task, err := s.CreateTask(store.CreateTaskParams{ProjectID: projectID, Title: "work"})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(task.ID, agentID))
	require.NoError(t, s.StartTask(task.ID))
	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	return got
}

func TestStartRequiresLeadAgent(t *testing.T) {
	s, _, _ := setupScheduler(t)

	p, err := s.CreateProject("no-lead", "", "")
	require.NoError(t, err)

	err = s.Start(context.Background(), p.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestStartPauseResumeLifecycle(t *testing.T) {
	s, _, _ := setupScheduler(t)

	p, err := s.CreateProject("lifecycle", "", "")
	require.NoError(t, err)
	lead, err := s.CreateAgent("lead", models.AgentLead, "claude", models.MaturityD3)
	require.NoError(t, err)
	require.NoError(t, s.AssignAgent(p.ID, lead.ID, "lead"))

	require.NoError(t, s.Start(context.Background(), p.ID))
	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRunning, got.Status)
	assert.NoError(t, s.WorkContext(p.ID).Err())

	// Starting a running project fails validation.
	err = s.Start(context.Background(), p.ID)
	assert.True(t, errors.Is(err, models.ErrValidation))

	require.NoError(t, s.Pause(p.ID))
	got, err = s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectPaused, got.Status)
	assert.Error(t, s.WorkContext(p.ID).Err(), "pause cancels the work context")

	require.NoError(t, s.Resume(context.Background(), p.ID))
	got, err = s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRunning, got.Status)
	assert.NoError(t, s.WorkContext(p.ID).Err())
}

func TestAssignTaskRequiresProjectMembership(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, _ := seedRunningProject(t, s, db)

	outsider, err := s.CreateAgent("outsider", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)
	task, err := s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "work"})
	require.NoError(t, err)

	err = s.AssignTask(task.ID, outsider.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestAssignTaskRejectsUnresolvedDependencies(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)

	dep, err := s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "foundation"})
	require.NoError(t, err)
	task, err := s.CreateTask(store.CreateTaskParams{
		ProjectID: p.ID,
		Title:     "dependent",
		DependsOn: []string{dep.ID},
	})
	require.NoError(t, err)

	err = s.AssignTask(task.ID, a.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))

	// Completing the dependency clears the way.
	require.NoError(t, s.AssignTask(dep.ID, a.ID))
	require.NoError(t, s.StartTask(dep.ID))
	_, err = s.OnTaskFinalized(context.Background(), dep.ID, "")
	require.NoError(t, err)

	require.NoError(t, s.AssignTask(task.ID, a.ID))
}

func TestUnassignAgentReturnsOpenTasksToPool(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)
	task := inProgressTask(t, s, p.ID, a.ID)

	require.NoError(t, s.UnassignAgent(p.ID, a.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Empty(t, got.AssignedTo)
}

func TestSuspendTaskReturnsInProgressToAssigned(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)
	task := inProgressTask(t, s, p.ID, a.ID)

	require.NoError(t, s.SuspendTask(task.ID))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, got.Status)
	assert.Equal(t, a.ID, got.AssignedTo, "suspension keeps the assignment")

	agent, err := s.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentIdle, agent.Status)

	// Suspending a task that is not in progress is a no-op.
	require.NoError(t, s.SuspendTask(task.ID))
}

func TestAssignTaskRejectsBlockedAgent(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)

	err := store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateAgentStatusTx(tx, a.ID, models.AgentBlocked, a.Version)
	})
	require.NoError(t, err)

	task, err := s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "work"})
	require.NoError(t, err)

	err = s.AssignTask(task.ID, a.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestAssignTaskRejectsTerminalTask(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)

	task, err := s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "done already"})
	require.NoError(t, err)
	err = store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateTaskStatusTx(tx, task.ID, models.TaskCompleted, task.Version)
	})
	require.NoError(t, err)

	err = s.AssignTask(task.ID, a.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestStartTaskMarksAgentWorking(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)

	task := inProgressTask(t, s, p.ID, a.ID)
	assert.Equal(t, models.TaskInProgress, task.Status)

	agent, err := s.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentWorking, agent.Status)
}

func TestStartTaskRejectsBusyAgent(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)

	inProgressTask(t, s, p.ID, a.ID)

	second, err := s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "second"})
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(second.ID, a.ID))

	err = s.StartTask(second.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestOnTaskFinalizedPassCompletesTask(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)
	task := inProgressTask(t, s, p.ID, a.ID)

	// No gate pipeline configured: finalization passes trivially.
	result, err := s.OnTaskFinalized(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.True(t, result.Passed())

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)

	agent, err := s.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentIdle, agent.Status)
}

func TestOnTaskFinalizedRequiresInProgress(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, _ := seedRunningProject(t, s, db)

	task, err := s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "pending"})
	require.NoError(t, err)

	_, err = s.OnTaskFinalized(context.Background(), task.ID, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

// gatedScheduler wires a real gate pipeline whose test gate always fails,
// bounded at two self-correct attempts.
func gatedScheduler(t *testing.T) (*Scheduler, *blocker.Queue, *sql.DB, *models.Project, *models.Agent) {
	t.Helper()

	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ws := workspace.New(t.TempDir())
	blockers := blocker.New(db, nil)
	s := New(db, nil, nil, blockers, ws, 2)

	settings := &app.Settings{
		MinCoveragePercent: 85,
		GateTimeoutSeconds: 30,
		DeploymentMode:     app.ModeSelfHosted,
	}
	s.SetGates(gate.New(db, nil, nil, settings))

	p, a := seedRunningProject(t, s, db)
	dir := ws.Dir(p.ID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codeframe.yaml"), []byte("gates:\n  test: false\n"), 0o644))
	return s, blockers, db, p, a
}

func TestOnTaskFinalizedFailureSelfCorrects(t *testing.T) {
	s, _, _, p, a := gatedScheduler(t)
	task := inProgressTask(t, s, p.ID, a.ID)

	result, err := s.OnTaskFinalized(context.Background(), task.ID, "")
	require.NoError(t, err)
	assert.False(t, result.Passed())

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, got.Status, "first failure re-opens for self-correction")
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, a.ID, got.AssignedTo)
}

func TestOnTaskFinalizedEscalatesAfterRetryBound(t *testing.T) {
	s, blockers, _, p, a := gatedScheduler(t)
	task := inProgressTask(t, s, p.ID, a.ID)

	_, err := s.OnTaskFinalized(context.Background(), task.ID, "")
	require.NoError(t, err)
	require.NoError(t, s.StartTask(task.ID))

	_, err = s.OnTaskFinalized(context.Background(), task.ID, "")
	require.NoError(t, err)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskBlocked, got.Status, "second failure hits the bound and escalates")
	assert.Equal(t, 2, got.Attempt)

	open, err := blockers.List(p.ID, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.BlockerSync, open[0].Kind)
	assert.Equal(t, task.ID, open[0].TaskID)
}

func TestTickDispatchesReadyTasksToIdleAgents(t *testing.T) {
	s, _, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)

	task, err := s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "ready"})
	require.NoError(t, err)
	_, err = s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "also ready", Priority: -1})
	require.NoError(t, err)

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one task per agent per tick")

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, got.Status)
	assert.Equal(t, a.ID, got.AssignedTo)
}

func TestTickSkipsNonRunningProjects(t *testing.T) {
	s, _, _ := setupScheduler(t)

	p, err := s.CreateProject("still-created", "", "")
	require.NoError(t, err)
	a, err := s.CreateAgent("worker", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)
	require.NoError(t, s.AssignAgent(p.ID, a.ID, "builder"))
	_, err = s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "waiting"})
	require.NoError(t, err)

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTickHandsAgentAtMostOneTaskPerTick(t *testing.T) {
	s, _, db := setupScheduler(t)

	shared, err := s.CreateAgent("shared", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)

	for _, name := range []string{"alpha", "beta"} {
		p, err := s.CreateProject(name, "", "")
		require.NoError(t, err)
		require.NoError(t, s.AssignAgent(p.ID, shared.ID, "builder"))
		err = store.Transact(db, func(tx *sql.Tx) error {
			return store.UpdateProjectStatusTx(tx, p.ID, models.ProjectRunning, p.Version)
		})
		require.NoError(t, err)
		_, err = s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "work"})
		require.NoError(t, err)
	}

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "an agent in several projects gets one task per tick")

	n, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the other project's task goes out on the next tick")
}

func TestFailTaskAbandonsBlockersAndFreesAgent(t *testing.T) {
	s, blockers, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)
	task := inProgressTask(t, s, p.ID, a.ID)

	b, err := blockers.Raise(task.ID, a.ID, models.BlockerAsync, models.SeverityLow, "open question", nil)
	require.NoError(t, err)

	require.NoError(t, s.FailTask(task.ID, "operator gave up"))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)

	agent, err := s.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentIdle, agent.Status)

	blk, err := blockers.Get(b.ID)
	require.NoError(t, err)
	assert.False(t, blk.IsOpen())
	assert.Equal(t, models.AbandonedAnswer, blk.Answer)
}

func TestDiscoveryAnswerAdvancesToPlanning(t *testing.T) {
	s, blockers, db := setupScheduler(t)

	p, err := s.CreateProject("discovering", "", "")
	require.NoError(t, err)
	lead, err := s.CreateAgent("lead", models.AgentLead, "claude", models.MaturityD3)
	require.NoError(t, err)
	require.NoError(t, s.AssignAgent(p.ID, lead.ID, "lead"))
	err = store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateProjectStatusTx(tx, p.ID, models.ProjectRunning, p.Version)
	})
	require.NoError(t, err)

	task, err := s.CreateTask(store.CreateTaskParams{ProjectID: p.ID, Title: "discovery"})
	require.NoError(t, err)

	q1, err := blockers.Raise(task.ID, lead.ID, models.BlockerSync, models.SeverityMedium, "what stack?", nil)
	require.NoError(t, err)
	q2, err := blockers.Raise(task.ID, lead.ID, models.BlockerSync, models.SeverityMedium, "what database?", nil)
	require.NoError(t, err)

	progress, err := s.DiscoveryProgressFor(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 0, progress.Answered)
	assert.False(t, progress.Complete)

	_, err = s.SubmitDiscoveryAnswer(q1.ID, "Go")
	require.NoError(t, err)
	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDiscovery, got.Phase, "one open question keeps discovery going")

	_, err = s.SubmitDiscoveryAnswer(q2.ID, "sqlite")
	require.NoError(t, err)
	got, err = s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePlanning, got.Phase)

	progress, err = s.DiscoveryProgressFor(p.ID)
	require.NoError(t, err)
	assert.True(t, progress.Complete)
}

func TestSnapshotCoversProjectState(t *testing.T) {
	s, blockers, db := setupScheduler(t)
	p, a := seedRunningProject(t, s, db)
	task := inProgressTask(t, s, p.ID, a.ID)

	_, err := blockers.Raise(task.ID, a.ID, models.BlockerAsync, models.SeverityLow, "fyi", nil)
	require.NoError(t, err)

	snap, err := s.Snapshot(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, snap.Project.ID)
	assert.Len(t, snap.Tasks, 1)
	assert.Len(t, snap.Agents, 1)
	assert.Len(t, snap.Blockers, 1)
}
