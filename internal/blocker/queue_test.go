package blocker

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

func setupQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()

	db, err := store.InitDBWithPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return New(db, nil), db
}

func seedTask(t *testing.T, db *sql.DB) (*models.Project, *models.Agent, *models.Task) {
	t.Helper()

	p, err := store.CreateProject(db, "blocked-project", "", "")
	require.NoError(t, err)
	a, err := store.CreateAgent(db, "worker", models.AgentBackend, "claude", models.MaturityD2)
	require.NoError(t, err)
	task, err := store.CreateTask(db, store.CreateTaskParams{ProjectID: p.ID, Title: "stuck"})
	require.NoError(t, err)
	return p, a, task
}

func TestRaiseSyncBlocksTask(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	b, err := q.Raise(task.ID, agent.ID, models.BlockerSync, models.SeverityHigh, "need credentials", nil)
	require.NoError(t, err)

	assert.Contains(t, b.ID, "blk_")
	assert.True(t, b.IsOpen())

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskBlocked, got.Status)
}

func TestRaiseAsyncLeavesTaskAlone(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	_, err := q.Raise(task.ID, agent.ID, models.BlockerAsync, models.SeverityLow, "fyi", nil)
	require.NoError(t, err)

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestRaiseOnTerminalTaskRejected(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	err := store.Transact(db, func(tx *sql.Tx) error {
		return store.UpdateTaskStatusTx(tx, task.ID, models.TaskCompleted, task.Version)
	})
	require.NoError(t, err)

	_, err = q.Raise(task.ID, agent.ID, models.BlockerSync, models.SeverityHigh, "too late", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestResolveWakesWaiterAndUnblocksTask(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	b, err := q.Raise(task.ID, agent.ID, models.BlockerSync, models.SeverityHigh, "which region?", nil)
	require.NoError(t, err)

	answered := make(chan string, 1)
	go func() {
		answer, err := q.Await(context.Background(), b.ID)
		if err != nil {
			answered <- "error: " + err.Error()
			return
		}
		answered <- answer
	}()

	resolved, err := q.Resolve(b.ID, "us-east-1")
	require.NoError(t, err)
	assert.False(t, resolved.IsOpen())
	assert.Equal(t, "us-east-1", resolved.Answer)

	select {
	case answer := <-answered:
		assert.Equal(t, "us-east-1", answer)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, got.Status)
	assert.Equal(t, task.Attempt, got.Attempt)
}

func TestAwaitAfterResolveReadsPersistedAnswer(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	b, err := q.Raise(task.ID, agent.ID, models.BlockerSync, models.SeverityMedium, "q", nil)
	require.NoError(t, err)

	_, err = q.Resolve(b.ID, "the answer")
	require.NoError(t, err)

	// The waitable is gone; Await falls back to the stored answer.
	answer, err := q.Await(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "the answer", answer)
}

func TestAwaitRespectsContext(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	b, err := q.Raise(task.ID, agent.ID, models.BlockerSync, models.SeverityMedium, "q", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = q.Await(ctx, b.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveTwiceRejected(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	b, err := q.Raise(task.ID, agent.ID, models.BlockerSync, models.SeverityMedium, "q", nil)
	require.NoError(t, err)

	_, err = q.Resolve(b.ID, "first")
	require.NoError(t, err)

	_, err = q.Resolve(b.ID, "second")
	assert.Error(t, err)
}

func TestAbandonTaskResolvesOpenBlockers(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	b, err := q.Raise(task.ID, agent.ID, models.BlockerSync, models.SeverityHigh, "q", nil)
	require.NoError(t, err)

	answered := make(chan string, 1)
	go func() {
		answer, _ := q.Await(context.Background(), b.ID)
		answered <- answer
	}()

	require.NoError(t, q.AbandonTask(task.ID))

	select {
	case answer := <-answered:
		assert.Equal(t, models.AbandonedAnswer, answer)
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned waiter was never woken")
	}

	got, err := q.Get(b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOpen())
	assert.Equal(t, models.AbandonedAnswer, got.Answer)
}

func TestExpireDeadlines(t *testing.T) {
	q, db := setupQueue(t)
	_, agent, task := seedTask(t, db)

	past := time.Now().Add(-time.Minute)
	expired, err := q.Raise(task.ID, agent.ID, models.BlockerAsync, models.SeverityLow, "expired", &past)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	_, err = q.Raise(task.ID, agent.ID, models.BlockerAsync, models.SeverityLow, "still fine", &future)
	require.NoError(t, err)

	resolved, err := q.ExpireDeadlines(time.Now())
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, expired.ID, resolved[0].ID)
	assert.Equal(t, models.AbandonedAnswer, resolved[0].Answer)
}

func TestListAndMetrics(t *testing.T) {
	q, db := setupQueue(t)
	p, agent, task := seedTask(t, db)

	open, err := q.Raise(task.ID, agent.ID, models.BlockerSync, models.SeverityHigh, "open one", nil)
	require.NoError(t, err)
	closed, err := q.Raise(task.ID, agent.ID, models.BlockerAsync, models.SeverityLow, "closed one", nil)
	require.NoError(t, err)
	_, err = q.Resolve(closed.ID, "done")
	require.NoError(t, err)

	openOnly, err := q.List(p.ID, true)
	require.NoError(t, err)
	require.Len(t, openOnly, 1)
	assert.Equal(t, open.ID, openOnly[0].ID)

	all, err := q.List(p.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	metrics, err := q.Metrics(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.OpenCount)
	assert.Equal(t, 1, metrics.CountByKind[models.BlockerSync])
	assert.Equal(t, 1, metrics.CountByKind[models.BlockerAsync])
}
