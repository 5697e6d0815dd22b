// Package blocker implements the human-in-the-loop blocker queue. SYNC
// blockers suspend the owning task and park the raising worker on a
// per-blocker waitable; resolution wakes exactly one waiter. ASYNC blockers
// are informational.
package blocker

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// Queue is the blocker service. One instance per process.
type Queue struct {
	db  *sql.DB
	bus *bus.Bus

	mu      sync.Mutex
	waiters map[string]chan string // blocker_id → buffered answer channel
}

// New creates a Queue. b may be nil (no event emission, tests).
func New(db *sql.DB, b *bus.Bus) *Queue {
	return &Queue{
		db:      db,
		bus:     b,
		waiters: make(map[string]chan string),
	}
}

// Raise opens a blocker for a task. A SYNC blocker moves the task to
// blocked inside the same transaction; the caller then parks on Await.
func (q *Queue) Raise(taskID, agentID string, kind models.BlockerKind, severity models.BlockerSeverity, prompt string, deadline *time.Time) (*models.Blocker, error) {
	var blocker *models.Blocker
	var projectID string

	err := store.Transact(q.db, func(tx *sql.Tx) error {
		task, err := store.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		projectID = task.ProjectID
		if task.Status.IsTerminal() {
			return &models.ValidationError{Field: "task_id", Reason: "cannot raise a blocker on a terminal task"}
		}
		if _, err := store.GetAgentTx(tx, agentID); err != nil {
			return err
		}

		blocker, err = store.CreateBlockerTx(tx, taskID, agentID, kind, severity, prompt, deadline)
		if err != nil {
			return err
		}

		if kind == models.BlockerSync {
			if err := store.UpdateTaskStatusTx(tx, taskID, models.TaskBlocked, task.Version); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if blocker.Kind == models.BlockerSync {
		q.mu.Lock()
		// Buffered so Resolve never blocks if the waiter has not parked yet.
		q.waiters[blocker.ID] = make(chan string, 1)
		q.mu.Unlock()
	}

	q.publish(models.EventBlockerRaised, projectID, blocker)
	if blocker.Kind == models.BlockerSync {
		q.publish(models.EventTaskBlocked, projectID, blocker)
	}
	return blocker, nil
}

// Await parks the raising worker until the blocker is resolved or ctx is
// done. Only the raiser should call this; resolution wakes exactly one
// waiter because each blocker has exactly one channel with one receiver.
func (q *Queue) Await(ctx context.Context, blockerID string) (string, error) {
	q.mu.Lock()
	ch, ok := q.waiters[blockerID]
	q.mu.Unlock()
	if !ok {
		// Already resolved (or never SYNC): read the persisted answer.
		b, err := store.GetBlocker(q.db, blockerID)
		if err != nil {
			return "", err
		}
		if b.IsOpen() {
			return "", &models.ValidationError{Field: "blocker_id", Reason: "blocker has no waitable (not SYNC?)"}
		}
		return b.Answer, nil
	}

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve records the answer, returns a SYNC blocker's task to assigned
// (attempt counter untouched), and wakes the waiter.
func (q *Queue) Resolve(blockerID, answer string) (*models.Blocker, error) {
	var blocker *models.Blocker
	var projectID string

	err := store.Transact(q.db, func(tx *sql.Tx) error {
		b, err := store.ResolveBlockerTx(tx, blockerID, answer)
		if err != nil {
			return err
		}
		blocker = b

		task, err := store.GetTaskTx(tx, b.TaskID)
		if err != nil {
			return err
		}
		projectID = task.ProjectID

		if b.Kind == models.BlockerSync && task.Status == models.TaskBlocked {
			if err := store.UpdateTaskStatusTx(tx, task.ID, models.TaskAssigned, task.Version); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.wake(blockerID, answer)

	q.publish(models.EventBlockerResolved, projectID, blocker)
	if blocker.Kind == models.BlockerSync {
		q.publish(models.EventTaskUnblocked, projectID, blocker)
	}
	return blocker, nil
}

// AbandonTask resolves every open blocker of a task with the sentinel
// answer and wakes their waiters. Called when the owning task fails or is
// deleted.
func (q *Queue) AbandonTask(taskID string) error {
	var ids []string
	err := store.Transact(q.db, func(tx *sql.Tx) error {
		var err error
		ids, err = store.AbandonTaskBlockersTx(tx, taskID)
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		q.wake(id, models.AbandonedAnswer)
	}
	return nil
}

// ExpireDeadlines auto-resolves open blockers whose deadline has passed with
// the sentinel answer. The expired blockers are returned so the scheduler
// can fail their tasks.
func (q *Queue) ExpireDeadlines(now time.Time) ([]*models.Blocker, error) {
	expired, err := store.ListExpiredBlockers(q.db, now)
	if err != nil {
		return nil, err
	}
	var resolved []*models.Blocker
	for _, b := range expired {
		r, err := q.Resolve(b.ID, models.AbandonedAnswer)
		if err != nil {
			return resolved, err
		}
		resolved = append(resolved, r)
	}
	return resolved, nil
}

// List returns a project's blockers.
func (q *Queue) List(projectID string, openOnly bool) ([]*models.Blocker, error) {
	return store.ListBlockers(q.db, projectID, openOnly)
}

// Metrics returns blocker counts and resolution latency for a project.
func (q *Queue) Metrics(projectID string) (*store.BlockerMetrics, error) {
	return store.GetBlockerMetrics(q.db, projectID)
}

// Get fetches one blocker.
func (q *Queue) Get(blockerID string) (*models.Blocker, error) {
	return store.GetBlocker(q.db, blockerID)
}

func (q *Queue) wake(blockerID, answer string) {
	q.mu.Lock()
	ch, ok := q.waiters[blockerID]
	if ok {
		delete(q.waiters, blockerID)
	}
	q.mu.Unlock()
	if ok {
		ch <- answer // buffered; never blocks
	}
}

func (q *Queue) publish(eventType, projectID string, b *models.Blocker) {
	if q.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"blocker_id": b.ID,
		"task_id":    b.TaskID,
		"kind":       b.Kind,
		"severity":   b.Severity,
	})
	q.bus.Publish(&models.Event{
		Type:      eventType,
		ProjectID: projectID,
		AgentID:   b.AgentID,
		TaskID:    b.TaskID,
		Payload:   payload,
	})
}
