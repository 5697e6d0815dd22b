// Package checkpoint implements atomic project-state snapshots: create,
// restore, diff. A snapshot captures the project's rows plus a workspace git
// reference; restore rewrites the rows and resets the workspace under the
// project's exclusive lock.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// Workspace is the slice of workspace behavior the engine needs: committing
// the current tree for a checkpoint and resetting it on restore.
type Workspace interface {
	Commit(ctx context.Context, projectID, message string) (ref string, err error)
	Reset(ctx context.Context, projectID, ref string) error
}

// Engine creates, restores, and diffs checkpoints. One instance per process.
type Engine struct {
	db    *sql.DB
	bus   *bus.Bus
	locks *store.ProjectLocks
	ws    Workspace
}

// New creates an Engine. ws may be nil (no workspace integration, tests);
// checkpoints then carry an empty git ref.
func New(db *sql.DB, b *bus.Bus, locks *store.ProjectLocks, ws Workspace) *Engine {
	return &Engine{db: db, bus: b, locks: locks, ws: ws}
}

// Create captures a project's full state under its exclusive lock. The git
// ref is taken first so the snapshot and the workspace commit describe the
// same moment.
func (e *Engine) Create(ctx context.Context, projectID, name, description string) (*models.Checkpoint, error) {
	e.locks.Lock(projectID)
	defer e.locks.Unlock(projectID)

	gitRef := ""
	if e.ws != nil {
		ref, err := e.ws.Commit(ctx, projectID, "checkpoint: "+name)
		if err != nil {
			return nil, fmt.Errorf("failed to commit workspace: %w", err)
		}
		gitRef = ref
	}

	var ckpt *models.Checkpoint
	err := store.Transact(e.db, func(tx *sql.Tx) error {
		snap, err := store.SnapshotProjectTx(tx, projectID)
		if err != nil {
			return err
		}
		blob, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		ckpt, err = store.InsertCheckpointTx(tx, projectID, name, description, gitRef, blob)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publish(models.EventCheckpointCreated, projectID, map[string]any{
		"checkpoint_id": ckpt.ID,
		"name":          ckpt.Name,
	})
	return ckpt, nil
}

// Restore rewrites the project to a checkpoint's snapshot and resets the
// workspace to its git ref. Agents mid-task at restore time see their task
// come back as assigned; the restored event tells runtimes to drop in-memory
// state and re-hydrate.
func (e *Engine) Restore(ctx context.Context, checkpointID string) error {
	ckpt, err := store.GetCheckpoint(e.db, checkpointID)
	if err != nil {
		return err
	}

	var snap store.ProjectSnapshot
	if err := json.Unmarshal(ckpt.Snapshot, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot %s: %w", checkpointID, err)
	}

	e.locks.Lock(ckpt.ProjectID)
	defer e.locks.Unlock(ckpt.ProjectID)

	err = store.Transact(e.db, func(tx *sql.Tx) error {
		return store.RestoreProjectSnapshotTx(tx, &snap)
	})
	if err != nil {
		return err
	}

	if e.ws != nil && ckpt.GitRef != "" {
		if err := e.ws.Reset(ctx, ckpt.ProjectID, ckpt.GitRef); err != nil {
			// Rows are already restored; the workspace divergence is
			// recoverable by re-running restore.
			slog.Warn("workspace reset failed after checkpoint restore",
				"checkpoint_id", checkpointID, "git_ref", ckpt.GitRef, "error", err)
		}
	}

	e.publish(models.EventCheckpointRestored, ckpt.ProjectID, map[string]any{
		"checkpoint_id": ckpt.ID,
		"name":          ckpt.Name,
		"git_ref":       ckpt.GitRef,
	})
	return nil
}

// Diff compares a checkpoint's snapshot against the project's current state.
func (e *Engine) Diff(checkpointID string) (*Diff, error) {
	ckpt, err := store.GetCheckpoint(e.db, checkpointID)
	if err != nil {
		return nil, err
	}

	var then store.ProjectSnapshot
	if err := json.Unmarshal(ckpt.Snapshot, &then); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", checkpointID, err)
	}

	e.locks.Lock(ckpt.ProjectID)
	defer e.locks.Unlock(ckpt.ProjectID)

	var now *store.ProjectSnapshot
	err = store.Transact(e.db, func(tx *sql.Tx) error {
		var err error
		now, err = store.SnapshotProjectTx(tx, ckpt.ProjectID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return computeDiff(&then, now), nil
}

// List returns a project's checkpoints, newest first, without snapshot blobs.
func (e *Engine) List(projectID string) ([]*models.Checkpoint, error) {
	return store.ListCheckpoints(e.db, projectID)
}

// Get fetches one checkpoint including its snapshot blob.
func (e *Engine) Get(checkpointID string) (*models.Checkpoint, error) {
	return store.GetCheckpoint(e.db, checkpointID)
}

// Delete removes a checkpoint permanently.
func (e *Engine) Delete(checkpointID string) error {
	return store.DeleteCheckpoint(e.db, checkpointID)
}

func (e *Engine) publish(eventType, projectID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	e.bus.Publish(&models.Event{Type: eventType, ProjectID: projectID, Payload: data})
}
