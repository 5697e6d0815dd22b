package store

import (
	"database/sql"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// InsertCheckpointTx persists a checkpoint row. The snapshot blob is built by
// the checkpoint engine; the store treats it as opaque.
func InsertCheckpointTx(tx *sql.Tx, projectID, name, description, gitRef string, snapshot []byte) (*models.Checkpoint, error) {
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "checkpoint name is required"}
	}

	checkpointID := GenerateCheckpointID()
	_, err := tx.Exec(`
		INSERT INTO checkpoints (id, project_id, name, description, git_ref, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
	`, checkpointID, projectID, name, description, gitRef, snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	return GetCheckpointTx(tx, checkpointID)
}

// GetCheckpoint fetches one checkpoint by ID, including the snapshot blob.
func GetCheckpoint(db *sql.DB, checkpointID string) (*models.Checkpoint, error) {
	var ckpt *models.Checkpoint
	err := RetryWithBackoff(func() error {
		c, err := scanCheckpoint(db.QueryRow(`
			SELECT id, project_id, name, description, git_ref, snapshot, created_at
			FROM checkpoints WHERE id = ?
		`, checkpointID))
		if err != nil {
			return notFoundOnNoRows(err, "checkpoint", checkpointID)
		}
		ckpt = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ckpt, nil
}

// GetCheckpointTx fetches one checkpoint inside an existing transaction.
func GetCheckpointTx(tx *sql.Tx, checkpointID string) (*models.Checkpoint, error) {
	c, err := scanCheckpoint(tx.QueryRow(`
		SELECT id, project_id, name, description, git_ref, snapshot, created_at
		FROM checkpoints WHERE id = ?
	`, checkpointID))
	if err != nil {
		return nil, notFoundOnNoRows(err, "checkpoint", checkpointID)
	}
	return c, nil
}

func scanCheckpoint(r rowScanner) (*models.Checkpoint, error) {
	var c models.Checkpoint
	err := r.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Description, &c.GitRef, &c.Snapshot, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCheckpoints returns a project's checkpoints without snapshot blobs,
// newest first.
func ListCheckpoints(db *sql.DB, projectID string) ([]*models.Checkpoint, error) {
	var checkpoints []*models.Checkpoint
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`
			SELECT id, project_id, name, description, git_ref, created_at
			FROM checkpoints WHERE project_id = ? ORDER BY created_at DESC, id DESC
		`, projectID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		checkpoints = checkpoints[:0]
		for rows.Next() {
			var c models.Checkpoint
			if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Description, &c.GitRef, &c.CreatedAt); err != nil {
				return err
			}
			checkpoints = append(checkpoints, &c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return checkpoints, nil
}

// DeleteCheckpoint removes a checkpoint. Checkpoints are immutable otherwise.
func DeleteCheckpoint(db *sql.DB, checkpointID string) error {
	return Transact(db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM checkpoints WHERE id = ?`, checkpointID)
		if err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if ra == 0 {
			return &models.NotFoundError{Entity: "checkpoint", ID: checkpointID}
		}
		return nil
	})
}
