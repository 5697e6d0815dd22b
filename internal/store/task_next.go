package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// GetNextReadyTask selects the next dispatchable task for an agent type on a
// project: status pending, all dependencies completed, project running.
// Ties break by (priority DESC, created_at ASC, id ASC). Returns nil (not an
// error) when no task is ready.
func GetNextReadyTask(db *sql.DB, projectID string, agentType models.AgentType) (*models.Task, error) {
	var task *models.Task
	err := Transact(db, func(tx *sql.Tx) error {
		t, err := GetNextReadyTaskTx(tx, projectID, agentType)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetNextReadyTaskTx is the in-transaction variant of GetNextReadyTask.
func GetNextReadyTaskTx(tx *sql.Tx, projectID string, agentType models.AgentType) (*models.Task, error) {
	query := `
		SELECT ` + prefixColumns("t", taskColumns) + `
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE t.project_id = ?
		  AND t.status = 'pending'
		  AND p.status = 'running'
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies td
			JOIN tasks dep ON dep.id = td.depends_on_task_id
			WHERE td.task_id = t.id AND dep.status != 'completed'
		  )
	`
	args := []any{projectID}
	// No work-stealing across agent types: a backend task never goes to a
	// frontend agent. Lead agents take any type.
	if agentType != "" && agentType != models.AgentLead {
		query += ` AND t.agent_type = ?`
		args = append(args, agentType)
	}
	query += ` ORDER BY t.priority DESC, t.created_at ASC, t.id ASC LIMIT 1`

	t, err := scanTask(tx.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next ready task: %w", err)
	}

	deps, err := queryStringColumn(tx, `
		SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id
	`, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task dependencies: %w", err)
	}
	t.DependsOn = deps
	return t, nil
}
