package store

import (
	"database/sql"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// AddTaskDependency adds a dependency edge between two tasks of the same
// project, rejecting cycles.
func AddTaskDependency(db *sql.DB, taskID, dependsOnTaskID string) error {
	return Transact(db, func(tx *sql.Tx) error {
		return AddTaskDependencyTx(tx, taskID, dependsOnTaskID)
	})
}

// AddTaskDependencyTx is the in-transaction variant of AddTaskDependency.
// Idempotent: re-adding an existing edge is a no-op.
func AddTaskDependencyTx(tx *sql.Tx, taskID, dependsOnTaskID string) error {
	if taskID == dependsOnTaskID {
		return &models.ValidationError{Field: "depends_on", Reason: "task cannot depend on itself"}
	}

	task, err := GetTaskTx(tx, taskID)
	if err != nil {
		return err
	}
	dep, err := GetTaskTx(tx, dependsOnTaskID)
	if err != nil {
		return err
	}

	// Dependencies never cross projects.
	if task.ProjectID != dep.ProjectID {
		return &models.ValidationError{Field: "depends_on", Reason: "dependency crosses projects"}
	}

	if err := detectCycleTx(tx, taskID, dependsOnTaskID); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_task_id)
		VALUES (?, ?)
	`, taskID, dependsOnTaskID)
	if err != nil {
		return fmt.Errorf("failed to insert dependency: %w", err)
	}
	return nil
}

// RemoveTaskDependency removes a dependency edge.
func RemoveTaskDependency(db *sql.DB, taskID, dependsOnTaskID string) error {
	return Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_task_id = ?
		`, taskID, dependsOnTaskID)
		if err != nil {
			return fmt.Errorf("failed to remove dependency: %w", err)
		}
		return nil
	})
}

// GetTaskDependencies returns the IDs a task depends on.
func GetTaskDependencies(db *sql.DB, taskID string) ([]string, error) {
	var deps []string
	err := RetryWithBackoff(func() error {
		var qerr error
		deps, qerr = queryStringColumn(db, `
			SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id
		`, taskID)
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get dependencies: %w", err)
	}
	return deps, nil
}

// GetDependentTaskIDsTx returns the tasks that depend on taskID (reverse
// edges). The scheduler uses this to unblock dependents on completion.
func GetDependentTaskIDsTx(tx *sql.Tx, taskID string) ([]string, error) {
	return queryStringColumn(tx, `
		SELECT task_id FROM task_dependencies WHERE depends_on_task_id = ? ORDER BY task_id
	`, taskID)
}

// HasUnresolvedDependenciesTx reports whether any dependency of taskID is
// not yet completed.
func HasUnresolvedDependenciesTx(tx *sql.Tx, taskID string) (bool, error) {
	var one int
	err := tx.QueryRow(`
		SELECT 1 FROM task_dependencies td
		JOIN tasks dep ON dep.id = td.depends_on_task_id
		WHERE td.task_id = ? AND dep.status != 'completed'
		LIMIT 1
	`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check unresolved dependencies: %w", err)
	}
	return true, nil
}

// detectCycleTx performs BFS from dependsOnTaskID following
// task_dependencies edges. If it reaches taskID, adding
// taskID→dependsOnTaskID would create a cycle.
// Max 1000 nodes to prevent runaway traversals.
func detectCycleTx(tx *sql.Tx, taskID, dependsOnTaskID string) error {
	const maxNodes = 1000

	visited := map[string]bool{dependsOnTaskID: true}
	queue := []string{dependsOnTaskID}
	examined := 0

	for len(queue) > 0 && examined < maxNodes {
		current := queue[0]
		queue = queue[1:]
		examined++

		neighbors, err := queryStringColumn(tx, `
			SELECT depends_on_task_id
			FROM task_dependencies
			WHERE task_id = ?
		`, current)
		if err != nil {
			return fmt.Errorf("failed to query deps during cycle check: %w", err)
		}

		for _, neighbor := range neighbors {
			if neighbor == taskID {
				return &models.ValidationError{
					Field:  "depends_on",
					Reason: fmt.Sprintf("dependency cycle: adding %s → %s would create a cycle", taskID, dependsOnTaskID),
				}
			}
			if !visited[neighbor] {
				visited[neighbor] = true
				queue = append(queue, neighbor)
			}
		}
	}

	return nil
}
