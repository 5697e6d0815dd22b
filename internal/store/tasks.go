package store

import (
	"database/sql"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// CreateTaskParams carries optional attributes for task creation.
type CreateTaskParams struct {
	ProjectID   string
	Title       string
	Description string
	Priority    int
	AgentType   models.AgentType
	DependsOn   []string
}

// CreateTask inserts a task and its dependency edges in one transaction.
func CreateTask(db *sql.DB, params CreateTaskParams) (*models.Task, error) {
	var task *models.Task
	err := Transact(db, func(tx *sql.Tx) error {
		t, err := CreateTaskTx(tx, params)
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

// CreateTaskTx is the in-transaction variant of CreateTask.
func CreateTaskTx(tx *sql.Tx, params CreateTaskParams) (*models.Task, error) {
	if params.Title == "" {
		return nil, &models.ValidationError{Field: "title", Reason: "task title is required"}
	}
	if params.AgentType == "" {
		params.AgentType = models.AgentBackend
	}
	if _, err := GetProjectTx(tx, params.ProjectID); err != nil {
		return nil, err
	}

	taskID := GenerateTaskID()
	_, err := tx.Exec(`
		INSERT INTO tasks (id, project_id, title, description, priority, agent_type)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, params.ProjectID, params.Title, params.Description, params.Priority, params.AgentType)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	for _, dep := range params.DependsOn {
		if err := AddTaskDependencyTx(tx, taskID, dep); err != nil {
			return nil, err
		}
	}

	return GetTaskTx(tx, taskID)
}

// GetTask fetches one task by ID, including its dependency list.
func GetTask(db *sql.DB, taskID string) (*models.Task, error) {
	var task *models.Task
	err := Transact(db, func(tx *sql.Tx) error {
		t, err := GetTaskTx(tx, taskID)
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

// GetTaskTx fetches one task inside an existing transaction.
func GetTaskTx(tx *sql.Tx, taskID string) (*models.Task, error) {
	t, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if err != nil {
		return nil, notFoundOnNoRows(err, "task", taskID)
	}
	deps, err := queryStringColumn(tx, `
		SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_task_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task dependencies: %w", err)
	}
	t.DependsOn = deps
	return t, nil
}

// ListTasks returns a project's tasks, optionally filtered by status.
// Ordered by priority DESC, created_at ASC, id ASC (the dispatch order).
func ListTasks(db *sql.DB, projectID string, status models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	var tasks []*models.Task
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		tasks = tasks[:0]
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatusTx transitions task status with a version CAS.
func UpdateTaskStatusTx(tx *sql.Tx, taskID string, status models.TaskStatus, expectedVersion int) error {
	res, err := tx.Exec(`
		UPDATE tasks
		SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, status, taskID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return requireRowAffected(res, "task", taskID, expectedVersion)
}

// SetTaskAssignmentTx sets assigned_to and moves the task to assigned with a
// version CAS. Racing assigns produce exactly one winner.
func SetTaskAssignmentTx(tx *sql.Tx, taskID, agentID string, expectedVersion int) error {
	res, err := tx.Exec(`
		UPDATE tasks
		SET status = ?, assigned_to = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, models.TaskAssigned, agentID, taskID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to assign task: %w", err)
	}
	return requireRowAffected(res, "task", taskID, expectedVersion)
}

// ClearTaskAssignmentTx returns a task to the pending pool.
func ClearTaskAssignmentTx(tx *sql.Tx, taskID string) error {
	_, err := tx.Exec(`
		UPDATE tasks
		SET status = ?, assigned_to = '', version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.TaskPending, taskID)
	if err != nil {
		return fmt.Errorf("failed to clear task assignment: %w", err)
	}
	return nil
}

// RecordGateOutcomeTx stores the aggregate quality-gate verdict and bumps the
// attempt counter on failure.
func RecordGateOutcomeTx(tx *sql.Tx, taskID string, status models.GateStatus) error {
	query := `
		UPDATE tasks
		SET quality_gate_status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`
	if status == models.GateFailed {
		query = `
		UPDATE tasks
		SET quality_gate_status = ?, quality_gate_failures = quality_gate_failures + 1,
		    attempt = attempt + 1, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`
	}
	res, err := tx.Exec(query, status, taskID)
	if err != nil {
		return fmt.Errorf("failed to record gate outcome: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if ra == 0 {
		return &models.NotFoundError{Entity: "task", ID: taskID}
	}
	return nil
}

// AgentHasTaskInProgressTx reports whether agent already holds an
// in_progress task (per-agent exclusivity invariant).
func AgentHasTaskInProgressTx(tx *sql.Tx, agentID string) (bool, error) {
	var one int
	err := tx.QueryRow(`
		SELECT 1 FROM tasks WHERE assigned_to = ? AND status = ? LIMIT 1
	`, agentID, models.TaskInProgress).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check in-progress tasks: %w", err)
	}
	return true, nil
}

// TaskStatusCounts aggregates a project's tasks by status.
type TaskStatusCounts struct {
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Review     int `json:"review"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the sum of all counts.
func (c TaskStatusCounts) Total() int {
	return c.Pending + c.Assigned + c.InProgress + c.Blocked + c.Review + c.Completed + c.Failed
}

// CountTasksByStatus aggregates task counts for a project.
func CountTasksByStatus(db *sql.DB, projectID string) (TaskStatusCounts, error) {
	var counts TaskStatusCounts
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`
			SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status
		`, projectID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		counts = TaskStatusCounts{}
		for rows.Next() {
			var status models.TaskStatus
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			switch status {
			case models.TaskPending:
				counts.Pending = n
			case models.TaskAssigned:
				counts.Assigned = n
			case models.TaskInProgress:
				counts.InProgress = n
			case models.TaskBlocked:
				counts.Blocked = n
			case models.TaskReview:
				counts.Review = n
			case models.TaskCompleted:
				counts.Completed = n
			case models.TaskFailed:
				counts.Failed = n
			}
		}
		return rows.Err()
	})
	if err != nil {
		return counts, fmt.Errorf("failed to count tasks: %w", err)
	}
	return counts, nil
}
