package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LintRun is one advisory lint gate execution.
type LintRun struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Issues    int       `json:"issues"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertLintRun records the issue count of one lint execution.
func InsertLintRun(db *sql.DB, projectID, taskID string, issues int, details string) error {
	return Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO lint_runs (project_id, task_id, issues, details)
			VALUES (?, ?, ?, ?)
		`, projectID, taskID, issues, details)
		if err != nil {
			return fmt.Errorf("failed to insert lint run: %w", err)
		}
		return nil
	})
}

// LintTrend returns the most recent lint runs for a project, newest first.
func LintTrend(db *sql.DB, projectID string, limit int) ([]*LintRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []*LintRun
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`
			SELECT id, project_id, task_id, issues, details, created_at
			FROM lint_runs WHERE project_id = ?
			ORDER BY id DESC LIMIT ?
		`, projectID, limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		runs = runs[:0]
		for rows.Next() {
			var r LintRun
			if err := rows.Scan(&r.ID, &r.ProjectID, &r.TaskID, &r.Issues, &r.Details, &r.CreatedAt); err != nil {
				return err
			}
			runs = append(runs, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load lint trend: %w", err)
	}
	return runs, nil
}
