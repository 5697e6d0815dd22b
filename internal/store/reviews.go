package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// UpsertReviewReport persists a completed review keyed by (task_id, fingerprint).
func UpsertReviewReport(db *sql.DB, report *models.ReviewReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal review report: %w", err)
	}
	return Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO review_reports (task_id, fingerprint, report)
			VALUES (?, ?, ?)
			ON CONFLICT (task_id, fingerprint) DO UPDATE SET report = excluded.report
		`, report.TaskID, report.Fingerprint, string(data))
		if err != nil {
			return fmt.Errorf("failed to upsert review report: %w", err)
		}
		return nil
	})
}

// GetReviewReport fetches the report for (task_id, fingerprint), or nil.
func GetReviewReport(db *sql.DB, taskID, fingerprint string) (*models.ReviewReport, error) {
	var report *models.ReviewReport
	err := RetryWithBackoff(func() error {
		var data string
		err := db.QueryRow(`
			SELECT report FROM review_reports WHERE task_id = ? AND fingerprint = ?
		`, taskID, fingerprint).Scan(&data)
		if err == sql.ErrNoRows {
			report = nil
			return nil
		}
		if err != nil {
			return err
		}
		var r models.ReviewReport
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return fmt.Errorf("failed to unmarshal review report: %w", err)
		}
		report = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get review report: %w", err)
	}
	return report, nil
}

// DeleteReviewReports drops cached reports for a task (fingerprint
// invalidation after file writes).
func DeleteReviewReports(db *sql.DB, taskID string) error {
	return Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM review_reports WHERE task_id = ?`, taskID)
		if err != nil {
			return fmt.Errorf("failed to delete review reports: %w", err)
		}
		return nil
	})
}

// ListTaskReviews returns all reports stored for a task, newest first.
func ListTaskReviews(db *sql.DB, taskID string) ([]*models.ReviewReport, error) {
	return queryReviews(db, `
		SELECT report FROM review_reports WHERE task_id = ? ORDER BY created_at DESC
	`, taskID)
}

// ListProjectReviews returns all reports stored for a project's tasks.
func ListProjectReviews(db *sql.DB, projectID string) ([]*models.ReviewReport, error) {
	return queryReviews(db, `
		SELECT r.report FROM review_reports r
		JOIN tasks t ON t.id = r.task_id
		WHERE t.project_id = ? ORDER BY r.created_at DESC
	`, projectID)
}

func queryReviews(db *sql.DB, query string, args ...any) ([]*models.ReviewReport, error) {
	var reports []*models.ReviewReport
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		reports = reports[:0]
		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				return err
			}
			var r models.ReviewReport
			if err := json.Unmarshal([]byte(data), &r); err != nil {
				return fmt.Errorf("failed to unmarshal review report: %w", err)
			}
			reports = append(reports, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	return reports, nil
}

// ReviewStats aggregates issue counts by severity across a project's reviews.
type ReviewStats struct {
	ReportCount      int            `json:"report_count"`
	IssuesBySeverity map[string]int `json:"issues_by_severity"`
}

// GetReviewStats computes review statistics for a project.
func GetReviewStats(db *sql.DB, projectID string) (*ReviewStats, error) {
	reports, err := ListProjectReviews(db, projectID)
	if err != nil {
		return nil, err
	}
	stats := &ReviewStats{IssuesBySeverity: map[string]int{}}
	stats.ReportCount = len(reports)
	for _, r := range reports {
		for _, is := range r.Issues {
			stats.IssuesBySeverity[string(is.Severity)]++
		}
	}
	return stats, nil
}
