package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// CreateBlockerTx inserts a blocker row. Task status changes are the
// BlockerQueue's responsibility, not the store's.
func CreateBlockerTx(tx *sql.Tx, taskID, agentID string, kind models.BlockerKind, severity models.BlockerSeverity, prompt string, deadline *time.Time) (*models.Blocker, error) {
	if prompt == "" {
		return nil, &models.ValidationError{Field: "prompt", Reason: "blocker prompt is required"}
	}
	if kind != models.BlockerSync && kind != models.BlockerAsync {
		return nil, &models.ValidationError{Field: "kind", Reason: "kind must be SYNC or ASYNC"}
	}
	if severity == "" {
		severity = models.SeverityMedium
	}

	blockerID := GenerateBlockerID()
	_, err := tx.Exec(`
		INSERT INTO blockers (id, task_id, agent_id, kind, severity, prompt, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, blockerID, taskID, agentID, kind, severity, prompt, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to insert blocker: %w", err)
	}

	return GetBlockerTx(tx, blockerID)
}

// GetBlocker fetches one blocker by ID.
func GetBlocker(db *sql.DB, blockerID string) (*models.Blocker, error) {
	var blocker *models.Blocker
	err := RetryWithBackoff(func() error {
		b, err := scanBlocker(db.QueryRow(`SELECT `+blockerColumns+` FROM blockers WHERE id = ?`, blockerID))
		if err != nil {
			return notFoundOnNoRows(err, "blocker", blockerID)
		}
		blocker = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocker, nil
}

// GetBlockerTx fetches one blocker inside an existing transaction.
func GetBlockerTx(tx *sql.Tx, blockerID string) (*models.Blocker, error) {
	b, err := scanBlocker(tx.QueryRow(`SELECT `+blockerColumns+` FROM blockers WHERE id = ?`, blockerID))
	if err != nil {
		return nil, notFoundOnNoRows(err, "blocker", blockerID)
	}
	return b, nil
}

// ResolveBlockerTx records the answer and resolution time. Returns the
// resolved blocker. Resolving twice is a validation error.
func ResolveBlockerTx(tx *sql.Tx, blockerID, answer string) (*models.Blocker, error) {
	b, err := GetBlockerTx(tx, blockerID)
	if err != nil {
		return nil, err
	}
	if !b.IsOpen() {
		return nil, &models.ValidationError{Field: "blocker_id", Reason: "blocker already resolved"}
	}

	_, err = tx.Exec(`
		UPDATE blockers SET answer = ?, resolved_at = CURRENT_TIMESTAMP WHERE id = ?
	`, answer, blockerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blocker: %w", err)
	}
	return GetBlockerTx(tx, blockerID)
}

// AbandonTaskBlockersTx resolves every open blocker of a task with the
// sentinel answer. Called when the owning task fails or is deleted.
// Returns the IDs of the blockers it closed.
func AbandonTaskBlockersTx(tx *sql.Tx, taskID string) ([]string, error) {
	ids, err := queryStringColumn(tx, `
		SELECT id FROM blockers WHERE task_id = ? AND resolved_at IS NULL
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open blockers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.Exec(`
		UPDATE blockers SET answer = ?, resolved_at = CURRENT_TIMESTAMP
		WHERE task_id = ? AND resolved_at IS NULL
	`, models.AbandonedAnswer, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to abandon blockers: %w", err)
	}
	return ids, nil
}

// ListBlockers returns a project's blockers (via its tasks), newest first.
func ListBlockers(db *sql.DB, projectID string, openOnly bool) ([]*models.Blocker, error) {
	query := `
		SELECT ` + prefixColumns("b", blockerColumns) + `
		FROM blockers b
		JOIN tasks t ON t.id = b.task_id
		WHERE t.project_id = ?`
	if openOnly {
		query += ` AND b.resolved_at IS NULL`
	}
	query += ` ORDER BY b.created_at DESC`

	var blockers []*models.Blocker
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(query, projectID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		blockers = blockers[:0]
		for rows.Next() {
			b, err := scanBlocker(rows)
			if err != nil {
				return err
			}
			blockers = append(blockers, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blockers: %w", err)
	}
	return blockers, nil
}

// ListExpiredBlockers returns open blockers whose deadline has passed.
func ListExpiredBlockers(db *sql.DB, now time.Time) ([]*models.Blocker, error) {
	var blockers []*models.Blocker
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`
			SELECT `+blockerColumns+` FROM blockers
			WHERE resolved_at IS NULL AND deadline IS NOT NULL AND deadline <= ?
		`, now)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		blockers = blockers[:0]
		for rows.Next() {
			b, err := scanBlocker(rows)
			if err != nil {
				return err
			}
			blockers = append(blockers, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired blockers: %w", err)
	}
	return blockers, nil
}

// BlockerMetrics aggregates blocker counts and resolution latency for a project.
type BlockerMetrics struct {
	CountByKind      map[models.BlockerKind]int `json:"count_by_kind"`
	OpenCount        int                        `json:"open_count"`
	AvgTimeToResolve time.Duration              `json:"avg_time_to_resolve"`
}

// GetBlockerMetrics computes metrics over all blockers of a project.
func GetBlockerMetrics(db *sql.DB, projectID string) (*BlockerMetrics, error) {
	m := &BlockerMetrics{CountByKind: map[models.BlockerKind]int{}}
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`
			SELECT b.kind, b.created_at, b.resolved_at
			FROM blockers b
			JOIN tasks t ON t.id = b.task_id
			WHERE t.project_id = ?
		`, projectID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		m.CountByKind = map[models.BlockerKind]int{}
		m.OpenCount = 0
		var total time.Duration
		var resolved int
		for rows.Next() {
			var kind models.BlockerKind
			var createdAt time.Time
			var resolvedAt sql.NullTime
			if err := rows.Scan(&kind, &createdAt, &resolvedAt); err != nil {
				return err
			}
			m.CountByKind[kind]++
			if resolvedAt.Valid {
				total += resolvedAt.Time.Sub(createdAt)
				resolved++
			} else {
				m.OpenCount++
			}
		}
		if resolved > 0 {
			m.AvgTimeToResolve = total / time.Duration(resolved)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute blocker metrics: %w", err)
	}
	return m, nil
}
