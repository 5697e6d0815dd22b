package store

import (
	"database/sql"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// ProjectSnapshot is the full row-level state of one project, captured and
// restored by the checkpoint engine. Rows are stored verbatim (IDs, versions,
// timestamps) so a restore reproduces the exact pre-checkpoint state.
type ProjectSnapshot struct {
	Project     *models.Project      `json:"project"`
	Tasks       []*models.Task       `json:"tasks"`
	Assignments []*models.Assignment `json:"assignments"`
	Blockers    []*models.Blocker    `json:"blockers"`
	Memory      []*models.MemoryItem `json:"memory"`
}

// SnapshotProjectTx reads a project's complete state: project row, all tasks
// with dependency edges, active assignments, open blockers, and the memory
// items scoped to the project.
func SnapshotProjectTx(tx *sql.Tx, projectID string) (*ProjectSnapshot, error) {
	project, err := GetProjectTx(tx, projectID)
	if err != nil {
		return nil, err
	}
	snap := &ProjectSnapshot{Project: project}

	rows, err := tx.Query(`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deps := make(map[string][]string)
	depRows, err := tx.Query(`
		SELECT td.task_id, td.depends_on_task_id
		FROM task_dependencies td
		JOIN tasks t ON t.id = td.task_id
		WHERE t.project_id = ?
		ORDER BY td.task_id, td.depends_on_task_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot task dependencies: %w", err)
	}
	defer func() { _ = depRows.Close() }()
	for depRows.Next() {
		var taskID, dependsOn string
		if err := depRows.Scan(&taskID, &dependsOn); err != nil {
			return nil, err
		}
		deps[taskID] = append(deps[taskID], dependsOn)
	}
	if err := depRows.Err(); err != nil {
		return nil, err
	}
	for _, t := range snap.Tasks {
		t.DependsOn = deps[t.ID]
	}

	asgRows, err := tx.Query(`
		SELECT project_id, agent_id, role, is_active, assigned_at, revoked_at
		FROM project_agents WHERE project_id = ? AND is_active = 1
		ORDER BY agent_id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot assignments: %w", err)
	}
	defer func() { _ = asgRows.Close() }()
	for asgRows.Next() {
		var as models.Assignment
		var revokedAt sql.NullTime
		if err := asgRows.Scan(&as.ProjectID, &as.AgentID, &as.Role, &as.IsActive, &as.AssignedAt, &revokedAt); err != nil {
			return nil, err
		}
		if revokedAt.Valid {
			as.RevokedAt = &revokedAt.Time
		}
		snap.Assignments = append(snap.Assignments, &as)
	}
	if err := asgRows.Err(); err != nil {
		return nil, err
	}

	blkRows, err := tx.Query(`
		SELECT `+prefixColumns("b", blockerColumns)+`
		FROM blockers b
		JOIN tasks t ON t.id = b.task_id
		WHERE t.project_id = ? AND b.resolved_at IS NULL
		ORDER BY b.id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot blockers: %w", err)
	}
	defer func() { _ = blkRows.Close() }()
	for blkRows.Next() {
		b, err := scanBlocker(blkRows)
		if err != nil {
			return nil, err
		}
		snap.Blockers = append(snap.Blockers, b)
	}
	if err := blkRows.Err(); err != nil {
		return nil, err
	}

	memRows, err := tx.Query(`
		SELECT `+memoryColumns+` FROM memory_items WHERE project_id = ? ORDER BY id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot memory: %w", err)
	}
	defer func() { _ = memRows.Close() }()
	for memRows.Next() {
		m, err := scanMemoryItem(memRows)
		if err != nil {
			return nil, err
		}
		snap.Memory = append(snap.Memory, m)
	}
	if err := memRows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

// RestoreProjectSnapshotTx rewrites a project's rows to match the snapshot.
// The caller holds the project's exclusive lock. Tasks captured mid-run come
// back as assigned so the runtime re-hydrates rather than resuming stale
// work. The event log is append-only and never rewritten, and revoked
// membership rows survive: the snapshot holds active assignments only, so
// the restore replaces only the active ones.
func RestoreProjectSnapshotTx(tx *sql.Tx, snap *ProjectSnapshot) error {
	projectID := snap.Project.ID

	// Delete in FK-dependency order.
	deletes := []struct {
		desc  string
		query string
	}{
		{"blockers", `DELETE FROM blockers WHERE task_id IN (SELECT id FROM tasks WHERE project_id = ?)`},
		{"task dependencies", `DELETE FROM task_dependencies WHERE task_id IN (SELECT id FROM tasks WHERE project_id = ?)`},
		{"tasks", `DELETE FROM tasks WHERE project_id = ?`},
		{"assignments", `DELETE FROM project_agents WHERE project_id = ? AND is_active = 1`},
		{"memory items", `DELETE FROM memory_items WHERE project_id = ?`},
	}
	for _, d := range deletes {
		if _, err := tx.Exec(d.query, projectID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", d.desc, err)
		}
	}

	p := snap.Project
	res, err := tx.Exec(`
		UPDATE projects
		SET name = ?, description = ?, status = ?, phase = ?, user_id = ?,
		    version = ?, created_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, p.Name, p.Description, p.Status, p.Phase, p.UserID, p.Version, p.CreatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to restore project row: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if ra == 0 {
		return &models.NotFoundError{Entity: "project", ID: p.ID}
	}

	for _, t := range snap.Tasks {
		status := t.Status
		if status == models.TaskInProgress {
			status = models.TaskAssigned
		}
		_, err := tx.Exec(`
			INSERT INTO tasks (id, project_id, title, description, status, priority, agent_type, assigned_to,
			                   quality_gate_status, quality_gate_failures, attempt, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.ProjectID, t.Title, t.Description, status, t.Priority, t.AgentType, t.AssignedTo,
			t.QualityGateStatus, t.QualityGateFailures, t.Attempt, t.Version, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to restore task %s: %w", t.ID, err)
		}
	}
	for _, t := range snap.Tasks {
		for _, dep := range t.DependsOn {
			if _, err := tx.Exec(`
				INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?)
			`, t.ID, dep); err != nil {
				return fmt.Errorf("failed to restore dependency %s -> %s: %w", t.ID, dep, err)
			}
		}
	}

	for _, as := range snap.Assignments {
		if _, err := tx.Exec(`
			INSERT INTO project_agents (project_id, agent_id, role, is_active, assigned_at)
			VALUES (?, ?, ?, 1, ?)
		`, as.ProjectID, as.AgentID, as.Role, as.AssignedAt); err != nil {
			return fmt.Errorf("failed to restore assignment %s/%s: %w", as.ProjectID, as.AgentID, err)
		}
	}

	for _, b := range snap.Blockers {
		if _, err := tx.Exec(`
			INSERT INTO blockers (id, task_id, agent_id, kind, severity, prompt, answer, deadline, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.ID, b.TaskID, b.AgentID, b.Kind, b.Severity, b.Prompt, b.Answer, b.Deadline, b.CreatedAt); err != nil {
			return fmt.Errorf("failed to restore blocker %s: %w", b.ID, err)
		}
	}

	for _, m := range snap.Memory {
		if _, err := tx.Exec(`
			INSERT INTO memory_items (id, agent_id, project_id, tier, key, value, tokens, importance, pinned,
			                          usage_count, accessed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.AgentID, m.ProjectID, m.Tier, m.Key, m.Value, m.Tokens, m.Importance, m.Pinned,
			m.UsageCount, m.AccessedAt, m.CreatedAt); err != nil {
			return fmt.Errorf("failed to restore memory item %d: %w", m.ID, err)
		}
	}

	return nil
}
