package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// AgentAssignment pairs an agent with its role on one project.
type AgentAssignment struct {
	Agent      *models.Agent      `json:"agent"`
	Assignment *models.Assignment `json:"assignment"`
}

// AssignAgentTx creates an active assignment linking agent to project in a
// role. The partial unique index rejects a duplicate active assignment.
func AssignAgentTx(tx *sql.Tx, projectID, agentID, role string) error {
	if _, err := GetProjectTx(tx, projectID); err != nil {
		return err
	}
	if _, err := GetAgentTx(tx, agentID); err != nil {
		return err
	}

	_, err := tx.Exec(`
		INSERT INTO project_agents (project_id, agent_id, role, is_active)
		VALUES (?, ?, ?, 1)
	`, projectID, agentID, role)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &models.ValidationError{Field: "agent_id", Reason: "agent already has an active assignment on this project"}
		}
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

// UnassignAgentTx deactivates the active assignment. Deactivation is soft:
// the row survives with is_active=0 and a revoked_at timestamp.
func UnassignAgentTx(tx *sql.Tx, projectID, agentID string) error {
	res, err := tx.Exec(`
		UPDATE project_agents
		SET is_active = 0, revoked_at = CURRENT_TIMESTAMP
		WHERE project_id = ? AND agent_id = ? AND is_active = 1
	`, projectID, agentID)
	if err != nil {
		return fmt.Errorf("failed to deactivate assignment: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if ra == 0 {
		return &models.NotFoundError{Entity: "assignment", ID: projectID + "/" + agentID}
	}
	return nil
}

// UpdateAssignmentRoleTx changes the role on an active assignment.
func UpdateAssignmentRoleTx(tx *sql.Tx, projectID, agentID, role string) error {
	res, err := tx.Exec(`
		UPDATE project_agents
		SET role = ?
		WHERE project_id = ? AND agent_id = ? AND is_active = 1
	`, role, projectID, agentID)
	if err != nil {
		return fmt.Errorf("failed to update assignment role: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if ra == 0 {
		return &models.NotFoundError{Entity: "assignment", ID: projectID + "/" + agentID}
	}
	return nil
}

// HasActiveAssignmentTx reports whether agent holds an active assignment on
// project. Task assignment validation depends on this.
func HasActiveAssignmentTx(tx *sql.Tx, projectID, agentID string) (bool, error) {
	var one int
	err := tx.QueryRow(`
		SELECT 1 FROM project_agents
		WHERE project_id = ? AND agent_id = ? AND is_active = 1
	`, projectID, agentID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check assignment: %w", err)
	}
	return true, nil
}

// GetAgentsForProject returns agents linked to a project with their
// assignment rows. activeOnly restricts to current assignments; otherwise
// historical (revoked) links are included. Stable order by agent_id.
func GetAgentsForProject(db *sql.DB, projectID string, activeOnly bool) ([]*AgentAssignment, error) {
	query := `
		SELECT ` + prefixColumns("a", agentColumns) + `,
		       pa.project_id, pa.agent_id, pa.role, pa.is_active, pa.assigned_at, pa.revoked_at
		FROM project_agents pa
		JOIN agents a ON a.id = pa.agent_id
		WHERE pa.project_id = ?`
	if activeOnly {
		query += ` AND pa.is_active = 1`
	}
	query += ` ORDER BY a.id ASC`

	var out []*AgentAssignment
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(query, projectID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			var a models.Agent
			var as models.Assignment
			var revokedAt sql.NullTime
			err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.Provider, &a.Maturity, &a.Status, &a.ContextTokens,
				&a.Version, &a.CreatedAt, &a.UpdatedAt,
				&as.ProjectID, &as.AgentID, &as.Role, &as.IsActive, &as.AssignedAt, &revokedAt)
			if err != nil {
				return err
			}
			if revokedAt.Valid {
				as.RevokedAt = &revokedAt.Time
			}
			out = append(out, &AgentAssignment{Agent: &a, Assignment: &as})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for project: %w", err)
	}
	return out, nil
}

// GetProjectsForAgent returns the projects an agent is actively assigned to,
// oldest assignment first.
func GetProjectsForAgent(db *sql.DB, agentID string) ([]*models.Project, error) {
	var projects []*models.Project
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`
			SELECT `+prefixColumns("p", projectColumns)+`
			FROM project_agents pa
			JOIN projects p ON p.id = pa.project_id
			WHERE pa.agent_id = ? AND pa.is_active = 1
			ORDER BY pa.assigned_at ASC
		`, agentID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		projects = projects[:0]
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			projects = append(projects, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects for agent: %w", err)
	}
	return projects, nil
}

// prefixColumns rewrites "a, b, c" as "t.a, t.b, t.c" for joined selects.
func prefixColumns(table, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = table + "." + p
	}
	return strings.Join(parts, ", ")
}
