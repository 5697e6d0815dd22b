package store

import (
	"database/sql"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// CreateProject inserts a new project in status=created, phase=discovery.
func CreateProject(db *sql.DB, name, description, userID string) (*models.Project, error) {
	var project *models.Project
	err := Transact(db, func(tx *sql.Tx) error {
		p, err := CreateProjectTx(tx, name, description, userID)
		if err != nil {
			return err
		}
		project = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// CreateProjectTx inserts and returns a project inside an existing transaction.
func CreateProjectTx(tx *sql.Tx, name, description, userID string) (*models.Project, error) {
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "project name is required"}
	}

	projectID := GenerateProjectID()
	_, err := tx.Exec(`
		INSERT INTO projects (id, name, description, user_id)
		VALUES (?, ?, ?, ?)
	`, projectID, name, description, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}

	return GetProjectTx(tx, projectID)
}

// GetProject fetches one project by ID.
func GetProject(db *sql.DB, projectID string) (*models.Project, error) {
	var project *models.Project
	err := RetryWithBackoff(func() error {
		p, err := scanProject(db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID))
		if err != nil {
			return notFoundOnNoRows(err, "project", projectID)
		}
		project = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// GetProjectTx fetches one project inside an existing transaction.
func GetProjectTx(tx *sql.Tx, projectID string) (*models.Project, error) {
	p, err := scanProject(tx.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID))
	if err != nil {
		return nil, notFoundOnNoRows(err, "project", projectID)
	}
	return p, nil
}

// ListProjects returns all projects, newest first. userID filters to a single
// owner when non-empty (hosted mode).
func ListProjects(db *sql.DB, userID string) ([]*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	var projects []*models.Project
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(query, args...)
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
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// UpdateProjectStatusTx transitions project status with a version CAS.
func UpdateProjectStatusTx(tx *sql.Tx, projectID string, status models.ProjectStatus, expectedVersion int) error {
	res, err := tx.Exec(`
		UPDATE projects
		SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, status, projectID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	return requireRowAffected(res, "project", projectID, expectedVersion)
}

// AdvanceProjectPhaseTx moves the project to a later (or same) phase.
// Phases never move backwards outside of checkpoint restore.
func AdvanceProjectPhaseTx(tx *sql.Tx, projectID string, phase models.ProjectPhase) error {
	p, err := GetProjectTx(tx, projectID)
	if err != nil {
		return err
	}
	if !p.Phase.CanAdvanceTo(phase) {
		return &models.ValidationError{Field: "phase", Reason: fmt.Sprintf("cannot move phase backwards from %s to %s", p.Phase, phase)}
	}
	res, err := tx.Exec(`
		UPDATE projects
		SET phase = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, phase, projectID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to advance project phase: %w", err)
	}
	return requireRowAffected(res, "project", projectID, p.Version)
}

// requireRowAffected converts a zero-rows CAS update into a version conflict.
func requireRowAffected(res sql.Result, entity, id string, version int) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if ra == 0 {
		return &models.VersionConflictError{Entity: entity, ID: id, Version: version}
	}
	return nil
}
