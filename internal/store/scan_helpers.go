package store

import (
	"database/sql"
	"encoding/json"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id, name, description, status, phase, user_id, version, created_at, updated_at`

func scanProject(r rowScanner) (*models.Project, error) {
	var p models.Project
	err := r.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.Phase, &p.UserID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const agentColumns = `id, name, type, provider, maturity, status, context_tokens, version, created_at, updated_at`

func scanAgent(r rowScanner) (*models.Agent, error) {
	var a models.Agent
	err := r.Scan(&a.ID, &a.Name, &a.Type, &a.Provider, &a.Maturity, &a.Status, &a.ContextTokens, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

const taskColumns = `id, project_id, title, description, status, priority, agent_type, assigned_to, quality_gate_status, quality_gate_failures, attempt, version, created_at, updated_at`

func scanTask(r rowScanner) (*models.Task, error) {
	var t models.Task
	err := r.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.AgentType, &t.AssignedTo,
		&t.QualityGateStatus, &t.QualityGateFailures, &t.Attempt, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const blockerColumns = `id, task_id, agent_id, kind, severity, prompt, answer, deadline, created_at, resolved_at`

func scanBlocker(r rowScanner) (*models.Blocker, error) {
	var b models.Blocker
	var deadline, resolvedAt sql.NullTime
	err := r.Scan(&b.ID, &b.TaskID, &b.AgentID, &b.Kind, &b.Severity, &b.Prompt, &b.Answer, &deadline, &b.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		b.Deadline = &deadline.Time
	}
	if resolvedAt.Valid {
		b.ResolvedAt = &resolvedAt.Time
	}
	return &b, nil
}

const memoryColumns = `id, agent_id, project_id, tier, key, value, tokens, importance, pinned, usage_count, accessed_at, created_at`

func scanMemoryItem(r rowScanner) (*models.MemoryItem, error) {
	var m models.MemoryItem
	err := r.Scan(&m.ID, &m.AgentID, &m.ProjectID, &m.Tier, &m.Key, &m.Value, &m.Tokens, &m.Importance, &m.Pinned,
		&m.UsageCount, &m.AccessedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const eventColumns = `seq, project_id, type, agent_id, task_id, payload, created_at`

func scanEvent(r rowScanner) (*models.Event, error) {
	var e models.Event
	var payload sql.NullString
	err := r.Scan(&e.Seq, &e.ProjectID, &e.Type, &e.AgentID, &e.TaskID, &payload, &e.Timestamp)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	return &e, nil
}

// notFoundOnNoRows maps sql.ErrNoRows to a typed NotFoundError.
func notFoundOnNoRows(err error, entity, id string) error {
	if err == sql.ErrNoRows {
		return &models.NotFoundError{Entity: entity, ID: id}
	}
	return err
}
