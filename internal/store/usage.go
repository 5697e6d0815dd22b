package store

import (
	"database/sql"
	"fmt"
)

// LLMUsage is one recorded LLM call.
type LLMUsage struct {
	ProjectID        string `json:"project_id"`
	AgentID          string `json:"agent_id"`
	TaskID           string `json:"task_id,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	CostMicroUSD     int64  `json:"cost_microusd"`
}

// UsageTotals aggregates usage rows.
type UsageTotals struct {
	Calls            int   `json:"calls"`
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	CostMicroUSD     int64 `json:"cost_microusd"`
}

// InsertLLMUsage records one LLM call for metrics aggregation.
func InsertLLMUsage(db *sql.DB, u *LLMUsage) error {
	return Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO llm_usage (project_id, agent_id, task_id, model, prompt_tokens, completion_tokens, cost_microusd)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, u.ProjectID, u.AgentID, u.TaskID, u.Model, u.PromptTokens, u.CompletionTokens, u.CostMicroUSD)
		if err != nil {
			return fmt.Errorf("failed to insert llm usage: %w", err)
		}
		return nil
	})
}

// ProjectUsage returns token/cost totals for a project.
func ProjectUsage(db *sql.DB, projectID string) (*UsageTotals, error) {
	return queryUsage(db, `WHERE project_id = ?`, projectID)
}

// AgentUsage returns token/cost totals for an agent across projects.
func AgentUsage(db *sql.DB, agentID string) (*UsageTotals, error) {
	return queryUsage(db, `WHERE agent_id = ?`, agentID)
}

func queryUsage(db *sql.DB, where string, arg any) (*UsageTotals, error) {
	var totals UsageTotals
	err := RetryWithBackoff(func() error {
		return db.QueryRow(`
			SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(cost_microusd), 0)
			FROM llm_usage `+where,
			arg,
		).Scan(&totals.Calls, &totals.PromptTokens, &totals.CompletionTokens, &totals.CostMicroUSD)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate llm usage: %w", err)
	}
	return &totals, nil
}
