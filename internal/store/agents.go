package store

import (
	"database/sql"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// CreateAgent registers a reusable agent. Name must be unique.
func CreateAgent(db *sql.DB, name string, agentType models.AgentType, provider string, maturity models.Maturity) (*models.Agent, error) {
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "agent name is required"}
	}
	if maturity == "" {
		maturity = models.MaturityD1
	}

	agentID := GenerateAgentID()
	err := Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agents (id, name, type, provider, maturity)
			VALUES (?, ?, ?, ?, ?)
		`, agentID, name, agentType, provider, maturity)
		if err != nil {
			return fmt.Errorf("failed to insert agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return GetAgent(db, agentID)
}

// GetAgent fetches one agent by ID.
func GetAgent(db *sql.DB, agentID string) (*models.Agent, error) {
	var agent *models.Agent
	err := RetryWithBackoff(func() error {
		a, err := scanAgent(db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
		if err != nil {
			return notFoundOnNoRows(err, "agent", agentID)
		}
		agent = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgentTx fetches one agent inside an existing transaction.
func GetAgentTx(tx *sql.Tx, agentID string) (*models.Agent, error) {
	a, err := scanAgent(tx.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
	if err != nil {
		return nil, notFoundOnNoRows(err, "agent", agentID)
	}
	return a, nil
}

// ListAgents returns all registered agents ordered by ID for stable
// scheduling order.
func ListAgents(db *sql.DB) ([]*models.Agent, error) {
	var agents []*models.Agent
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		agents = agents[:0]
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			agents = append(agents, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatusTx transitions agent status with a version CAS.
func UpdateAgentStatusTx(tx *sql.Tx, agentID string, status models.AgentStatus, expectedVersion int) error {
	res, err := tx.Exec(`
		UPDATE agents
		SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, status, agentID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return requireRowAffected(res, "agent", agentID, expectedVersion)
}

// SetAgentStatus is the non-CAS variant for lifecycle events where the
// scheduler is the only writer (e.g. marking an agent offline on shutdown).
func SetAgentStatus(db *sql.DB, agentID string, status models.AgentStatus) error {
	return Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE agents
			SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, status, agentID)
		if err != nil {
			return fmt.Errorf("failed to set agent status: %w", err)
		}
		return nil
	})
}

// AddAgentContextTokens accumulates the running context token counter.
func AddAgentContextTokens(db *sql.DB, agentID string, delta int) error {
	return Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE agents
			SET context_tokens = context_tokens + ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, delta, agentID)
		if err != nil {
			return fmt.Errorf("failed to add context tokens: %w", err)
		}
		return nil
	})
}
