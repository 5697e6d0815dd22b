package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// Event payload size constraints enforced by ValidateEventPayload.
const (
	MaxEventTypeLength    = 128
	MaxEventPayloadLength = 16384
)

// ValidateEventPayload enforces event constraints for durability and safety.
func ValidateEventPayload(eventType string, payload json.RawMessage) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	if len(eventType) > MaxEventTypeLength {
		return fmt.Errorf("event type exceeds max length (%d)", MaxEventTypeLength)
	}
	if len(payload) > 0 {
		if len(payload) > MaxEventPayloadLength {
			return fmt.Errorf("event payload exceeds max length (%d)", MaxEventPayloadLength)
		}
		if !json.Valid(payload) {
			return errors.New("event payload must be valid JSON")
		}
	}
	return nil
}

// InsertEventTx appends an event row and returns its seq.
func InsertEventTx(tx *sql.Tx, e *models.Event) (int64, error) {
	if err := ValidateEventPayload(e.Type, e.Payload); err != nil {
		return 0, err
	}

	payload := any(nil)
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	res, err := tx.Exec(`
		INSERT INTO events (project_id, type, agent_id, task_id, payload)
		VALUES (?, ?, ?, ?, ?)
	`, e.ProjectID, e.Type, e.AgentID, e.TaskID, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return res.LastInsertId()
}

// InsertEvent appends an event in its own transaction.
func InsertEvent(db *sql.DB, e *models.Event) (int64, error) {
	var seq int64
	err := Transact(db, func(tx *sql.Tx) error {
		var err error
		seq, err = InsertEventTx(tx, e)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// InsertEventWithSeq appends an event row using the caller-assigned seq.
// The event bus owns sequence assignment; this keeps the persisted log and
// the live stream on one numbering.
func InsertEventWithSeq(db *sql.DB, e *models.Event) error {
	if err := ValidateEventPayload(e.Type, e.Payload); err != nil {
		return err
	}
	payload := any(nil)
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	return Transact(db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO events (seq, project_id, type, agent_id, task_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.Seq, e.ProjectID, e.Type, e.AgentID, e.TaskID, payload, e.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// MaxEventSeq returns the highest seq in the event log, 0 for an empty log.
func MaxEventSeq(db *sql.DB) (int64, error) {
	var max sql.NullInt64
	err := RetryWithBackoff(func() error {
		return db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&max)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read max event seq: %w", err)
	}
	return max.Int64, nil
}

// ListEventsParams filters the event log.
type ListEventsParams struct {
	ProjectID string
	Types     []string
	SinceSeq  int64
	Limit     int
}

// ListEvents returns events in seq order, filtered by the params.
func ListEvents(db *sql.DB, params ListEventsParams) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE seq > ?`
	args := []any{params.SinceSeq}
	if params.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, params.ProjectID)
	}
	if len(params.Types) > 0 {
		query += ` AND type IN (`
		for i, t := range params.Types {
			if i > 0 {
				query += `,`
			}
			query += `?`
			args = append(args, t)
		}
		query += `)`
	}
	query += ` ORDER BY seq ASC`
	if params.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, params.Limit)
	}

	var events []*models.Event
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		events = events[:0]
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}
