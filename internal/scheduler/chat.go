package scheduler

import (
	"encoding/json"
	"time"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// ChatMessage is one message exchanged with the project's lead agent. The
// history rides the append-only event log under the chat_message kind.
type ChatMessage struct {
	Seq       int64     `json:"seq"`
	ProjectID string    `json:"project_id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SendChat records a chat message and fans it out to subscribers. from is
// either "user" or an agent ID.
func (s *Scheduler) SendChat(projectID, from, text string) (*ChatMessage, error) {
	if text == "" {
		return nil, &models.ValidationError{Field: "text", Reason: "message text is required"}
	}
	if s.bus == nil {
		return nil, &models.ValidationError{Field: "bus", Reason: "chat requires the event bus"}
	}
	if _, err := store.GetProject(s.db, projectID); err != nil {
		return nil, err
	}

	msg := &ChatMessage{
		ProjectID: projectID,
		From:      from,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(map[string]string{"from": from, "text": text})
	if err != nil {
		return nil, err
	}

	agentID := ""
	if from != "user" {
		agentID = from
	}
	msg.Seq = s.bus.Publish(&models.Event{
		Type:      models.EventChatMessage,
		ProjectID: projectID,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: msg.Timestamp,
	})
	return msg, nil
}

// ChatHistory returns a project's chat messages in order.
func (s *Scheduler) ChatHistory(projectID string, sinceSeq int64, limit int) ([]*ChatMessage, error) {
	events, err := store.ListEvents(s.db, store.ListEventsParams{
		ProjectID: projectID,
		Types:     []string{models.EventChatMessage},
		SinceSeq:  sinceSeq,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]*ChatMessage, 0, len(events))
	for _, e := range events {
		var body struct {
			From string `json:"from"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			continue
		}
		messages = append(messages, &ChatMessage{
			Seq:       e.Seq,
			ProjectID: e.ProjectID,
			From:      body.From,
			Text:      body.Text,
			Timestamp: e.Timestamp,
		})
	}
	return messages, nil
}
