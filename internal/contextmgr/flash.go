package contextmgr

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// flashSummaryKey names the WARM summary item that replaces flushed COLD
// memory after a flash save.
const flashSummaryKey = "flash_summary"

// FlashSaveResult reports what a flash save did.
type FlashSaveResult struct {
	FlashID    int64 `json:"flash_id,omitempty"`
	ItemsSaved int   `json:"items_saved"`
	Skipped    bool  `json:"skipped"`
}

// FlashSave persists all COLD items to a flash checkpoint blob and replaces
// them with a compact summary item in WARM. Idempotent per reason within the
// configured dead time: a repeat call inside the window is a no-op.
func (m *Manager) FlashSave(agentID, reason string) (*FlashSaveResult, error) {
	if reason == "" {
		return nil, &models.ValidationError{Field: "reason", Reason: "flash-save reason is required"}
	}

	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	result := &FlashSaveResult{}
	err := store.Transact(m.db, func(tx *sql.Tx) error {
		last, err := store.LatestFlashSaveTx(tx, agentID, reason)
		if err != nil {
			return err
		}
		if last != nil && m.now().Sub(last.CreatedAt) < m.cfg.FlashDeadTime {
			result.Skipped = true
			result.FlashID = last.ID
			return nil
		}

		cold, err := store.ListMemoryItemsTx(tx, agentID, models.TierCold)
		if err != nil {
			return err
		}
		if len(cold) == 0 {
			result.Skipped = true
			return nil
		}

		blob, err := json.Marshal(cold)
		if err != nil {
			return fmt.Errorf("failed to marshal flash blob: %w", err)
		}

		flashID, err := store.InsertFlashSaveTx(tx, agentID, reason, string(blob), len(cold))
		if err != nil {
			return err
		}

		ids := make([]int64, len(cold))
		for i, it := range cold {
			ids[i] = it.ID
		}
		if err := store.DeleteMemoryItemsTx(tx, ids); err != nil {
			return err
		}

		summary := summarizeFlushed(cold, reason)
		if _, err := store.UpsertMemoryItemTx(tx, &models.MemoryItem{
			AgentID:    agentID,
			Tier:       models.TierWarm,
			Key:        fmt.Sprintf("%s:%s", flashSummaryKey, reason),
			Value:      summary,
			Tokens:     CountTokens(summary),
			Importance: 0.5,
		}); err != nil {
			return err
		}

		result.FlashID = flashID
		result.ItemsSaved = len(cold)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Skipped {
		slog.Info("flash save completed", "agent_id", agentID, "reason", reason, "items", result.ItemsSaved)
		if m.bus != nil {
			payload, _ := json.Marshal(result)
			m.bus.Publish(&models.Event{Type: models.EventFlashSave, AgentID: agentID, Payload: payload})
		}
	}
	return result, nil
}

// summarizeFlushed builds the compact WARM stand-in for flushed COLD items:
// a key listing, enough to know what can be rehydrated from the flash blob.
func summarizeFlushed(items []*models.MemoryItem, reason string) string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	data, _ := json.Marshal(map[string]any{
		"reason":        reason,
		"flushed_count": len(items),
		"flushed_keys":  keys,
	})
	return string(data)
}

// FlashSaves lists an agent's flash-save checkpoints, newest first.
func (m *Manager) FlashSaves(agentID string) ([]*store.FlashSave, error) {
	l := m.lockFor(agentID)
	l.RLock()
	defer l.RUnlock()
	return store.ListFlashSaves(m.db, agentID)
}
