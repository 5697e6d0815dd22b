package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// UpsertMemoryItemTx creates or replaces an agent's memory entry by key.
// New items land in WARM; the retier decides promotion.
func UpsertMemoryItemTx(tx *sql.Tx, item *models.MemoryItem) (*models.MemoryItem, error) {
	if item.Key == "" {
		return nil, &models.ValidationError{Field: "key", Reason: "memory key is required"}
	}
	if item.Tier == "" {
		item.Tier = models.TierWarm
	}

	_, err := tx.Exec(`
		INSERT INTO memory_items (agent_id, project_id, tier, key, value, tokens, importance, pinned, usage_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (agent_id, key) DO UPDATE SET
			value = excluded.value,
			tokens = excluded.tokens,
			importance = excluded.importance,
			pinned = excluded.pinned,
			accessed_at = CURRENT_TIMESTAMP
	`, item.AgentID, item.ProjectID, item.Tier, item.Key, item.Value, item.Tokens, item.Importance, item.Pinned)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert memory item: %w", err)
	}

	return GetMemoryItemByKeyTx(tx, item.AgentID, item.Key)
}

// GetMemoryItemByKeyTx fetches one memory item by (agent, key).
func GetMemoryItemByKeyTx(tx *sql.Tx, agentID, key string) (*models.MemoryItem, error) {
	m, err := scanMemoryItem(tx.QueryRow(`
		SELECT `+memoryColumns+` FROM memory_items WHERE agent_id = ? AND key = ?
	`, agentID, key))
	if err != nil {
		return nil, notFoundOnNoRows(err, "memory_item", agentID+"/"+key)
	}
	return m, nil
}

// ListMemoryItems returns an agent's items in the given tiers, highest
// importance first. Empty tiers means all.
func ListMemoryItems(db *sql.DB, agentID string, tiers ...models.MemoryTier) ([]*models.MemoryItem, error) {
	var items []*models.MemoryItem
	err := Transact(db, func(tx *sql.Tx) error {
		var err error
		items, err = ListMemoryItemsTx(tx, agentID, tiers...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListMemoryItemsTx is the in-transaction variant of ListMemoryItems.
func ListMemoryItemsTx(tx *sql.Tx, agentID string, tiers ...models.MemoryTier) ([]*models.MemoryItem, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory_items WHERE agent_id = ?`
	args := []any{agentID}
	if len(tiers) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tiers)), ",")
		query += ` AND tier IN (` + placeholders + `)`
		for _, t := range tiers {
			args = append(args, t)
		}
	}
	query += ` ORDER BY importance DESC, id ASC`

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*models.MemoryItem
	for rows.Next() {
		m, err := scanMemoryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// TouchMemoryItemsTx bumps usage_count and accessed_at for retrieved items.
func TouchMemoryItemsTx(tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := tx.Exec(`
		UPDATE memory_items
		SET usage_count = usage_count + 1, accessed_at = CURRENT_TIMESTAMP
		WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to touch memory items: %w", err)
	}
	return nil
}

// SetMemoryImportanceTx writes a recomputed importance score.
func SetMemoryImportanceTx(tx *sql.Tx, id int64, importance float64) error {
	_, err := tx.Exec(`UPDATE memory_items SET importance = ? WHERE id = ?`, importance, id)
	if err != nil {
		return fmt.Errorf("failed to set importance: %w", err)
	}
	return nil
}

// SetMemoryTierTx moves one item to a tier.
func SetMemoryTierTx(tx *sql.Tx, id int64, tier models.MemoryTier) error {
	_, err := tx.Exec(`UPDATE memory_items SET tier = ? WHERE id = ?`, tier, id)
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	return nil
}

// SumHotTokensTx returns the HOT-tier token total for an agent. The retier
// asserts this against the configured budget before committing.
func SumHotTokensTx(tx *sql.Tx, agentID string) (int, error) {
	var total sql.NullInt64
	err := tx.QueryRow(`
		SELECT SUM(tokens) FROM memory_items WHERE agent_id = ? AND tier = 'HOT'
	`, agentID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum hot tokens: %w", err)
	}
	return int(total.Int64), nil
}

// DeleteMemoryItems removes items by ID for an agent.
func DeleteMemoryItems(db *sql.DB, agentID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return Transact(db, func(tx *sql.Tx) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := []any{agentID}
		for _, id := range ids {
			args = append(args, id)
		}
		_, err := tx.Exec(`
			DELETE FROM memory_items WHERE agent_id = ? AND id IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return fmt.Errorf("failed to delete memory items: %w", err)
		}
		return nil
	})
}

// DeleteMemoryItemsTx removes items by ID inside an existing transaction.
func DeleteMemoryItemsTx(tx *sql.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := tx.Exec(`DELETE FROM memory_items WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete memory items: %w", err)
	}
	return nil
}

// FlashSave is one persisted dump of an agent's COLD memory.
type FlashSave struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Reason    string    `json:"reason"`
	Blob      string    `json:"blob"`
	ItemCount int       `json:"item_count"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertFlashSaveTx persists a flash-save blob.
func InsertFlashSaveTx(tx *sql.Tx, agentID, reason, blob string, itemCount int) (int64, error) {
	res, err := tx.Exec(`
		INSERT INTO flash_saves (agent_id, reason, blob, item_count)
		VALUES (?, ?, ?, ?)
	`, agentID, reason, blob, itemCount)
	if err != nil {
		return 0, fmt.Errorf("failed to insert flash save: %w", err)
	}
	return res.LastInsertId()
}

// LatestFlashSaveTx returns the newest flash-save for an agent with the
// given reason, or nil. Drives flash-save idempotency within the dead time.
func LatestFlashSaveTx(tx *sql.Tx, agentID, reason string) (*FlashSave, error) {
	var fs FlashSave
	err := tx.QueryRow(`
		SELECT id, agent_id, reason, blob, item_count, created_at
		FROM flash_saves WHERE agent_id = ? AND reason = ?
		ORDER BY id DESC LIMIT 1
	`, agentID, reason).Scan(&fs.ID, &fs.AgentID, &fs.Reason, &fs.Blob, &fs.ItemCount, &fs.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest flash save: %w", err)
	}
	return &fs, nil
}

// ListFlashSaves returns an agent's flash-save checkpoints, newest first.
func ListFlashSaves(db *sql.DB, agentID string) ([]*FlashSave, error) {
	var saves []*FlashSave
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`
			SELECT id, agent_id, reason, blob, item_count, created_at
			FROM flash_saves WHERE agent_id = ? ORDER BY id DESC
		`, agentID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		saves = saves[:0]
		for rows.Next() {
			var fs FlashSave
			if err := rows.Scan(&fs.ID, &fs.AgentID, &fs.Reason, &fs.Blob, &fs.ItemCount, &fs.CreatedAt); err != nil {
				return err
			}
			saves = append(saves, &fs)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flash saves: %w", err)
	}
	return saves, nil
}

// MemoryStats summarizes an agent's memory by tier.
type MemoryStats struct {
	CountByTier  map[models.MemoryTier]int `json:"count_by_tier"`
	TokensByTier map[models.MemoryTier]int `json:"tokens_by_tier"`
}

// GetMemoryStats aggregates counts and token totals per tier.
func GetMemoryStats(db *sql.DB, agentID string) (*MemoryStats, error) {
	stats := &MemoryStats{
		CountByTier:  map[models.MemoryTier]int{},
		TokensByTier: map[models.MemoryTier]int{},
	}
	err := RetryWithBackoff(func() error {
		rows, err := db.Query(`
			SELECT tier, COUNT(*), COALESCE(SUM(tokens), 0)
			FROM memory_items WHERE agent_id = ? GROUP BY tier
		`, agentID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		stats.CountByTier = map[models.MemoryTier]int{}
		stats.TokensByTier = map[models.MemoryTier]int{}
		for rows.Next() {
			var tier models.MemoryTier
			var count, tokens int
			if err := rows.Scan(&tier, &count, &tokens); err != nil {
				return err
			}
			stats.CountByTier[tier] = count
			stats.TokensByTier[tier] = tokens
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute memory stats: %w", err)
	}
	return stats, nil
}
