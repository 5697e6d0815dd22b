// Package contextmgr owns per-agent tiered context memory: HOT/WARM/COLD
// tiers, importance scoring with recency decay, budget-driven retier, and
// flash-save checkpointing. It is the sole mutator of memory items.
package contextmgr

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// Weights configure the importance formula:
//
//	importance = Recency*exp(-age/Tau) + Usage*usage_count + Pin*pinned
type Weights struct {
	Recency float64
	Usage   float64
	Pin     float64
}

// Config tunes budgets and scoring.
type Config struct {
	HotBudgetTokens  int
	WarmBudgetTokens int
	// ContextWindowTokens is the LLM window the flash-save headroom is
	// measured against.
	ContextWindowTokens int
	// HeadroomRatio triggers flash-save when HOT usage exceeds
	// ContextWindowTokens*(1-HeadroomRatio).
	HeadroomRatio float64
	Weights       Weights
	// Tau is the recency decay constant.
	Tau time.Duration
	// FlashDeadTime suppresses repeat flash-saves for the same reason.
	FlashDeadTime time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		HotBudgetTokens:     32000,
		WarmBudgetTokens:    96000,
		ContextWindowTokens: 200000,
		HeadroomRatio:       0.15,
		Weights:             Weights{Recency: 1.0, Usage: 0.1, Pin: 10.0},
		Tau:                 30 * time.Minute,
		FlashDeadTime:       5 * time.Minute,
	}
}

// Manager is the context-memory service. One instance per process.
type Manager struct {
	db  *sql.DB
	cfg Config
	bus *bus.Bus

	mu         sync.Mutex
	agentLocks map[string]*sync.RWMutex

	now func() time.Time
}

// New creates a Manager. bus may be nil (no event emission, tests).
func New(db *sql.DB, cfg Config, b *bus.Bus) *Manager {
	if cfg.Tau <= 0 {
		cfg.Tau = 30 * time.Minute
	}
	return &Manager{
		db:         db,
		cfg:        cfg,
		bus:        b,
		agentLocks: make(map[string]*sync.RWMutex),
		now:        time.Now,
	}
}

// lockFor returns the per-agent lock, creating it on first use.
// Mutations take the write lock; reads the read lock, so readers concurrent
// with a retier see either pre- or post-state, never mixed.
func (m *Manager) lockFor(agentID string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.agentLocks[agentID]
	if !ok {
		l = &sync.RWMutex{}
		m.agentLocks[agentID] = l
	}
	return l
}

// Record stores a new observation for an agent. New items land in WARM; the
// next retier decides promotion.
func (m *Manager) Record(agentID, projectID, key, value string, initialImportance float64) (*models.MemoryItem, error) {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	var item *models.MemoryItem
	err := store.Transact(m.db, func(tx *sql.Tx) error {
		var err error
		item, err = store.UpsertMemoryItemTx(tx, &models.MemoryItem{
			AgentID:    agentID,
			ProjectID:  projectID,
			Tier:       models.TierWarm,
			Key:        key,
			Value:      value,
			Tokens:     CountTokens(value),
			Importance: initialImportance,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Retrieve returns an agent's items matching query, HOT first, then WARM.
// COLD items are excluded unless rehydrate is requested explicitly via
// Rehydrate. Retrieved items get their usage counters bumped.
func (m *Manager) Retrieve(agentID, query string) ([]*models.MemoryItem, error) {
	l := m.lockFor(agentID)
	l.RLock()
	defer l.RUnlock()

	var out []*models.MemoryItem
	err := store.Transact(m.db, func(tx *sql.Tx) error {
		items, err := store.ListMemoryItemsTx(tx, agentID, models.TierHot, models.TierWarm)
		if err != nil {
			return err
		}

		out = out[:0]
		var touched []int64
		for _, tier := range []models.MemoryTier{models.TierHot, models.TierWarm} {
			for _, it := range items {
				if it.Tier != tier {
					continue
				}
				if query != "" && !matches(it, query) {
					continue
				}
				out = append(out, it)
				touched = append(touched, it.ID)
			}
		}
		return store.TouchMemoryItemsTx(tx, touched)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func matches(it *models.MemoryItem, query string) bool {
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(it.Key), q) ||
		strings.Contains(strings.ToLower(it.Value), q)
}

// Rehydrate promotes COLD items back to WARM by ID. This is the only path
// out of COLD.
func (m *Manager) Rehydrate(agentID string, ids []int64) error {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	return store.Transact(m.db, func(tx *sql.Tx) error {
		items, err := store.ListMemoryItemsTx(tx, agentID, models.TierCold)
		if err != nil {
			return err
		}
		cold := make(map[int64]bool, len(items))
		for _, it := range items {
			cold[it.ID] = true
		}
		for _, id := range ids {
			if !cold[id] {
				return &models.ValidationError{Field: "id", Reason: fmt.Sprintf("memory item %d is not COLD", id)}
			}
			if err := store.SetMemoryTierTx(tx, id, models.TierWarm); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rescore recomputes importance for all of an agent's items:
//
//	importance = w_r*exp(-age/tau) + w_u*usage_count + w_p*pinned
func (m *Manager) Rescore(agentID string) error {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	now := m.now()
	return store.Transact(m.db, func(tx *sql.Tx) error {
		items, err := store.ListMemoryItemsTx(tx, agentID)
		if err != nil {
			return err
		}
		for _, it := range items {
			score := m.score(it, now)
			if err := store.SetMemoryImportanceTx(tx, it.ID, score); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) score(it *models.MemoryItem, now time.Time) float64 {
	age := now.Sub(it.AccessedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-age.Seconds() / m.cfg.Tau.Seconds())
	score := m.cfg.Weights.Recency*recency + m.cfg.Weights.Usage*float64(it.UsageCount)
	if it.Pinned {
		score += m.cfg.Weights.Pin
	}
	return score
}

// Retier reassigns tiers for one agent, atomically: HOT is filled top-down
// by importance until the HOT token budget, then WARM until the WARM budget,
// the remainder demotes to COLD. Items never skip a tier in either
// direction, and COLD items only leave via Rehydrate. After applying, the
// HOT total is re-checked against the budget; a violation rolls the whole
// transaction back.
func (m *Manager) Retier(agentID string) error {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	var moved int
	err := store.Transact(m.db, func(tx *sql.Tx) error {
		items, err := store.ListMemoryItemsTx(tx, agentID, models.TierHot, models.TierWarm)
		if err != nil {
			return err
		}
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].Importance != items[j].Importance {
				return items[i].Importance > items[j].Importance
			}
			return items[i].ID < items[j].ID
		})

		moved = 0
		hotTokens := 0
		warmTokens := 0
		for _, it := range items {
			desired := models.TierCold
			switch {
			case hotTokens+it.Tokens <= m.cfg.HotBudgetTokens:
				desired = models.TierHot
				hotTokens += it.Tokens
			case warmTokens+it.Tokens <= m.cfg.WarmBudgetTokens:
				desired = models.TierWarm
				warmTokens += it.Tokens
			}
			// One step at a time: a HOT item past both budgets parks in
			// WARM this pass instead of jumping to COLD.
			if it.Tier == models.TierHot && desired == models.TierCold {
				desired = models.TierWarm
			}
			if desired != it.Tier {
				if err := store.SetMemoryTierTx(tx, it.ID, desired); err != nil {
					return err
				}
				moved++
			}
		}

		total, err := store.SumHotTokensTx(tx, agentID)
		if err != nil {
			return err
		}
		if total > m.cfg.HotBudgetTokens {
			return &models.BudgetViolationError{AgentID: agentID, Tokens: total, Budget: m.cfg.HotBudgetTokens}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m.bus != nil && moved > 0 {
		payload, _ := json.Marshal(map[string]any{"agent_id": agentID, "moved": moved})
		m.bus.Publish(&models.Event{Type: models.EventContextRetier, AgentID: agentID, Payload: payload})
	}
	return nil
}

// Stats returns per-tier counts and token totals for an agent.
func (m *Manager) Stats(agentID string) (*store.MemoryStats, error) {
	l := m.lockFor(agentID)
	l.RLock()
	defer l.RUnlock()
	return store.GetMemoryStats(m.db, agentID)
}

// Delete removes items by ID.
func (m *Manager) Delete(agentID string, ids []int64) error {
	l := m.lockFor(agentID)
	l.Lock()
	defer l.Unlock()
	return store.DeleteMemoryItems(m.db, agentID, ids)
}

// List returns an agent's items in the given tiers (all when empty).
func (m *Manager) List(agentID string, tiers ...models.MemoryTier) ([]*models.MemoryItem, error) {
	l := m.lockFor(agentID)
	l.RLock()
	defer l.RUnlock()
	return store.ListMemoryItems(m.db, agentID, tiers...)
}

// HotPressure reports the HOT token total and whether it is within the
// configured headroom of the context window (the flash-save trigger).
func (m *Manager) HotPressure(agentID string) (tokens int, pressured bool, err error) {
	stats, err := m.Stats(agentID)
	if err != nil {
		return 0, false, err
	}
	tokens = stats.TokensByTier[models.TierHot]
	threshold := float64(m.cfg.ContextWindowTokens) * (1 - m.cfg.HeadroomRatio)
	return tokens, float64(tokens) >= threshold, nil
}
