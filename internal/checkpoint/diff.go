package checkpoint

import (
	"encoding/json"
	"sort"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// RowChange describes one modified row: a unified-style text patch of its
// JSON encoding between the snapshot and the current state.
type RowChange struct {
	ID    string `json:"id"`
	Patch string `json:"patch"`
}

// EntityDiff summarizes one entity class.
type EntityDiff struct {
	Added    []string    `json:"added,omitempty"`
	Removed  []string    `json:"removed,omitempty"`
	Modified []RowChange `json:"modified,omitempty"`
}

// Empty reports whether nothing changed for this entity class.
func (d *EntityDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Diff is the row-level comparison of a checkpoint against current state.
// "Added" means present now but not in the checkpoint.
type Diff struct {
	Project     *RowChange `json:"project,omitempty"`
	Tasks       EntityDiff `json:"tasks"`
	Assignments EntityDiff `json:"assignments"`
	Blockers    EntityDiff `json:"blockers"`
	Memory      EntityDiff `json:"memory"`
}

// Empty reports whether the project state matches the checkpoint exactly.
func (d *Diff) Empty() bool {
	return d.Project == nil && d.Tasks.Empty() && d.Assignments.Empty() &&
		d.Blockers.Empty() && d.Memory.Empty()
}

func computeDiff(then, now *store.ProjectSnapshot) *Diff {
	d := &Diff{}

	if patch := rowPatch(then.Project, now.Project); patch != "" {
		d.Project = &RowChange{ID: now.Project.ID, Patch: patch}
	}

	d.Tasks = diffKeyed(
		indexBy(then.Tasks, func(t *models.Task) string { return t.ID }),
		indexBy(now.Tasks, func(t *models.Task) string { return t.ID }),
	)
	d.Assignments = diffKeyed(
		indexBy(then.Assignments, func(a *models.Assignment) string { return a.AgentID }),
		indexBy(now.Assignments, func(a *models.Assignment) string { return a.AgentID }),
	)
	d.Blockers = diffKeyed(
		indexBy(then.Blockers, func(b *models.Blocker) string { return b.ID }),
		indexBy(now.Blockers, func(b *models.Blocker) string { return b.ID }),
	)
	// Memory rows key by (agent, key): autoincrement IDs are not stable
	// across a restore.
	memKey := func(m *models.MemoryItem) string { return m.AgentID + "/" + m.Key }
	d.Memory = diffKeyed(indexBy(then.Memory, memKey), indexBy(now.Memory, memKey))

	return d
}

func indexBy[T any](items []T, key func(T) string) map[string]T {
	out := make(map[string]T, len(items))
	for _, it := range items {
		out[key(it)] = it
	}
	return out
}

func diffKeyed[T any](then, now map[string]T) EntityDiff {
	var d EntityDiff
	for id, cur := range now {
		old, ok := then[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		if patch := rowPatch(old, cur); patch != "" {
			d.Modified = append(d.Modified, RowChange{ID: id, Patch: patch})
		}
	}
	for id := range then {
		if _, ok := now[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Slice(d.Modified, func(i, j int) bool { return d.Modified[i].ID < d.Modified[j].ID })
	return d
}

// rowPatch renders the line-level difference between two rows' JSON
// encodings, or "" when they are identical.
func rowPatch(old, cur any) string {
	a, _ := json.MarshalIndent(old, "", "  ")
	b, _ := json.MarshalIndent(cur, "", "  ")
	if string(a) == string(b) {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(a), string(b), true)
	dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(string(a), diffs)
	return dmp.PatchToText(patches)
}
