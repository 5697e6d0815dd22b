package models

import (
	"encoding/json"
	"time"
)

// ID Strategy:
// - Events and MemoryItems use int64 (monotonic ordering, auto-increment)
// - Projects, Agents, Tasks, Blockers, Checkpoints use string
//   (distributed generation, e.g. "task_1234567890_a3f9")
//
// Append-only logs benefit from sequential IDs (efficient indexing, per-
// subscriber ordering guarantees); entity creation benefits from
// collision-free string IDs.

// ProjectStatus represents the operational state of a project.
type ProjectStatus string

// Project status constants.
const (
	ProjectCreated   ProjectStatus = "created"
	ProjectRunning   ProjectStatus = "running"
	ProjectPaused    ProjectStatus = "paused"
	ProjectFailed    ProjectStatus = "failed"
	ProjectCompleted ProjectStatus = "completed"
)

// IsActive returns true if the project can dispatch work.
func (s ProjectStatus) IsActive() bool {
	return s == ProjectRunning
}

// ProjectPhase represents the lifecycle phase of a project. Phases advance
// monotonically; status may oscillate running/paused within a phase.
type ProjectPhase string

// Project phase constants, in order.
const (
	PhaseDiscovery ProjectPhase = "discovery"
	PhasePlanning  ProjectPhase = "planning"
	PhaseActive    ProjectPhase = "active"
	PhaseReview    ProjectPhase = "review"
	PhaseDone      ProjectPhase = "done"
)

var phaseOrder = map[ProjectPhase]int{
	PhaseDiscovery: 0,
	PhasePlanning:  1,
	PhaseActive:    2,
	PhaseReview:    3,
	PhaseDone:      4,
}

// CanAdvanceTo returns true if next is the same phase or a later one.
func (p ProjectPhase) CanAdvanceTo(next ProjectPhase) bool {
	cur, ok1 := phaseOrder[p]
	nxt, ok2 := phaseOrder[next]
	return ok1 && ok2 && nxt >= cur
}

// Project is the top-level unit of work a team of agents is assigned to.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	Phase       ProjectPhase  `json:"phase"`
	UserID      string        `json:"user_id,omitempty"`
	Version     int           `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AgentType classifies what kind of work an agent can take.
type AgentType string

// Agent type constants.
const (
	AgentLead     AgentType = "lead"
	AgentBackend  AgentType = "backend"
	AgentFrontend AgentType = "frontend"
	AgentTest     AgentType = "test"
	AgentReview   AgentType = "review"
	AgentCustom   AgentType = "custom"
)

// AgentStatus represents an agent's availability.
type AgentStatus string

// Agent status constants.
const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
	AgentOffline AgentStatus = "offline"
)

// Maturity is the autonomy level of an agent (D1 most directive, D4 most
// autonomous). It influences how much scaffolding goes into prompts.
type Maturity string

// Maturity constants.
const (
	MaturityD1 Maturity = "D1"
	MaturityD2 Maturity = "D2"
	MaturityD3 Maturity = "D3"
	MaturityD4 Maturity = "D4"
)

// Agent is a reusable LLM-driven worker. Agents are not owned by any one
// project; the Assignment entity links them to projects.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          AgentType   `json:"type"`
	Provider      string      `json:"provider,omitempty"`
	Maturity      Maturity    `json:"maturity"`
	Status        AgentStatus `json:"status"`
	ContextTokens int         `json:"context_tokens"`
	Version       int         `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Assignment is the many-to-many link putting an agent to work on a project
// in a role. Deactivation is soft: is_active flips to false, the agent and
// the historical row survive.
type Assignment struct {
	ProjectID  string     `json:"project_id"`
	AgentID    string     `json:"agent_id"`
	Role       string     `json:"role"`
	IsActive   bool       `json:"is_active"`
	AssignedAt time.Time  `json:"assigned_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// TaskStatus represents the current state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskReview     TaskStatus = "review"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal returns true if the task will never run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// GateStatus is the aggregate quality-gate verdict stored on a task.
type GateStatus string

// Gate status constants.
const (
	GateNotRun GateStatus = "not_run"
	GatePassed GateStatus = "passed"
	GateFailed GateStatus = "failed"
)

// Task is a unit of agent work inside a project. A task may only be assigned
// to an agent that holds an active assignment on the task's project.
type Task struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Status              TaskStatus `json:"status"`
	Priority            int        `json:"priority"`
	AgentType           AgentType  `json:"agent_type"`
	AssignedTo          string     `json:"assigned_to,omitempty"`
	DependsOn           []string   `json:"depends_on,omitempty"`
	QualityGateStatus   GateStatus `json:"quality_gate_status"`
	QualityGateFailures int        `json:"quality_gate_failures"`
	Attempt             int        `json:"attempt"`
	Version             int        `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsAssigned returns true if the task is held by an agent.
func (t *Task) IsAssigned() bool { return t.AssignedTo != "" }

// BlockerKind distinguishes suspending from informational blockers.
type BlockerKind string

// Blocker kind constants. SYNC suspends the owning task until resolved;
// ASYNC records the question and lets the task continue.
const (
	BlockerSync  BlockerKind = "SYNC"
	BlockerAsync BlockerKind = "ASYNC"
)

// BlockerSeverity grades how urgent a blocker is.
type BlockerSeverity string

// Blocker severity constants.
const (
	SeverityLow      BlockerSeverity = "low"
	SeverityMedium   BlockerSeverity = "medium"
	SeverityHigh     BlockerSeverity = "high"
	SeverityCritical BlockerSeverity = "critical"
)

// AbandonedAnswer is the sentinel answer recorded when a blocker's task fails
// or is deleted before a human answered.
const AbandonedAnswer = "[abandoned]"

// Blocker is a human-in-the-loop question raised by an agent mid-task.
type Blocker struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	AgentID    string          `json:"agent_id"`
	Kind       BlockerKind     `json:"kind"`
	Severity   BlockerSeverity `json:"severity"`
	Prompt     string          `json:"prompt"`
	Answer     string          `json:"answer,omitempty"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// IsOpen returns true if the blocker has not been resolved.
func (b *Blocker) IsOpen() bool { return b.ResolvedAt == nil }

// MemoryTier orders an agent's memory by expected near-term relevance.
type MemoryTier string

// Memory tier constants. Items move one tier at a time:
// HOT↔WARM on retier, WARM↔COLD on demotion/rehydrate.
const (
	TierHot  MemoryTier = "HOT"
	TierWarm MemoryTier = "WARM"
	TierCold MemoryTier = "COLD"
)

// MemoryItem is one entry of an agent's tiered context memory. The
// ContextManager is the sole mutator.
type MemoryItem struct {
	ID         int64      `json:"id"`
	AgentID    string     `json:"agent_id"`
	ProjectID  string     `json:"project_id,omitempty"`
	Tier       MemoryTier `json:"tier"`
	Key        string     `json:"key"`
	Value      string     `json:"value"`
	Tokens     int        `json:"tokens"`
	Importance float64    `json:"importance"`
	Pinned     bool       `json:"pinned"`
	UsageCount int        `json:"usage_count"`
	AccessedAt time.Time  `json:"accessed_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Checkpoint is an immutable snapshot of a project's state plus a workspace
// git reference. Restoration rewrites project/task/memory rows atomically.
type Checkpoint struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	GitRef      string    `json:"git_ref,omitempty"`
	Snapshot    []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReviewIssue is a single finding from a code review run.
type ReviewIssue struct {
	Severity BlockerSeverity `json:"severity"`
	File     string          `json:"file,omitempty"`
	Line     int             `json:"line,omitempty"`
	Message  string          `json:"message"`
}

// ReviewReport is the persisted output of one review run, keyed by
// (task_id, fingerprint). The fingerprint is a stable hash over the task's
// inputs and the content of files under review.
type ReviewReport struct {
	TaskID         string         `json:"task_id"`
	Fingerprint    string         `json:"fingerprint"`
	Issues         []ReviewIssue  `json:"issues"`
	SeverityCounts map[string]int `json:"severity_counts"`
	CreatedAt      time.Time      `json:"created_at"`
}

// HasBlockingFindings returns true if the report carries any critical or
// high severity issue (the review gate's failure condition).
func (r *ReviewReport) HasBlockingFindings() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical || is.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Event is one entry of the append-only event log. Seq is monotonic per bus
// and per store.
type Event struct {
	Seq       int64           `json:"seq"`
	ProjectID string          `json:"project_id,omitempty"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// GlobalEvent returns true if the event is filter-exempt: it is delivered to
// every subscriber regardless of project filters (pings, health).
func (e *Event) GlobalEvent() bool { return e.ProjectID == "" }
