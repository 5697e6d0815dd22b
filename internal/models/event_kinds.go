package models

// Event types published by the core. Each carries project_id where
// meaningful, a monotonic seq, a timestamp, and a type-specific payload.
const (
	EventProjectCreated       = "project_created"
	EventProjectStatusChanged = "project_status_changed"
	EventAgentAssigned        = "agent_assigned"
	EventAgentUnassigned      = "agent_unassigned"
	EventAgentStarted         = "agent_started"
	EventAgentStatusChanged   = "agent_status_changed"
	EventTaskCreated          = "task_created"
	EventTaskAssigned         = "task_assigned"
	EventTaskStarted          = "task_started"
	EventTaskBlocked          = "task_blocked"
	EventTaskUnblocked        = "task_unblocked"
	EventTaskCompleted        = "task_completed"
	EventTaskFailed           = "task_failed"
	EventQualityGateResult    = "quality_gate_result"
	EventReviewCompleted      = "review_completed"
	EventBlockerRaised        = "blocker_raised"
	EventBlockerResolved      = "blocker_resolved"
	EventCheckpointCreated    = "checkpoint_created"
	EventCheckpointRestored   = "checkpoint_restored"
	EventContextRetier        = "context_retier"
	EventFlashSave            = "flash_save"
	EventLintCompleted        = "lint_completed"
	EventChatMessage          = "chat_message"
)

// Filter-exempt event types: delivered to every subscriber regardless of
// project filter (connection-level, not project-scoped facts).
const (
	EventPing   = "ping"
	EventHealth = "health"
)
