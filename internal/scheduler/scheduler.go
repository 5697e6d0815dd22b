// Package scheduler holds the authoritative lifecycle logic: project and
// agent lifecycles, task assignment and dispatch, and gate-driven
// finalization.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeframe-dev/codeframe/internal/blocker"
	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/gate"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
	"github.com/codeframe-dev/codeframe/internal/workspace"
)

// DefaultMaxSelfCorrect bounds gate-failure retries before escalating to a
// SYNC blocker.
const DefaultMaxSelfCorrect = 3

// Scheduler is the lifecycle authority. One instance per process.
type Scheduler struct {
	db       *sql.DB
	bus      *bus.Bus
	gates    *gate.Pipeline
	blockers *blocker.Queue
	ws       *workspace.Manager

	maxSelfCorrect int

	mu         sync.Mutex
	running    map[string]projectRun
	tickOffset int
}

// projectRun is a running project's work context in this process.
type projectRun struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. gates and ws may be nil in tests; blockers is
// required for escalation.
func New(db *sql.DB, b *bus.Bus, gates *gate.Pipeline, blockers *blocker.Queue, ws *workspace.Manager, maxSelfCorrect int) *Scheduler {
	if maxSelfCorrect <= 0 {
		maxSelfCorrect = DefaultMaxSelfCorrect
	}
	return &Scheduler{
		db:             db,
		bus:            b,
		gates:          gates,
		blockers:       blockers,
		ws:             ws,
		maxSelfCorrect: maxSelfCorrect,
		running:        make(map[string]projectRun),
	}
}

// SetGates attaches the quality-gate pipeline after construction. The gate
// pipeline's review stage needs the scheduler for task lookups, so the two
// are wired in two steps at startup.
func (s *Scheduler) SetGates(gates *gate.Pipeline) { s.gates = gates }

// CreateProject registers a new project in created status, discovery phase.
func (s *Scheduler) CreateProject(name, description, userID string) (*models.Project, error) {
	project, err := store.CreateProject(s.db, name, description, userID)
	if err != nil {
		return nil, err
	}
	s.publish(models.EventProjectCreated, project.ID, "", "", map[string]any{
		"name": project.Name,
	})
	return project, nil
}

// CreateTask adds a task to a project, with optional dependency edges.
func (s *Scheduler) CreateTask(params store.CreateTaskParams) (*models.Task, error) {
	task, err := store.CreateTask(s.db, params)
	if err != nil {
		return nil, err
	}
	s.publish(models.EventTaskCreated, task.ProjectID, "", task.ID, map[string]any{
		"title":      task.Title,
		"agent_type": task.AgentType,
		"priority":   task.Priority,
	})
	return task, nil
}

// AssignAgent links an agent to a project in a role.
func (s *Scheduler) AssignAgent(projectID, agentID, role string) error {
	err := store.Transact(s.db, func(tx *sql.Tx) error {
		return store.AssignAgentTx(tx, projectID, agentID, role)
	})
	if err != nil {
		return err
	}
	s.publish(models.EventAgentAssigned, projectID, agentID, "", map[string]any{"role": role})
	return nil
}

// UnassignAgent deactivates an agent's assignment. The agent survives; only
// the link is revoked. The agent's open tasks on that project return to the
// pool so another agent can pick them up.
func (s *Scheduler) UnassignAgent(projectID, agentID string) error {
	err := store.Transact(s.db, func(tx *sql.Tx) error {
		if err := store.UnassignAgentTx(tx, projectID, agentID); err != nil {
			return err
		}
		open, err := openTaskIDsTx(tx, projectID, agentID)
		if err != nil {
			return err
		}
		for _, taskID := range open {
			if err := store.ClearTaskAssignmentTx(tx, taskID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(models.EventAgentUnassigned, projectID, agentID, "", nil)
	return nil
}

// openTaskIDsTx lists the agent's assigned or in-flight tasks on a project.
func openTaskIDsTx(tx *sql.Tx, projectID, agentID string) ([]string, error) {
	rows, err := tx.Query(`
		SELECT id FROM tasks
		WHERE project_id = ? AND assigned_to = ? AND status IN ('assigned', 'in_progress', 'review')
		ORDER BY id
	`, projectID, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateRole changes the role on an active assignment.
func (s *Scheduler) UpdateRole(projectID, agentID, role string) error {
	return store.Transact(s.db, func(tx *sql.Tx) error {
		return store.UpdateAssignmentRoleTx(tx, projectID, agentID, role)
	})
}

// Start transitions a project to running and boots its lead agent into the
// discovery phase. A project with no lead assigned fails validation.
func (s *Scheduler) Start(ctx context.Context, projectID string) error {
	var lead *models.Agent

	err := store.Transact(s.db, func(tx *sql.Tx) error {
		project, err := store.GetProjectTx(tx, projectID)
		if err != nil {
			return err
		}
		if project.Status != models.ProjectCreated && project.Status != models.ProjectPaused {
			return &models.ValidationError{Field: "status", Reason: "project cannot start from status " + string(project.Status)}
		}
		lead, err = s.leadAgentTx(tx, projectID)
		if err != nil {
			return err
		}
		return store.UpdateProjectStatusTx(tx, projectID, models.ProjectRunning, project.Version)
	})
	if err != nil {
		return err
	}

	if s.ws != nil {
		if err := s.ws.Ensure(ctx, projectID); err != nil {
			slog.Warn("failed to prepare workspace", "project_id", projectID, "error", err)
		}
	}

	s.registerRunning(ctx, projectID)
	s.publish(models.EventProjectStatusChanged, projectID, "", "", map[string]any{"status": models.ProjectRunning})
	s.publish(models.EventAgentStarted, projectID, lead.ID, "", map[string]any{"role": "lead"})
	return nil
}

// Pause moves a running project to paused and cancels its work context. Agents
// observe the cancellation and stop at their next turn boundary.
func (s *Scheduler) Pause(projectID string) error {
	err := store.Transact(s.db, func(tx *sql.Tx) error {
		project, err := store.GetProjectTx(tx, projectID)
		if err != nil {
			return err
		}
		if project.Status != models.ProjectRunning {
			return &models.ValidationError{Field: "status", Reason: "only a running project can pause"}
		}
		return store.UpdateProjectStatusTx(tx, projectID, models.ProjectPaused, project.Version)
	})
	if err != nil {
		return err
	}

	s.cancelRunning(projectID)
	s.publish(models.EventProjectStatusChanged, projectID, "", "", map[string]any{"status": models.ProjectPaused})
	return nil
}

// Resume returns a paused project to running with a fresh work context.
func (s *Scheduler) Resume(ctx context.Context, projectID string) error {
	err := store.Transact(s.db, func(tx *sql.Tx) error {
		project, err := store.GetProjectTx(tx, projectID)
		if err != nil {
			return err
		}
		if project.Status != models.ProjectPaused {
			return &models.ValidationError{Field: "status", Reason: "only a paused project can resume"}
		}
		return store.UpdateProjectStatusTx(tx, projectID, models.ProjectRunning, project.Version)
	})
	if err != nil {
		return err
	}

	s.registerRunning(ctx, projectID)
	s.publish(models.EventProjectStatusChanged, projectID, "", "", map[string]any{"status": models.ProjectRunning})
	return nil
}

// AdvancePhase moves the project's lifecycle phase forward. Phases never move
// backward.
func (s *Scheduler) AdvancePhase(projectID string, phase models.ProjectPhase) error {
	return store.Transact(s.db, func(tx *sql.Tx) error {
		return store.AdvanceProjectPhaseTx(tx, projectID, phase)
	})
}

// AssignTask hands a task to an agent after validating: the agent holds an
// active assignment on the task's project, the agent is not blocked, and the
// task is not terminal. Event emission is best-effort; a publish failure never
// fails the assignment.
func (s *Scheduler) AssignTask(taskID, agentID string) error {
	var projectID string

	err := store.Transact(s.db, func(tx *sql.Tx) error {
		task, err := store.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		projectID = task.ProjectID

		if task.Status.IsTerminal() {
			return &models.ValidationError{Field: "task_id", Reason: "task is already terminal"}
		}
		agent, err := store.GetAgentTx(tx, agentID)
		if err != nil {
			return err
		}
		if agent.Status == models.AgentBlocked {
			return &models.ValidationError{Field: "agent_id", Reason: "agent is blocked"}
		}
		ok, err := store.HasActiveAssignmentTx(tx, task.ProjectID, agentID)
		if err != nil {
			return err
		}
		if !ok {
			return &models.ValidationError{Field: "agent_id", Reason: "agent not assigned to project"}
		}
		unresolved, err := store.HasUnresolvedDependenciesTx(tx, taskID)
		if err != nil {
			return err
		}
		if unresolved {
			return &models.ValidationError{Field: "task_id", Reason: "task has unresolved dependencies"}
		}

		return store.SetTaskAssignmentTx(tx, taskID, agentID, task.Version)
	})
	if err != nil {
		return err
	}

	s.publish(models.EventTaskAssigned, projectID, agentID, taskID, nil)
	return nil
}

// NextTaskFor returns the highest-priority ready task fitting the agent's
// type, or nil when nothing is ready.
func (s *Scheduler) NextTaskFor(agentID, projectID string) (*models.Task, error) {
	agent, err := store.GetAgent(s.db, agentID)
	if err != nil {
		return nil, err
	}
	return store.GetNextReadyTask(s.db, projectID, agent.Type)
}

// StartTask marks an assigned task in_progress and its agent working. Called
// by the runtime when the agent picks the task up.
func (s *Scheduler) StartTask(taskID string) error {
	var task *models.Task

	err := store.Transact(s.db, func(tx *sql.Tx) error {
		t, err := store.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		task = t
		if t.Status != models.TaskAssigned {
			return &models.ValidationError{Field: "task_id", Reason: "task is not assigned"}
		}
		if t.AssignedTo == "" {
			return &models.ValidationError{Field: "task_id", Reason: "task has no agent"}
		}
		busy, err := store.AgentHasTaskInProgressTx(tx, t.AssignedTo)
		if err != nil {
			return err
		}
		if busy {
			return &models.ValidationError{Field: "agent_id", Reason: "agent already has a task in progress"}
		}
		if err := store.UpdateTaskStatusTx(tx, taskID, models.TaskInProgress, t.Version); err != nil {
			return err
		}
		agent, err := store.GetAgentTx(tx, t.AssignedTo)
		if err != nil {
			return err
		}
		return store.UpdateAgentStatusTx(tx, agent.ID, models.AgentWorking, agent.Version)
	})
	if err != nil {
		return err
	}

	s.publish(models.EventTaskStarted, task.ProjectID, task.AssignedTo, taskID, nil)
	return nil
}

// OnTaskFinalized runs the quality gates for a task whose agent signalled
// done. Pass: the task completes and dependents become dispatchable. Fail
// below the retry bound with non-critical severity: the task re-opens as
// assigned for self-correction. Otherwise: a SYNC blocker escalates to a
// human.
func (s *Scheduler) OnTaskFinalized(ctx context.Context, taskID, fingerprint string) (*gate.PipelineResult, error) {
	task, err := store.GetTask(s.db, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskInProgress && task.Status != models.TaskReview {
		return nil, &models.ValidationError{Field: "task_id", Reason: "task is not in progress"}
	}

	result := &gate.PipelineResult{Status: models.GatePassed}
	if s.gates != nil {
		dir := ""
		if s.ws != nil {
			dir = s.ws.Dir(task.ProjectID)
		}
		result = s.gates.Run(ctx, task, dir, fingerprint)
	}

	if result.Passed() {
		if err := s.completeTask(task); err != nil {
			return result, err
		}
		return result, nil
	}

	if err := s.failGate(task); err != nil {
		return result, err
	}

	task, err = store.GetTask(s.db, taskID)
	if err != nil {
		return result, err
	}

	if result.MaxSeverity() == models.SeverityCritical || task.Attempt >= s.maxSelfCorrect {
		if err := s.escalate(task, result); err != nil {
			return result, err
		}
		return result, nil
	}

	// Self-correct: the same agent retries with the failure details.
	err = store.Transact(s.db, func(tx *sql.Tx) error {
		return store.UpdateTaskStatusTx(tx, task.ID, models.TaskAssigned, task.Version)
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// completeTask marks a task completed and frees its agent. The completion
// event carries the dependents whose last dependency may just have cleared,
// so subscribers need not re-derive the graph.
func (s *Scheduler) completeTask(task *models.Task) error {
	var dependents []string

	err := store.Transact(s.db, func(tx *sql.Tx) error {
		if err := store.RecordGateOutcomeTx(tx, task.ID, models.GatePassed); err != nil {
			return err
		}
		t, err := store.GetTaskTx(tx, task.ID)
		if err != nil {
			return err
		}
		if err := store.UpdateTaskStatusTx(tx, task.ID, models.TaskCompleted, t.Version); err != nil {
			return err
		}
		dependents, err = store.GetDependentTaskIDsTx(tx, task.ID)
		if err != nil {
			return err
		}
		return s.freeAgentTx(tx, task.AssignedTo)
	})
	if err != nil {
		return err
	}

	var payload map[string]any
	if len(dependents) > 0 {
		payload = map[string]any{"dependents": dependents}
	}
	s.publish(models.EventTaskCompleted, task.ProjectID, task.AssignedTo, task.ID, payload)
	return nil
}

// failGate records the gate failure (bumping the attempt counter).
func (s *Scheduler) failGate(task *models.Task) error {
	return store.Transact(s.db, func(tx *sql.Tx) error {
		return store.RecordGateOutcomeTx(tx, task.ID, models.GateFailed)
	})
}

// escalate opens a SYNC blocker carrying the gate failure details. The
// blocker queue moves the task to blocked and publishes the events.
func (s *Scheduler) escalate(task *models.Task, result *gate.PipelineResult) error {
	if s.blockers == nil {
		return store.Transact(s.db, func(tx *sql.Tx) error {
			return store.UpdateTaskStatusTx(tx, task.ID, models.TaskFailed, task.Version)
		})
	}
	details, _ := json.Marshal(result.BlockingFailures)
	prompt := fmt.Sprintf("Quality gates failed after %d attempts. Failures: %s", task.Attempt, details)
	_, err := s.blockers.Raise(task.ID, task.AssignedTo, models.BlockerSync, result.MaxSeverity(), prompt, nil)
	return err
}

// SuspendTask returns an interrupted in_progress task to assigned and idles
// its agent, so a resumed project re-dispatches it. A task in any other
// status is left alone.
func (s *Scheduler) SuspendTask(taskID string) error {
	return store.Transact(s.db, func(tx *sql.Tx) error {
		t, err := store.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskInProgress {
			return nil
		}
		if err := store.UpdateTaskStatusTx(tx, taskID, models.TaskAssigned, t.Version); err != nil {
			return err
		}
		return s.freeAgentTx(tx, t.AssignedTo)
	})
}

// FailTask force-fails a task and abandons its open blockers.
func (s *Scheduler) FailTask(taskID, reason string) error {
	var task *models.Task
	err := store.Transact(s.db, func(tx *sql.Tx) error {
		t, err := store.GetTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		task = t
		if t.Status.IsTerminal() {
			return &models.ValidationError{Field: "task_id", Reason: "task is already terminal"}
		}
		if err := store.UpdateTaskStatusTx(tx, taskID, models.TaskFailed, t.Version); err != nil {
			return err
		}
		if t.AssignedTo != "" {
			if err := s.freeAgentTx(tx, t.AssignedTo); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.blockers != nil {
		if err := s.blockers.AbandonTask(taskID); err != nil {
			slog.Warn("failed to abandon task blockers", "task_id", taskID, "error", err)
		}
	}
	s.publish(models.EventTaskFailed, task.ProjectID, task.AssignedTo, taskID, map[string]any{"reason": reason})
	return nil
}

// Progress summarizes a project's task completion.
func (s *Scheduler) Progress(projectID string) (store.TaskStatusCounts, error) {
	return store.CountTasksByStatus(s.db, projectID)
}

// leadAgentTx finds the project's active lead agent. Every startable project
// needs one; it drives discovery and planning.
func (s *Scheduler) leadAgentTx(tx *sql.Tx, projectID string) (*models.Agent, error) {
	rows, err := tx.Query(`
		SELECT pa.agent_id FROM project_agents pa
		JOIN agents a ON a.id = pa.agent_id
		WHERE pa.project_id = ? AND pa.is_active = 1 AND (a.type = ? OR pa.role = 'lead')
		ORDER BY pa.assigned_at ASC LIMIT 1
	`, projectID, models.AgentLead)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &models.ValidationError{Field: "project_id", Reason: "project has no lead agent assigned"}
	}
	var agentID string
	if err := rows.Scan(&agentID); err != nil {
		return nil, err
	}
	return store.GetAgentTx(tx, agentID)
}

func (s *Scheduler) freeAgentTx(tx *sql.Tx, agentID string) error {
	if agentID == "" {
		return nil
	}
	agent, err := store.GetAgentTx(tx, agentID)
	if err != nil {
		return err
	}
	return store.UpdateAgentStatusTx(tx, agent.ID, models.AgentIdle, agent.Version)
}

// WorkContext returns the project's work context: cancelled on Pause so
// agents stop at their next turn boundary. A project not running in this
// process gets an already-cancelled context.
func (s *Scheduler) WorkContext(projectID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.running[projectID]; ok {
		return run.ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (s *Scheduler) registerRunning(ctx context.Context, projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.running[projectID]; ok {
		run.cancel()
	}
	wctx, cancel := context.WithCancel(ctx)
	s.running[projectID] = projectRun{ctx: wctx, cancel: cancel}
}

func (s *Scheduler) cancelRunning(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.running[projectID]; ok {
		run.cancel()
		delete(s.running, projectID)
	}
}

// publish emits an event best-effort. Failure to publish is logged at WARN
// and never fails the state change that preceded it.
func (s *Scheduler) publish(eventType, projectID, agentID, taskID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("failed to encode event payload", "type", eventType, "error", err)
		} else {
			data = encoded
		}
	}
	s.bus.Publish(&models.Event{
		Type:      eventType,
		ProjectID: projectID,
		AgentID:   agentID,
		TaskID:    taskID,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	})
}

