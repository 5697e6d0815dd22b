// Package agentruntime drives worker agents: it hydrates context, runs the
// model turn loop with tool dispatch, applies file changes, and signals
// finalization to the scheduler.
package agentruntime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeframe-dev/codeframe/internal/blocker"
	"github.com/codeframe-dev/codeframe/internal/contextmgr"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/review"
	"github.com/codeframe-dev/codeframe/internal/scheduler"
	"github.com/codeframe-dev/codeframe/internal/store"
	"github.com/codeframe-dev/codeframe/internal/workspace"
)

// Limits on a single task execution.
const (
	maxTurnsPerTask  = 32
	maxLLMRetries    = 3
	llmRetryInitial  = 2 * time.Second
	llmRetryMaxWait  = 30 * time.Second
	observationScore = 0.6
)

// Runtime executes tasks for agents. One instance serves all agents; each
// task execution runs on its own goroutine via the dispatch loop.
type Runtime struct {
	db       *sql.DB
	sched    *scheduler.Scheduler
	contexts *contextmgr.Manager
	blockers *blocker.Queue
	ws       *workspace.Manager
	llm      LLMClient
}

// New creates a Runtime.
func New(db *sql.DB, sched *scheduler.Scheduler, contexts *contextmgr.Manager, blockers *blocker.Queue, ws *workspace.Manager, llm LLMClient) *Runtime {
	return &Runtime{
		db:       db,
		sched:    sched,
		contexts: contexts,
		blockers: blockers,
		ws:       ws,
		llm:      llm,
	}
}

// defaultTools is the capability set offered on every turn.
var defaultTools = []Tool{
	{Name: "context_retrieve", Description: "Retrieve memory items relevant to a query. Args: {\"query\": string}"},
	{Name: "context_record", Description: "Record an observation into memory. Args: {\"key\": string, \"value\": string}"},
	{Name: "file_read", Description: "Read a workspace file. Args: {\"path\": string}"},
	{Name: "blocker_raise", Description: "Ask a human a question. Args: {\"kind\": \"SYNC\"|\"ASYNC\", \"severity\": string, \"prompt\": string}. SYNC suspends until answered."},
}

// ExecuteTask runs one assigned task to finalization. It is the worker body:
// hydrate, loop model turns with tool dispatch, apply changes, finalize.
func (r *Runtime) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := r.sched.GetTask(taskID)
	if err != nil {
		return err
	}
	agentID := task.AssignedTo
	if agentID == "" {
		return &models.ValidationError{Field: "task_id", Reason: "task has no agent"}
	}

	if err := r.sched.StartTask(taskID); err != nil {
		return err
	}

	prompt, err := r.buildPrompt(task)
	if err != nil {
		return err
	}

	var changes []workspace.FileChange
	var observations []string

	for turn := 0; turn < maxTurnsPerTask; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		comp, err := r.generateWithRetry(ctx, task, agentID, prompt)
		if err != nil {
			return err
		}
		r.recordUsage(task, agentID, comp)

		changes = append(changes, comp.FileChanges...)
		observations = append(observations, comp.Observations...)

		if comp.Done {
			break
		}

		results, err := r.dispatchTools(ctx, task, agentID, comp.ToolCalls)
		if err != nil {
			return err
		}
		prompt = prompt + "\n\nTool results:\n" + results
	}

	if len(changes) > 0 {
		if err := r.ws.Apply(task.ProjectID, changes); err != nil {
			return fmt.Errorf("failed to apply file changes: %w", err)
		}
	}

	fingerprint := r.fingerprint(task, changes)
	result, err := r.sched.OnTaskFinalized(ctx, taskID, fingerprint)
	if err != nil {
		return err
	}

	if result.Passed() && len(changes) > 0 {
		msg := fmt.Sprintf("%s: %s", task.ID, task.Title)
		if _, err := r.ws.Commit(ctx, task.ProjectID, msg); err != nil {
			slog.Warn("failed to commit workspace", "task_id", task.ID, "error", err)
		}
	}

	r.flushObservations(task, agentID, observations)
	return nil
}

// generateWithRetry calls the model with bounded backoff on transient
// infrastructure failures. Exhausted retries convert to a SYNC blocker so a
// human decides how to proceed.
func (r *Runtime) generateWithRetry(ctx context.Context, task *models.Task, agentID, prompt string) (*Completion, error) {
	var comp *Completion

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = llmRetryInitial
	policy.MaxInterval = llmRetryMaxWait

	attempts := 0
	operation := func() error {
		attempts++
		c, err := r.llm.Generate(ctx, prompt, defaultTools)
		if err != nil {
			var llmErr *models.LLMError
			if errors.As(err, &llmErr) && !llmErr.Transient {
				return backoff.Permanent(err)
			}
			if attempts >= maxLLMRetries {
				return backoff.Permanent(err)
			}
			return err
		}
		comp = c
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err == nil {
		return comp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	slog.Error("llm generation failed, escalating", "task_id", task.ID, "agent_id", agentID, "error", err)
	b, raiseErr := r.blockers.Raise(task.ID, agentID, models.BlockerSync, models.SeverityHigh,
		"LLM infrastructure failure: "+err.Error(), nil)
	if raiseErr != nil {
		return nil, errors.Join(err, raiseErr)
	}
	answer, waitErr := r.blockers.Await(ctx, b.ID)
	if waitErr != nil {
		return nil, errors.Join(err, waitErr)
	}
	if answer == models.AbandonedAnswer {
		return nil, err
	}
	r.resumeTask(task.ID)
	// Human answered: retry the turn with their guidance attached.
	return r.llm.Generate(ctx, prompt+"\n\nOperator guidance: "+answer, defaultTools)
}

// resumeTask re-marks a task in_progress after a blocker answer re-opened it
// as assigned. Best-effort; a task the human failed instead stays put.
func (r *Runtime) resumeTask(taskID string) {
	if err := r.sched.StartTask(taskID); err != nil {
		var verr *models.ValidationError
		if !errors.As(err, &verr) {
			slog.Warn("failed to resume task after blocker", "task_id", taskID, "error", err)
		}
	}
}

// dispatchTools executes the model's tool calls and renders results.
func (r *Runtime) dispatchTools(ctx context.Context, task *models.Task, agentID string, calls []ToolCall) (string, error) {
	var out strings.Builder
	for _, call := range calls {
		result, err := r.runTool(ctx, task, agentID, call)
		if err != nil {
			result = "error: " + err.Error()
		}
		fmt.Fprintf(&out, "[%s] %s\n", call.Name, result)
	}
	return out.String(), nil
}

func (r *Runtime) runTool(ctx context.Context, task *models.Task, agentID string, call ToolCall) (string, error) {
	switch call.Name {
	case "context_retrieve":
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", err
		}
		items, err := r.contexts.Retrieve(agentID, args.Query)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, it := range items {
			fmt.Fprintf(&b, "%s: %s\n", it.Key, it.Value)
		}
		return b.String(), nil

	case "context_record":
		var args struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", err
		}
		if _, err := r.contexts.Record(agentID, task.ProjectID, args.Key, args.Value, observationScore); err != nil {
			return "", err
		}
		return "recorded", nil

	case "file_read":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", err
		}
		return r.ws.ReadFile(task.ProjectID, args.Path)

	case "blocker_raise":
		var args struct {
			Kind     models.BlockerKind     `json:"kind"`
			Severity models.BlockerSeverity `json:"severity"`
			Prompt   string                 `json:"prompt"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", err
		}
		if args.Severity == "" {
			args.Severity = models.SeverityMedium
		}
		b, err := r.blockers.Raise(task.ID, agentID, args.Kind, args.Severity, args.Prompt, nil)
		if err != nil {
			return "", err
		}
		if args.Kind == models.BlockerSync {
			answer, err := r.blockers.Await(ctx, b.ID)
			if err != nil {
				return "", err
			}
			r.resumeTask(task.ID)
			return "answer: " + answer, nil
		}
		return "raised " + b.ID, nil

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

// buildPrompt hydrates HOT and WARM memory into the task prompt. Failure
// details from a previous gate run ride along via the task's attempt state.
func (r *Runtime) buildPrompt(task *models.Task) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.Attempt > 0 {
		fmt.Fprintf(&b, "This is retry attempt %d; earlier attempts failed quality gates.\n", task.Attempt)
	}

	items, err := r.contexts.List(task.AssignedTo, models.TierHot, models.TierWarm)
	if err != nil {
		return "", err
	}
	if len(items) > 0 {
		b.WriteString("\nContext:\n")
		for _, it := range items {
			fmt.Fprintf(&b, "- %s: %s\n", it.Key, it.Value)
		}
	}
	return b.String(), nil
}

// fingerprint hashes the task inputs and the final content of the files the
// agent touched; this keys the review gate.
func (r *Runtime) fingerprint(task *models.Task, changes []workspace.FileChange) string {
	if len(changes) == 0 {
		return ""
	}
	files := make(map[string]string, len(changes))
	for _, c := range changes {
		if c.Delete {
			continue
		}
		files[c.Path] = c.Content
	}
	return review.Fingerprint(task.ID, task.Title+"\n"+task.Description, files)
}

// recordUsage persists token counts for metrics. Best-effort; missing token
// numbers are estimated from the text.
func (r *Runtime) recordUsage(task *models.Task, agentID string, comp *Completion) {
	completionTokens := comp.CompletionTokens
	if completionTokens == 0 && comp.Text != "" {
		completionTokens = contextmgr.CountTokens(comp.Text)
	}
	agent, err := r.sched.GetAgent(agentID)
	model := ""
	if err == nil {
		model = agent.Provider
	}
	usage := &store.LLMUsage{
		ProjectID:        task.ProjectID,
		AgentID:          agentID,
		TaskID:           task.ID,
		Model:            model,
		PromptTokens:     comp.PromptTokens,
		CompletionTokens: completionTokens,
	}
	if err := store.InsertLLMUsage(r.db, usage); err != nil {
		slog.Warn("failed to record llm usage", "task_id", task.ID, "error", err)
	}
	if delta := comp.PromptTokens + completionTokens; delta > 0 {
		if err := store.AddAgentContextTokens(r.db, agentID, delta); err != nil {
			slog.Warn("failed to update agent context tokens", "agent_id", agentID, "error", err)
		}
	}
}

// flushObservations records the turn's observations, retiers, and
// flash-saves under context-window pressure.
func (r *Runtime) flushObservations(task *models.Task, agentID string, observations []string) {
	for i, obs := range observations {
		key := fmt.Sprintf("obs:%s:%d:%d", task.ID, task.Attempt, i)
		if _, err := r.contexts.Record(agentID, task.ProjectID, key, obs, observationScore); err != nil {
			slog.Warn("failed to record observation", "agent_id", agentID, "error", err)
		}
	}
	if err := r.contexts.Retier(agentID); err != nil {
		slog.Warn("retier failed after task", "agent_id", agentID, "error", err)
	}
	if _, pressured, err := r.contexts.HotPressure(agentID); err == nil && pressured {
		if _, err := r.contexts.FlashSave(agentID, "context pressure after "+task.ID); err != nil {
			slog.Warn("flash save failed", "agent_id", agentID, "error", err)
		}
	}
}
