package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// DefaultTickInterval is the dispatch loop period.
const DefaultTickInterval = 2 * time.Second

// Tick runs one dispatch pass: each running project, each idle assigned
// agent (stable order by agent_id) gets the next ready task fitting its
// type. The project start index rotates across ticks so the first project
// in list order never starves the others, and an agent working for several
// projects is handed at most one task per tick.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	projects, err := store.ListProjects(s.db, "")
	if err != nil {
		return 0, err
	}

	active := projects[:0]
	for _, project := range projects {
		if project.Status.IsActive() {
			active = append(active, project)
		}
	}
	if len(active) == 0 {
		return 0, nil
	}

	start := s.nextTickOffset() % len(active)
	taken := make(map[string]bool)

	assigned := 0
	for i := range active {
		if ctx.Err() != nil {
			return assigned, ctx.Err()
		}
		project := active[(start+i)%len(active)]
		n, err := s.dispatchProject(project.ID, taken)
		if err != nil {
			slog.Warn("dispatch failed for project", "project_id", project.ID, "error", err)
			continue
		}
		assigned += n
	}
	return assigned, nil
}

// nextTickOffset advances the round-robin cursor.
func (s *Scheduler) nextTickOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.tickOffset
	s.tickOffset++
	if s.tickOffset < 0 {
		s.tickOffset = 0
	}
	return n
}

// dispatchProject hands ready tasks to the project's idle agents. taken
// tracks agents already given a task this tick, across projects.
func (s *Scheduler) dispatchProject(projectID string, taken map[string]bool) (int, error) {
	agents, err := store.GetAgentsForProject(s.db, projectID, true)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, aa := range agents {
		if aa.Agent.Status != models.AgentIdle || taken[aa.Agent.ID] {
			continue
		}
		task, err := store.GetNextReadyTask(s.db, projectID, aa.Agent.Type)
		if err != nil {
			return assigned, err
		}
		if task == nil {
			continue
		}
		if err := s.AssignTask(task.ID, aa.Agent.ID); err != nil {
			// A racing assign already took the task; the next tick retries.
			var conflict *models.VersionConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return assigned, err
		}
		taken[aa.Agent.ID] = true
		assigned++
	}
	return assigned, nil
}

// Run drives the dispatch loop and blocker deadline sweep until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("dispatch tick failed", "error", err)
			}
			s.sweepDeadlines()
		}
	}
}

// sweepDeadlines expires overdue blockers and fails their tasks: an
// unanswered deadline means the human never unblocked the work.
func (s *Scheduler) sweepDeadlines() {
	if s.blockers == nil {
		return
	}
	expired, err := s.blockers.ExpireDeadlines(time.Now().UTC())
	if err != nil {
		slog.Warn("deadline sweep failed", "error", err)
		return
	}
	for _, b := range expired {
		if err := s.FailTask(b.TaskID, "blocker deadline expired"); err != nil {
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				slog.Warn("failed to fail task after blocker expiry", "task_id", b.TaskID, "error", err)
			}
		}
	}
}
