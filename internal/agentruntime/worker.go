package agentruntime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeframe-dev/codeframe/internal/models"
)

// DefaultPollInterval is the assigned-task pickup period.
const DefaultPollInterval = time.Second

// Run polls for assigned tasks and executes each on its own goroutine, at
// most one per agent at a time. The scheduler serializes lifecycle
// transitions; the runtime only races on pickup, which StartTask resolves.
func (r *Runtime) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	inflight := make(map[string]bool) // agent_id → executing

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
		}

		projects, err := r.sched.ListProjects("")
		if err != nil {
			slog.Warn("worker poll failed", "error", err)
			continue
		}
		for _, project := range projects {
			if !project.Status.IsActive() {
				continue
			}
			tasks, err := r.sched.ListTasks(project.ID, models.TaskAssigned)
			if err != nil {
				slog.Warn("worker poll failed", "project_id", project.ID, "error", err)
				continue
			}
			for _, task := range tasks {
				agentID := task.AssignedTo
				if agentID == "" {
					continue
				}
				mu.Lock()
				busy := inflight[agentID]
				if !busy {
					inflight[agentID] = true
				}
				mu.Unlock()
				if busy {
					continue
				}

				wg.Add(1)
				wctx := r.sched.WorkContext(project.ID)
				go func(taskID, agentID string) {
					defer wg.Done()
					defer func() {
						mu.Lock()
						delete(inflight, agentID)
						mu.Unlock()
					}()
					if err := r.ExecuteTask(wctx, taskID); err != nil {
						if wctx.Err() != nil {
							// Pause cancelled the work context. Return the
							// task to assigned so resume re-dispatches it.
							if err := r.sched.SuspendTask(taskID); err != nil {
								slog.Warn("failed to suspend task after pause", "task_id", taskID, "error", err)
							}
							return
						}
						slog.Error("task execution failed", "task_id", taskID, "agent_id", agentID, "error", err)
					}
				}(task.ID, agentID)
			}
		}
	}
}
