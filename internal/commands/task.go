package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/gate"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/output"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// NewTaskCmd creates the task command group.
func NewTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Create, assign, and finalize tasks within a project",
	}

	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskGetCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskAssignCmd())
	cmd.AddCommand(newTaskNextCmd())
	cmd.AddCommand(newTaskFinalizeCmd())
	cmd.AddCommand(newTaskFailCmd())
	cmd.AddCommand(newTaskDepCmd())

	return cmd
}

func newTaskDepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Manage task dependencies",
	}

	add := &cobra.Command{
		Use:   "add <task-id> <depends-on-task-id>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withDB(func(db *DB) error {
				return store.AddTaskDependency(db, args[0], args[1])
			}); err != nil {
				return err
			}
			return printDeps(args[0])
		},
	}

	remove := &cobra.Command{
		Use:   "remove <task-id> <depends-on-task-id>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withDB(func(db *DB) error {
				return store.RemoveTaskDependency(db, args[0], args[1])
			}); err != nil {
				return err
			}
			return printDeps(args[0])
		},
	}

	list := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printDeps(args[0])
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func printDeps(taskID string) error {
	var deps []string
	if err := withDB(func(db *DB) error {
		d, err := store.GetTaskDependencies(db, taskID)
		if err != nil {
			return err
		}
		deps = d
		return nil
	}); err != nil {
		return err
	}
	type resp struct {
		TaskID    string   `json:"task_id"`
		DependsOn []string `json:"depends_on"`
	}
	return output.PrintSuccess(resp{TaskID: taskID, DependsOn: deps})
}

func newTaskCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			title, _ := cmd.Flags().GetString("title")
			description, _ := cmd.Flags().GetString("description")
			priority, _ := cmd.Flags().GetInt("priority")
			agentType, _ := cmd.Flags().GetString("type")
			dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}
			if title == "" {
				return cmdErr(errors.New("--title is required"))
			}

			var task *models.Task
			if err := withCore(func(c *core) error {
				t, err := c.sched.CreateTask(store.CreateTaskParams{
					ProjectID:   projectID,
					Title:       title,
					Description: description,
					Priority:    priority,
					AgentType:   models.AgentType(agentType),
					DependsOn:   dependsOn,
				})
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(task)
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	cmd.Flags().String("title", "", "Task title (required)")
	cmd.Flags().String("description", "", "Task description")
	cmd.Flags().Int("priority", 0, "Priority (higher dispatches first)")
	cmd.Flags().String("type", "backend", "Agent type the task targets")
	cmd.Flags().StringSlice("depends-on", nil, "Task IDs this task depends on")
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Get task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task *models.Task
			if err := withCore(func(c *core) error {
				t, err := c.sched.GetTask(args[0])
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(task)
		},
	}
}

func newTaskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			status, _ := cmd.Flags().GetString("status")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var tasks []*models.Task
			if err := withCore(func(c *core) error {
				ts, err := c.sched.ListTasks(projectID, models.TaskStatus(status))
				if err != nil {
					return err
				}
				tasks = ts
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Tasks []*models.Task `json:"tasks"`
				Count int            `json:"count"`
			}
			return output.PrintSuccess(resp{Tasks: tasks, Count: len(tasks)})
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	cmd.Flags().String("status", "", "Filter by status")
	return cmd
}

func newTaskAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Assign a task to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, _ := cmd.Flags().GetString("agent")
			if agentID == "" {
				return cmdErr(errors.New("--agent is required"))
			}

			if err := withCore(func(c *core) error {
				return c.sched.AssignTask(args[0], agentID)
			}); err != nil {
				return err
			}
			type resp struct {
				TaskID  string `json:"task_id"`
				AgentID string `json:"agent_id"`
			}
			return output.PrintSuccess(resp{TaskID: args[0], AgentID: agentID})
		},
	}

	cmd.Flags().String("agent", "", "Agent ID (required)")
	return cmd
}

func newTaskNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <agent-id>",
		Short: "Show the next ready task for an agent in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var task *models.Task
			if err := withCore(func(c *core) error {
				t, err := c.sched.NextTaskFor(args[0], projectID)
				if err != nil {
					return err
				}
				task = t
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Task *models.Task `json:"task"`
			}
			return output.PrintSuccess(resp{Task: task})
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	return cmd
}

func newTaskFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <task-id>",
		Short: "Run the quality gate pipeline on a submitted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fingerprint, _ := cmd.Flags().GetString("fingerprint")

			var result *gate.PipelineResult
			if err := withGates(func(c *core) error {
				r, err := c.sched.OnTaskFinalized(context.Background(), args[0], fingerprint)
				if err != nil {
					return err
				}
				result = r
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(result)
		},
	}

	cmd.Flags().String("fingerprint", "", "Review fingerprint of the submitted work")
	return cmd
}

func newTaskFailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Mark a task failed and release its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if err := withCore(func(c *core) error {
				return c.sched.FailTask(args[0], reason)
			}); err != nil {
				return err
			}
			type resp struct {
				TaskID string            `json:"task_id"`
				Status models.TaskStatus `json:"status"`
			}
			return output.PrintSuccess(resp{TaskID: args[0], Status: models.TaskFailed})
		},
	}

	cmd.Flags().String("reason", "operator request", "Failure reason")
	return cmd
}
