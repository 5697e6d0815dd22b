package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/output"
)

// NewProjectCmd creates the project command group.
func NewProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "Create, start, pause, resume, and query projects",
	}

	cmd.AddCommand(newProjectCreateCmd())
	cmd.AddCommand(newProjectGetCmd())
	cmd.AddCommand(newProjectListCmd())
	cmd.AddCommand(newProjectStartCmd())
	cmd.AddCommand(newProjectPauseCmd())
	cmd.AddCommand(newProjectResumeCmd())
	cmd.AddCommand(newProjectProgressCmd())

	return cmd
}

func newProjectCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new project",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			description, _ := cmd.Flags().GetString("description")
			userID, _ := cmd.Flags().GetString("user")
			if name == "" {
				return cmdErr(errors.New("--name is required"))
			}

			var project *models.Project
			if err := withCore(func(c *core) error {
				p, err := c.sched.CreateProject(name, description, userID)
				if err != nil {
					return err
				}
				project = p
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(project)
		},
	}

	cmd.Flags().String("name", "", "Project name (required)")
	cmd.Flags().String("description", "", "Project description")
	cmd.Flags().String("user", "", "Owning user ID")
	return cmd
}

func newProjectGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <project-id>",
		Short: "Get project details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var project *models.Project
			if err := withCore(func(c *core) error {
				p, err := c.sched.GetProject(args[0])
				if err != nil {
					return err
				}
				project = p
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(project)
		},
	}
}

func newProjectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			var projects []*models.Project
			if err := withCore(func(c *core) error {
				ps, err := c.sched.ListProjects(userID)
				if err != nil {
					return err
				}
				projects = ps
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Projects []*models.Project `json:"projects"`
				Count    int               `json:"count"`
			}
			return output.PrintSuccess(resp{Projects: projects, Count: len(projects)})
		},
	}
	cmd.Flags().String("user", "", "Filter by owning user ID")
	return cmd
}

func newProjectStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start a project (requires a lead agent assignment)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withCore(func(c *core) error {
				return c.sched.Start(context.Background(), args[0])
			}); err != nil {
				return err
			}
			type resp struct {
				ProjectID string               `json:"project_id"`
				Status    models.ProjectStatus `json:"status"`
			}
			return output.PrintSuccess(resp{ProjectID: args[0], Status: models.ProjectRunning})
		},
	}
}

func newProjectPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <project-id>",
		Short: "Pause a running project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withCore(func(c *core) error {
				return c.sched.Pause(args[0])
			}); err != nil {
				return err
			}
			type resp struct {
				ProjectID string               `json:"project_id"`
				Status    models.ProjectStatus `json:"status"`
			}
			return output.PrintSuccess(resp{ProjectID: args[0], Status: models.ProjectPaused})
		},
	}
}

func newProjectResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Resume a paused project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withCore(func(c *core) error {
				return c.sched.Resume(context.Background(), args[0])
			}); err != nil {
				return err
			}
			type resp struct {
				ProjectID string               `json:"project_id"`
				Status    models.ProjectStatus `json:"status"`
			}
			return output.PrintSuccess(resp{ProjectID: args[0], Status: models.ProjectRunning})
		},
	}
}

func newProjectProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <project-id>",
		Short: "Show task status counts for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result any
			if err := withCore(func(c *core) error {
				counts, err := c.sched.Progress(args[0])
				if err != nil {
					return err
				}
				result = counts
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(result)
		},
	}
}
