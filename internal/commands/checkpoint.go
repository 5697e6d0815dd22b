package commands

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/checkpoint"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/output"
	"github.com/codeframe-dev/codeframe/internal/store"
	"github.com/codeframe-dev/codeframe/internal/workspace"
)

// NewCheckpointCmd creates the checkpoint command group.
func NewCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Create, inspect, and restore project checkpoints",
	}

	cmd.AddCommand(newCheckpointCreateCmd())
	cmd.AddCommand(newCheckpointListCmd())
	cmd.AddCommand(newCheckpointGetCmd())
	cmd.AddCommand(newCheckpointDeleteCmd())
	cmd.AddCommand(newCheckpointRestoreCmd())
	cmd.AddCommand(newCheckpointDiffCmd())

	return cmd
}

// withCheckpoints opens the database and assembles the checkpoint engine over
// the workspace manager.
func withCheckpoints(fn func(e *checkpoint.Engine) error) error {
	settings, err := app.LoadSettings()
	if err != nil {
		return cmdErr(err)
	}
	return withDB(func(db *DB) error {
		if err := store.RunMigrations(db); err != nil {
			return err
		}
		wsRoot := settings.WorkspaceRoot
		if wsRoot == "" {
			dir, err := app.ConfigDir()
			if err != nil {
				return err
			}
			wsRoot = filepath.Join(dir, "workspaces")
		}
		eventBus := bus.New(db, settings.EventQueueSize)
		engine := checkpoint.New(db, eventBus, store.NewProjectLocks(), workspace.New(wsRoot))
		return fn(engine)
	})
}

func newCheckpointCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot a project's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			name, _ := cmd.Flags().GetString("name")
			description, _ := cmd.Flags().GetString("description")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}
			if name == "" {
				return cmdErr(errors.New("--name is required"))
			}

			var ckpt *models.Checkpoint
			if err := withCheckpoints(func(e *checkpoint.Engine) error {
				c, err := e.Create(context.Background(), projectID, name, description)
				if err != nil {
					return err
				}
				ckpt = c
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(ckpt)
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	cmd.Flags().String("name", "", "Checkpoint name (required)")
	cmd.Flags().String("description", "", "Checkpoint description")
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var checkpoints []*models.Checkpoint
			if err := withCheckpoints(func(e *checkpoint.Engine) error {
				cs, err := e.List(projectID)
				if err != nil {
					return err
				}
				checkpoints = cs
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Checkpoints []*models.Checkpoint `json:"checkpoints"`
				Count       int                  `json:"count"`
			}
			return output.PrintSuccess(resp{Checkpoints: checkpoints, Count: len(checkpoints)})
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	return cmd
}

func newCheckpointGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <checkpoint-id>",
		Short: "Get checkpoint details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ckpt *models.Checkpoint
			if err := withCheckpoints(func(e *checkpoint.Engine) error {
				c, err := e.Get(args[0])
				if err != nil {
					return err
				}
				ckpt = c
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(ckpt)
		},
	}
}

func newCheckpointDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <checkpoint-id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withCheckpoints(func(e *checkpoint.Engine) error {
				return e.Delete(args[0])
			}); err != nil {
				return err
			}
			type resp struct {
				CheckpointID string `json:"checkpoint_id"`
				Deleted      bool   `json:"deleted"`
			}
			return output.PrintSuccess(resp{CheckpointID: args[0], Deleted: true})
		},
	}
}

func newCheckpointRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore a project to a checkpoint",
		Long:  "Rewrites the project's tasks, assignments, blockers, and memory to the checkpointed state and resets the workspace to the recorded commit. The event log is preserved.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := withCheckpoints(func(e *checkpoint.Engine) error {
				return e.Restore(context.Background(), args[0])
			}); err != nil {
				return err
			}
			type resp struct {
				CheckpointID string `json:"checkpoint_id"`
				Restored     bool   `json:"restored"`
			}
			return output.PrintSuccess(resp{CheckpointID: args[0], Restored: true})
		},
	}
}

func newCheckpointDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <checkpoint-id>",
		Short: "Show what changed since a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var diff *checkpoint.Diff
			if err := withCheckpoints(func(e *checkpoint.Engine) error {
				d, err := e.Diff(args[0])
				if err != nil {
					return err
				}
				diff = d
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(diff)
		},
	}
}
