package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/output"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// NewBlockerCmd creates the blocker command group.
func NewBlockerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocker",
		Short: "Inspect and resolve agent blockers",
	}

	cmd.AddCommand(newBlockerListCmd())
	cmd.AddCommand(newBlockerGetCmd())
	cmd.AddCommand(newBlockerResolveCmd())
	cmd.AddCommand(newBlockerMetricsCmd())

	return cmd
}

func newBlockerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List blockers for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			all, _ := cmd.Flags().GetBool("all")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var blockers []*models.Blocker
			if err := withCore(func(c *core) error {
				bs, err := c.blockers.List(projectID, !all)
				if err != nil {
					return err
				}
				blockers = bs
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Blockers []*models.Blocker `json:"blockers"`
				Count    int               `json:"count"`
			}
			return output.PrintSuccess(resp{Blockers: blockers, Count: len(blockers)})
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	cmd.Flags().Bool("all", false, "Include resolved and abandoned blockers")
	return cmd
}

func newBlockerGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <blocker-id>",
		Short: "Get blocker details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b *models.Blocker
			if err := withCore(func(c *core) error {
				got, err := c.blockers.Get(args[0])
				if err != nil {
					return err
				}
				b = got
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(b)
		},
	}
}

func newBlockerResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <blocker-id>",
		Short: "Answer a blocker and unblock its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			answer, _ := cmd.Flags().GetString("answer")
			if answer == "" {
				return cmdErr(errors.New("--answer is required"))
			}

			var b *models.Blocker
			if err := withCore(func(c *core) error {
				resolved, err := c.blockers.Resolve(args[0], answer)
				if err != nil {
					return err
				}
				b = resolved
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(b)
		},
	}

	cmd.Flags().String("answer", "", "Answer text (required)")
	return cmd
}

func newBlockerMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show blocker counts and resolution latency for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}

			var metrics *store.BlockerMetrics
			if err := withCore(func(c *core) error {
				m, err := c.blockers.Metrics(projectID)
				if err != nil {
					return err
				}
				metrics = m
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(metrics)
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	return cmd
}
