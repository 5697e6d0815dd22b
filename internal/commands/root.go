// Package commands wires the CLI surface. Every command prints a JSON
// envelope; human formatting is the caller's problem.
package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/output"
)

// Execute runs the CLI application.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "codeframe",
		Short:         "Multi-agent software orchestration (projects, agents, tasks, gates, checkpoints)",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.EnsureConfigDir(); err != nil {
				return err
			}
			if dbPath, err := cmd.Flags().GetString("db-path"); err == nil && dbPath != "" {
				app.SetDBPathOverride(dbPath)
			}
			if cfgPath, err := cmd.Flags().GetString("config"); err == nil && cfgPath != "" {
				app.SetSettingsPathOverride(cfgPath)
			}
			return nil
		},
	}

	root.PersistentFlags().String("db-path", "", "Override database path")
	root.PersistentFlags().String("config", "", "Override config file path")
	root.Flags().BoolP("version", "v", false, "version for codeframe")

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewProjectCmd())
	root.AddCommand(NewAgentCmd())
	root.AddCommand(NewTaskCmd())
	root.AddCommand(NewBlockerCmd())
	root.AddCommand(NewCheckpointCmd())
	root.AddCommand(NewEventsCmd())
	root.AddCommand(NewDBCmd())
	root.AddCommand(NewSchemaCmd(root))

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Error("command failed", "error", err.Error())
		}
	}
	return err
}
