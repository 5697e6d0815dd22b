package commands

import (
	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/output"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// NewDBCmd creates the db command group.
func NewDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBStatusCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var current, latest int64
			if err := withDB(func(db *DB) error {
				if err := store.RunMigrations(db); err != nil {
					return err
				}
				c, l, err := store.SchemaVersion(db)
				if err != nil {
					return err
				}
				current, latest = c, l
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				SchemaVersion int64 `json:"schema_version"`
				Latest        int64 `json:"latest"`
			}
			return output.PrintSuccess(resp{SchemaVersion: current, Latest: latest})
		},
	}
}

func newDBStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the database path and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.GetDBPath()
			if err != nil {
				return cmdErr(err)
			}

			var current, latest int64
			if err := withDB(func(db *DB) error {
				c, l, err := store.SchemaVersion(db)
				if err != nil {
					return err
				}
				current, latest = c, l
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Path          string `json:"path"`
				SchemaVersion int64  `json:"schema_version"`
				Latest        int64  `json:"latest"`
				Pending       bool   `json:"pending"`
			}
			return output.PrintSuccess(resp{Path: path, SchemaVersion: current, Latest: latest, Pending: current < latest})
		},
	}
}
