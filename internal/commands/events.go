package commands

import (
	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/output"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// NewEventsCmd creates the events command group.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the append-only event log",
	}

	cmd.AddCommand(newEventsListCmd())
	return cmd
}

func newEventsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			types, _ := cmd.Flags().GetStringSlice("type")
			sinceSeq, _ := cmd.Flags().GetInt64("since-seq")
			limit, _ := cmd.Flags().GetInt("limit")

			var events []*models.Event
			var lastSeq int64
			if err := withDB(func(db *DB) error {
				if err := store.RunMigrations(db); err != nil {
					return err
				}
				es, err := store.ListEvents(db, store.ListEventsParams{
					ProjectID: projectID,
					Types:     types,
					SinceSeq:  sinceSeq,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				events = es
				if n := len(es); n > 0 {
					lastSeq = es[n-1].Seq
				}
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Events  []*models.Event `json:"events"`
				Count   int             `json:"count"`
				LastSeq int64           `json:"last_seq"`
			}
			return output.PrintSuccess(resp{Events: events, Count: len(events), LastSeq: lastSeq})
		},
	}

	cmd.Flags().String("project", "", "Filter by project ID")
	cmd.Flags().StringSlice("type", nil, "Filter by event type (repeatable)")
	cmd.Flags().Int64("since-seq", 0, "Only events after this sequence number")
	cmd.Flags().Int("limit", 100, "Maximum events to return")
	return cmd
}
