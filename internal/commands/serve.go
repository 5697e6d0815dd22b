package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/agentruntime"
	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/blocker"
	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/checkpoint"
	"github.com/codeframe-dev/codeframe/internal/contextmgr"
	"github.com/codeframe-dev/codeframe/internal/gate"
	"github.com/codeframe-dev/codeframe/internal/review"
	"github.com/codeframe-dev/codeframe/internal/scheduler"
	"github.com/codeframe-dev/codeframe/internal/server"
	"github.com/codeframe-dev/codeframe/internal/store"
	"github.com/codeframe-dev/codeframe/internal/workspace"
)

// NewServeCmd creates the serve command: the long-running orchestrator
// process (HTTP API, websocket stream, dispatch loop, agent workers).
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator (API server, dispatcher, agent workers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			noWorkers, _ := cmd.Flags().GetBool("no-workers")

			settings, err := app.LoadSettings()
			if err != nil {
				return cmdErr(err)
			}

			return withDB(func(db *DB) error {
				if err := store.RunMigrations(db); err != nil {
					return err
				}

				eventBus := bus.New(db, settings.EventQueueSize)

				wsRoot := settings.WorkspaceRoot
				if wsRoot == "" {
					dir, err := app.ConfigDir()
					if err != nil {
						return err
					}
					wsRoot = filepath.Join(dir, "workspaces")
				}
				ws := workspace.New(wsRoot)

				contexts := contextmgr.New(db, contextConfig(settings), eventBus)
				blockers := blocker.New(db, eventBus)

				var llm agentruntime.LLMClient
				if cli, err := agentruntime.NewCLIClient(settings.LLMModel); err != nil {
					slog.Warn("llm client unavailable, agent workers disabled", "error", err)
					noWorkers = true
				} else {
					llm = cli
				}

				sched := scheduler.New(db, eventBus, nil, blockers, ws, settings.MaxSelfCorrectAttempts)

				var reviews *review.Cache
				if llm != nil {
					reviews = review.New(db, eventBus, agentruntime.NewReviewer(llm, sched, ws))
				}
				gates := gate.New(db, eventBus, reviews, settings)
				sched.SetGates(gates)

				ckpts := checkpoint.New(db, eventBus, store.NewProjectLocks(), ws)

				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				go sched.Run(ctx, scheduler.DefaultTickInterval)
				if !noWorkers {
					runtime := agentruntime.New(db, sched, contexts, blockers, ws, llm)
					go runtime.Run(ctx, agentruntime.DefaultPollInterval)
				}

				srv := server.New(db, eventBus, sched, contexts, blockers, reviews, gates, ckpts, settings.DeploymentMode)
				slog.Info("serving", "addr", addr, "mode", settings.DeploymentMode)
				return srv.Serve(ctx, addr)
			})
		},
	}

	cmd.Flags().String("addr", ":8400", "HTTP listen address")
	cmd.Flags().Bool("no-workers", false, "Run the API and dispatcher without agent workers")
	return cmd
}

func contextConfig(settings *app.Settings) contextmgr.Config {
	cfg := contextmgr.DefaultConfig()
	cfg.HotBudgetTokens = settings.ContextHotBudgetTokens
	cfg.WarmBudgetTokens = settings.ContextWarmBudgetTokens
	cfg.HeadroomRatio = settings.FlashSaveHeadroomRatio
	return cfg
}
