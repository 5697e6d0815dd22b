package commands

import (
	"path/filepath"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/blocker"
	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/gate"
	"github.com/codeframe-dev/codeframe/internal/scheduler"
	"github.com/codeframe-dev/codeframe/internal/store"
	"github.com/codeframe-dev/codeframe/internal/workspace"
)

// core is the one-shot service assembly for CLI commands: scheduler and
// blocker queue over the database, events persisted through the bus. No gate
// pipeline or workers; those belong to serve.
type core struct {
	db       *DB
	sched    *scheduler.Scheduler
	blockers *blocker.Queue
}

// withCore opens the database, runs migrations, and assembles the core for
// one command invocation.
func withCore(fn func(c *core) error) error {
	settings, err := app.LoadSettings()
	if err != nil {
		return cmdErr(err)
	}
	return withDB(func(db *DB) error {
		if err := store.RunMigrations(db); err != nil {
			return err
		}
		eventBus := bus.New(db, settings.EventQueueSize)
		blockers := blocker.New(db, eventBus)
		sched := scheduler.New(db, eventBus, nil, blockers, nil, settings.MaxSelfCorrectAttempts)
		return fn(&core{db: db, sched: sched, blockers: blockers})
	})
}

// withGates is withCore plus the workspace manager and gate pipeline, for
// commands that finalize work. No review cache: the CLI runs without an LLM
// client, so the review gate is skipped.
func withGates(fn func(c *core) error) error {
	settings, err := app.LoadSettings()
	if err != nil {
		return cmdErr(err)
	}
	return withDB(func(db *DB) error {
		if err := store.RunMigrations(db); err != nil {
			return err
		}
		eventBus := bus.New(db, settings.EventQueueSize)
		blockers := blocker.New(db, eventBus)

		wsRoot := settings.WorkspaceRoot
		if wsRoot == "" {
			dir, err := app.ConfigDir()
			if err != nil {
				return err
			}
			wsRoot = filepath.Join(dir, "workspaces")
		}
		ws := workspace.New(wsRoot)

		sched := scheduler.New(db, eventBus, nil, blockers, ws, settings.MaxSelfCorrectAttempts)
		sched.SetGates(gate.New(db, eventBus, nil, settings))
		return fn(&core{db: db, sched: sched, blockers: blockers})
	})
}
