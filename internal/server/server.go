// Package server is the HTTP/WebSocket transport adapter over the
// orchestration core. It carries no business logic: every handler validates
// input, calls one core operation, and renders the result.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/blocker"
	"github.com/codeframe-dev/codeframe/internal/bus"
	"github.com/codeframe-dev/codeframe/internal/checkpoint"
	"github.com/codeframe-dev/codeframe/internal/contextmgr"
	"github.com/codeframe-dev/codeframe/internal/gate"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/review"
	"github.com/codeframe-dev/codeframe/internal/scheduler"
)

// Server bundles the core services behind the HTTP surface.
type Server struct {
	db       *sql.DB
	bus      *bus.Bus
	sched    *scheduler.Scheduler
	contexts *contextmgr.Manager
	blockers *blocker.Queue
	reviews  *review.Cache
	gates    *gate.Pipeline
	ckpts    *checkpoint.Engine
	mode     app.DeploymentMode
}

// New creates a Server over the assembled core.
func New(db *sql.DB, b *bus.Bus, sched *scheduler.Scheduler, contexts *contextmgr.Manager,
	blockers *blocker.Queue, reviews *review.Cache, gates *gate.Pipeline,
	ckpts *checkpoint.Engine, mode app.DeploymentMode) *Server {
	return &Server{
		db:       db,
		bus:      b,
		sched:    sched,
		contexts: contexts,
		blockers: blockers,
		reviews:  reviews,
		gates:    gates,
		ckpts:    ckpts,
		mode:     mode,
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": s.bus.SubscriberCount()})
	})

	api := r.Group("/api")
	{
		api.POST("/projects", s.createProject)
		api.GET("/projects", s.listProjects)
		api.GET("/projects/:id", s.projectScoped(s.getProject))
		api.POST("/projects/:id/start", s.projectScoped(s.startProject))
		api.POST("/projects/:id/pause", s.projectScoped(s.pauseProject))
		api.POST("/projects/:id/resume", s.projectScoped(s.resumeProject))
		api.GET("/projects/:id/progress", s.projectScoped(s.projectProgress))

		api.GET("/projects/:id/agents", s.projectScoped(s.listProjectAgents))
		api.POST("/projects/:id/agents", s.projectScoped(s.assignAgent))
		api.DELETE("/projects/:id/agents/:agent_id", s.projectScoped(s.unassignAgent))
		api.PATCH("/projects/:id/agents/:agent_id", s.projectScoped(s.updateRole))

		api.POST("/projects/:id/tasks", s.projectScoped(s.createTask))
		api.GET("/projects/:id/tasks", s.projectScoped(s.listTasks))
		api.GET("/tasks/:id", s.getTask)
		api.POST("/tasks/:id/assign", s.assignTask)
		api.POST("/tasks/:id/finalize", s.finalizeTask)

		api.POST("/agents", s.createAgent)
		api.GET("/agents", s.listAgents)
		api.GET("/agents/:id", s.getAgent)
		api.GET("/agents/:id/projects", s.agentProjects)
		api.GET("/agents/:id/usage", s.agentUsage)

		api.GET("/projects/:id/discovery/progress", s.projectScoped(s.discoveryProgress))
		api.POST("/projects/:id/discovery/answers", s.projectScoped(s.submitDiscoveryAnswer))

		api.POST("/projects/:id/chat", s.projectScoped(s.sendChat))
		api.GET("/projects/:id/chat", s.projectScoped(s.chatHistory))

		api.GET("/projects/:id/checkpoints", s.projectScoped(s.listCheckpoints))
		api.POST("/projects/:id/checkpoints", s.projectScoped(s.createCheckpoint))
		api.GET("/checkpoints/:id", s.getCheckpoint)
		api.DELETE("/checkpoints/:id", s.deleteCheckpoint)
		api.POST("/checkpoints/:id/restore", s.restoreCheckpoint)
		api.GET("/checkpoints/:id/diff", s.diffCheckpoint)

		api.GET("/projects/:id/usage", s.projectScoped(s.projectUsage))

		api.POST("/tasks/:id/reviews", s.requestReview)
		api.GET("/tasks/:id/reviews", s.taskReviews)
		api.GET("/tasks/:id/reviews/latest", s.latestReview)
		api.DELETE("/tasks/:id/reviews", s.invalidateReviews)
		api.GET("/projects/:id/reviews", s.projectScoped(s.projectReviews))
		api.GET("/projects/:id/reviews/stats", s.projectScoped(s.reviewStats))

		api.GET("/agents/:id/context", s.listContext)
		api.DELETE("/agents/:id/context", s.deleteContext)
		api.GET("/agents/:id/context/stats", s.contextStats)
		api.POST("/agents/:id/context/rescore", s.rescoreContext)
		api.POST("/agents/:id/context/retier", s.retierContext)
		api.POST("/agents/:id/context/rehydrate", s.rehydrateContext)
		api.POST("/agents/:id/context/flash-save", s.flashSave)
		api.GET("/agents/:id/context/flash-saves", s.listFlashSaves)

		api.GET("/tasks/:id/gates", s.gateStatus)
		api.POST("/tasks/:id/gates/run", s.runGates)

		api.GET("/blockers/:id", s.getBlocker)
		api.POST("/blockers/:id/resolve", s.resolveBlocker)
		api.GET("/projects/:id/blockers", s.projectScoped(s.listBlockers))
		api.GET("/projects/:id/blockers/metrics", s.projectScoped(s.blockerMetrics))

		api.GET("/projects/:id/lint/trend", s.projectScoped(s.lintTrend))
	}

	r.GET("/ws", s.handleWS)
	return r
}

// Serve runs the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// projectScoped wraps a handler with hosted-mode access control: the caller
// (X-User-ID) must own the project, unless the project has no owner.
func (s *Server) projectScoped(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.mode == app.ModeHosted {
			project, err := s.sched.GetProject(c.Param("id"))
			if err != nil {
				renderError(c, err)
				return
			}
			if project.UserID != "" && project.UserID != c.GetHeader("X-User-ID") {
				c.JSON(http.StatusForbidden, gin.H{"error": "project belongs to another user"})
				return
			}
		}
		h(c)
	}
}

// renderError maps core error types to status codes.
func renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrVersionConflict):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
