package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeframe-dev/codeframe/internal/app"
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

func (s *Server) createProject(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		UserID      string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		req.UserID = c.GetHeader("X-User-ID")
	}
	project, err := s.sched.CreateProject(req.Name, req.Description, req.UserID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) listProjects(c *gin.Context) {
	userID := c.Query("user_id")
	if s.mode == app.ModeHosted {
		userID = c.GetHeader("X-User-ID")
	}
	projects, err := s.sched.ListProjects(userID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) getProject(c *gin.Context) {
	project, err := s.sched.GetProject(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) startProject(c *gin.Context) {
	if err := s.sched.Start(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ProjectRunning})
}

func (s *Server) pauseProject(c *gin.Context) {
	if err := s.sched.Pause(c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ProjectPaused})
}

func (s *Server) resumeProject(c *gin.Context) {
	if err := s.sched.Resume(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ProjectRunning})
}

func (s *Server) projectProgress(c *gin.Context) {
	counts, err := s.sched.Progress(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) listProjectAgents(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "true") != "false"
	agents, err := s.sched.Agents(c.Param("id"), activeOnly)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) assignAgent(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id"`
		Role    string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.AssignAgent(c.Param("id"), req.AgentID, req.Role); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unassignAgent(c *gin.Context) {
	if err := s.sched.UnassignAgent(c.Param("id"), c.Param("agent_id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateRole(c *gin.Context) {
	var req struct {
		Role string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.UpdateRole(c.Param("id"), c.Param("agent_id"), req.Role); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createTask(c *gin.Context) {
	var req struct {
		Title       string           `json:"title"`
		Description string           `json:"description"`
		Priority    int              `json:"priority"`
		AgentType   models.AgentType `json:"agent_type"`
		DependsOn   []string         `json:"depends_on"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.sched.CreateTask(store.CreateTaskParams{
		ProjectID:   c.Param("id"),
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		AgentType:   req.AgentType,
		DependsOn:   req.DependsOn,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.sched.ListTasks(c.Param("id"), models.TaskStatus(c.Query("status")))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.sched.GetTask(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) assignTask(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.AssignTask(c.Param("id"), req.AgentID); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) finalizeTask(c *gin.Context) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	_ = c.ShouldBindJSON(&req)
	result, err := s.sched.OnTaskFinalized(c.Request.Context(), c.Param("id"), req.Fingerprint)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) createAgent(c *gin.Context) {
	var req struct {
		Name     string           `json:"name"`
		Type     models.AgentType `json:"type"`
		Provider string           `json:"provider"`
		Maturity models.Maturity  `json:"maturity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := s.sched.CreateAgent(req.Name, req.Type, req.Provider, req.Maturity)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.sched.ListAgents()
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.sched.GetAgent(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) agentProjects(c *gin.Context) {
	projects, err := s.sched.ProjectsForAgent(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) agentUsage(c *gin.Context) {
	totals, err := store.AgentUsage(s.db, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (s *Server) discoveryProgress(c *gin.Context) {
	progress, err := s.sched.DiscoveryProgressFor(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) submitDiscoveryAnswer(c *gin.Context) {
	var req struct {
		BlockerID string `json:"blocker_id"`
		Answer    string `json:"answer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	blocker, err := s.sched.SubmitDiscoveryAnswer(req.BlockerID, req.Answer)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, blocker)
}

func (s *Server) sendChat(c *gin.Context) {
	var req struct {
		From string `json:"from"`
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.From == "" {
		req.From = "user"
	}
	msg, err := s.sched.SendChat(c.Param("id"), req.From, req.Text)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) chatHistory(c *gin.Context) {
	sinceSeq, _ := strconv.ParseInt(c.Query("since_seq"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	messages, err := s.sched.ChatHistory(c.Param("id"), sinceSeq, limit)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) listCheckpoints(c *gin.Context) {
	checkpoints, err := s.ckpts.List(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
}

func (s *Server) createCheckpoint(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ckpt, err := s.ckpts.Create(c.Request.Context(), c.Param("id"), req.Name, req.Description)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ckpt)
}

func (s *Server) getCheckpoint(c *gin.Context) {
	ckpt, err := s.ckpts.Get(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, ckpt)
}

func (s *Server) deleteCheckpoint(c *gin.Context) {
	if err := s.ckpts.Delete(c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) restoreCheckpoint(c *gin.Context) {
	if err := s.ckpts.Restore(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) diffCheckpoint(c *gin.Context) {
	diff, err := s.ckpts.Diff(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (s *Server) projectUsage(c *gin.Context) {
	totals, err := store.ProjectUsage(s.db, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (s *Server) requestReview(c *gin.Context) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Fingerprint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fingerprint is required"})
		return
	}
	report, err := s.reviews.Request(c.Request.Context(), c.Param("id"), req.Fingerprint)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) taskReviews(c *gin.Context) {
	reports, err := store.ListTaskReviews(s.db, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reports})
}

func (s *Server) latestReview(c *gin.Context) {
	report, err := s.reviews.Latest(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reviews for task"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// invalidateReviews force-drops a task's cached and persisted reports so
// the next request recomputes, e.g. after the review agent's prompt or
// tooling changed under an unchanged fingerprint.
func (s *Server) invalidateReviews(c *gin.Context) {
	if err := s.reviews.Invalidate(c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) projectReviews(c *gin.Context) {
	reports, err := store.ListProjectReviews(s.db, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reports})
}

func (s *Server) reviewStats(c *gin.Context) {
	stats, err := store.GetReviewStats(s.db, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) listContext(c *gin.Context) {
	var tiers []models.MemoryTier
	if t := c.Query("tier"); t != "" {
		tiers = append(tiers, models.MemoryTier(t))
	}
	items, err := s.contexts.List(c.Param("id"), tiers...)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) deleteContext(c *gin.Context) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.contexts.Delete(c.Param("id"), req.IDs); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) contextStats(c *gin.Context) {
	stats, err := s.contexts.Stats(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) rescoreContext(c *gin.Context) {
	if err := s.contexts.Rescore(c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retierContext(c *gin.Context) {
	if err := s.contexts.Retier(c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) rehydrateContext(c *gin.Context) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.contexts.Rehydrate(c.Param("id"), req.IDs); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) flashSave(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.contexts.FlashSave(c.Param("id"), req.Reason)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listFlashSaves(c *gin.Context) {
	saves, err := s.contexts.FlashSaves(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flash_saves": saves})
}

func (s *Server) gateStatus(c *gin.Context) {
	task, err := s.sched.GetTask(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   task.QualityGateStatus,
		"failures": task.QualityGateFailures,
		"attempt":  task.Attempt,
	})
}

func (s *Server) runGates(c *gin.Context) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	_ = c.ShouldBindJSON(&req)
	result, err := s.sched.OnTaskFinalized(c.Request.Context(), c.Param("id"), req.Fingerprint)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getBlocker(c *gin.Context) {
	blocker, err := s.blockers.Get(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, blocker)
}

func (s *Server) resolveBlocker(c *gin.Context) {
	var req struct {
		Answer string `json:"answer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	blocker, err := s.blockers.Resolve(c.Param("id"), req.Answer)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, blocker)
}

func (s *Server) listBlockers(c *gin.Context) {
	openOnly := c.DefaultQuery("open", "true") != "false"
	blockers, err := s.blockers.List(c.Param("id"), openOnly)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blockers": blockers})
}

func (s *Server) blockerMetrics(c *gin.Context) {
	metrics, err := s.blockers.Metrics(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) lintTrend(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	trend, err := s.gates.Trend(c.Param("id"), limit)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": trend})
}
