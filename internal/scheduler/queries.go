package scheduler

import (
	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// Read-side passthroughs. The scheduler is the single entry point the
// transport layer talks to, so lookups live here alongside the mutations.

// GetProject fetches one project.
func (s *Scheduler) GetProject(projectID string) (*models.Project, error) {
	return store.GetProject(s.db, projectID)
}

// ListProjects returns projects, optionally filtered to one user.
func (s *Scheduler) ListProjects(userID string) ([]*models.Project, error) {
	return store.ListProjects(s.db, userID)
}

// GetTask fetches one task with its dependency list.
func (s *Scheduler) GetTask(taskID string) (*models.Task, error) {
	return store.GetTask(s.db, taskID)
}

// ListTasks returns a project's tasks, optionally filtered by status.
func (s *Scheduler) ListTasks(projectID string, status models.TaskStatus) ([]*models.Task, error) {
	return store.ListTasks(s.db, projectID, status)
}

// GetAgent fetches one agent.
func (s *Scheduler) GetAgent(agentID string) (*models.Agent, error) {
	return store.GetAgent(s.db, agentID)
}

// ListAgents returns all registered agents.
func (s *Scheduler) ListAgents() ([]*models.Agent, error) {
	return store.ListAgents(s.db)
}

// Agents returns the agents linked to a project with their assignments.
func (s *Scheduler) Agents(projectID string, activeOnly bool) ([]*store.AgentAssignment, error) {
	return store.GetAgentsForProject(s.db, projectID, activeOnly)
}

// ProjectsForAgent returns the projects an agent is actively assigned to.
func (s *Scheduler) ProjectsForAgent(agentID string) ([]*models.Project, error) {
	return store.GetProjectsForAgent(s.db, agentID)
}

// CreateAgent registers a reusable agent.
func (s *Scheduler) CreateAgent(name string, agentType models.AgentType, provider string, maturity models.Maturity) (*models.Agent, error) {
	return store.CreateAgent(s.db, name, agentType, provider, maturity)
}

// SessionSnapshot is the state a reconnecting subscriber needs to resync
// before consuming live events.
type SessionSnapshot struct {
	Project  *models.Project          `json:"project"`
	Tasks    []*models.Task           `json:"tasks"`
	Agents   []*store.AgentAssignment `json:"agents"`
	Blockers []*models.Blocker        `json:"blockers"`
	LastSeq  int64                    `json:"last_seq"`
}

// Snapshot builds the resync state for one project. LastSeq is the highest
// event seq covered by the snapshot; the subscriber replays from there.
func (s *Scheduler) Snapshot(projectID string) (*SessionSnapshot, error) {
	project, err := store.GetProject(s.db, projectID)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListTasks(s.db, projectID, "")
	if err != nil {
		return nil, err
	}
	agents, err := store.GetAgentsForProject(s.db, projectID, true)
	if err != nil {
		return nil, err
	}
	blockers, err := store.ListBlockers(s.db, projectID, true)
	if err != nil {
		return nil, err
	}
	lastSeq, err := store.MaxEventSeq(s.db)
	if err != nil {
		return nil, err
	}
	return &SessionSnapshot{
		Project:  project,
		Tasks:    tasks,
		Agents:   agents,
		Blockers: blockers,
		LastSeq:  lastSeq,
	}, nil
}
