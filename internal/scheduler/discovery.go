package scheduler

import (
	"github.com/codeframe-dev/codeframe/internal/models"
)

// DiscoveryProgress summarizes the discovery-phase question flow: questions
// are blockers raised by the lead agent, answers resolve them.
type DiscoveryProgress struct {
	Total    int  `json:"total"`
	Answered int  `json:"answered"`
	Complete bool `json:"complete"`
}

// DiscoveryProgressFor reports how many discovery questions have been
// answered. Discovery counts every blocker raised by the project's lead
// agent; once all are resolved and the project has left the discovery phase,
// Complete is true.
func (s *Scheduler) DiscoveryProgressFor(projectID string) (*DiscoveryProgress, error) {
	project, err := s.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	blockers, err := s.blockers.List(projectID, false)
	if err != nil {
		return nil, err
	}

	leads := make(map[string]bool)
	agents, err := s.Agents(projectID, false)
	if err != nil {
		return nil, err
	}
	for _, aa := range agents {
		if aa.Agent.Type == models.AgentLead || aa.Assignment.Role == "lead" {
			leads[aa.Agent.ID] = true
		}
	}

	progress := &DiscoveryProgress{}
	for _, b := range blockers {
		if !leads[b.AgentID] {
			continue
		}
		progress.Total++
		if !b.IsOpen() {
			progress.Answered++
		}
	}
	progress.Complete = progress.Total == progress.Answered && project.Phase != models.PhaseDiscovery
	return progress, nil
}

// SubmitDiscoveryAnswer answers one discovery question; when it was the last
// open one, the project advances to planning.
func (s *Scheduler) SubmitDiscoveryAnswer(blockerID, answer string) (*models.Blocker, error) {
	blocker, err := s.blockers.Resolve(blockerID, answer)
	if err != nil {
		return nil, err
	}

	task, err := s.GetTask(blocker.TaskID)
	if err != nil {
		return blocker, nil
	}
	progress, err := s.DiscoveryProgressFor(task.ProjectID)
	if err != nil {
		return blocker, nil
	}
	if progress.Total > 0 && progress.Answered == progress.Total {
		project, err := s.GetProject(task.ProjectID)
		if err == nil && project.Phase == models.PhaseDiscovery {
			_ = s.AdvancePhase(task.ProjectID, models.PhasePlanning)
		}
	}
	return blocker, nil
}
