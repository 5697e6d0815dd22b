package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/output"
	"github.com/codeframe-dev/codeframe/internal/store"
)

// NewAgentCmd creates the agent command group.
func NewAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents and their project assignments",
	}

	cmd.AddCommand(newAgentCreateCmd())
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentAssignCmd())
	cmd.AddCommand(newAgentUnassignCmd())
	cmd.AddCommand(newAgentProjectsCmd())
	cmd.AddCommand(newAgentUsageCmd())

	return cmd
}

func newAgentCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			agentType, _ := cmd.Flags().GetString("type")
			provider, _ := cmd.Flags().GetString("provider")
			maturity, _ := cmd.Flags().GetString("maturity")
			if name == "" {
				return cmdErr(errors.New("--name is required"))
			}

			var agent *models.Agent
			if err := withCore(func(c *core) error {
				a, err := c.sched.CreateAgent(name, models.AgentType(agentType), provider, models.Maturity(maturity))
				if err != nil {
					return err
				}
				agent = a
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(agent)
		},
	}

	cmd.Flags().String("name", "", "Agent name (required)")
	cmd.Flags().String("type", "backend", "Agent type (lead|backend|frontend|test|review|custom)")
	cmd.Flags().String("provider", "claude", "LLM provider (claude|opencode)")
	cmd.Flags().String("maturity", "D1", "Autonomy level (D1-D4)")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []*models.Agent
			if err := withCore(func(c *core) error {
				as, err := c.sched.ListAgents()
				if err != nil {
					return err
				}
				agents = as
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Agents []*models.Agent `json:"agents"`
				Count  int             `json:"count"`
			}
			return output.PrintSuccess(resp{Agents: agents, Count: len(agents)})
		},
	}
}

func newAgentAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <agent-id>",
		Short: "Assign an agent to a project in a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			role, _ := cmd.Flags().GetString("role")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}

			if err := withCore(func(c *core) error {
				return c.sched.AssignAgent(projectID, args[0], role)
			}); err != nil {
				return err
			}
			type resp struct {
				ProjectID string `json:"project_id"`
				AgentID   string `json:"agent_id"`
				Role      string `json:"role"`
			}
			return output.PrintSuccess(resp{ProjectID: projectID, AgentID: args[0], Role: role})
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	cmd.Flags().String("role", "worker", "Assignment role")
	return cmd
}

func newAgentUnassignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unassign <agent-id>",
		Short: "Revoke an agent's project assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, _ := cmd.Flags().GetString("project")
			if projectID == "" {
				return cmdErr(errors.New("--project is required"))
			}

			if err := withCore(func(c *core) error {
				return c.sched.UnassignAgent(projectID, args[0])
			}); err != nil {
				return err
			}
			type resp struct {
				ProjectID string `json:"project_id"`
				AgentID   string `json:"agent_id"`
				Revoked   bool   `json:"revoked"`
			}
			return output.PrintSuccess(resp{ProjectID: projectID, AgentID: args[0], Revoked: true})
		},
	}

	cmd.Flags().String("project", "", "Project ID (required)")
	return cmd
}

func newAgentProjectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects <agent-id>",
		Short: "List the projects an agent is actively assigned to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var projects []*models.Project
			if err := withCore(func(c *core) error {
				ps, err := c.sched.ProjectsForAgent(args[0])
				if err != nil {
					return err
				}
				projects = ps
				return nil
			}); err != nil {
				return err
			}
			type resp struct {
				Projects []*models.Project `json:"projects"`
			}
			return output.PrintSuccess(resp{Projects: projects})
		},
	}
}

func newAgentUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <agent-id>",
		Short: "Show an agent's token and cost totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var totals *store.UsageTotals
			if err := withCore(func(c *core) error {
				t, err := store.AgentUsage(c.db, args[0])
				if err != nil {
					return err
				}
				totals = t
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(totals)
		},
	}
}
