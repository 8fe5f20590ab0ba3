package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Register agents and roles in the local store",
	Long: `Register agents and roles so that checks can resolve them.

In production the agent registry is usually owned by the platform; these
commands write to the configured store directly.`,
}

var (
	agentName   string
	agentType   string
	agentStatus string
	agentRoles  []string

	roleName string
)

var agentAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Create or replace an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := &agent.Agent{
			ID:     args[0],
			Name:   agentName,
			Type:   agent.Type(strings.ToUpper(agentType)),
			Status: agent.Status(strings.ToUpper(agentStatus)),
			Roles:  agentRoles,
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			if err := sess.store.agents.SaveAgent(ctx, a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved agent %s\n", a.ID)
			return nil
		})
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			agents, err := sess.store.agents.ListAgents(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tROLES")
			for _, a := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Type, a.Status, strings.Join(a.Roles, ","))
			}
			return tw.Flush()
		})
	},
}

var roleAddCmd = &cobra.Command{
	Use:   "role-add <id>",
	Short: "Create or rename a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := &agent.Role{ID: args[0], Name: roleName}
		if r.Name == "" {
			r.Name = r.ID
		}
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			return sess.store.agents.SaveRole(ctx, r)
		})
	},
}

var roleListCmd = &cobra.Command{
	Use:   "roles",
	Short: "List roles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			roles, err := sess.store.agents.ListRoles(ctx)
			if err != nil {
				return err
			}
			for _, r := range roles {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.ID, r.Name)
			}
			return nil
		})
	},
}

func init() {
	agentAddCmd.Flags().StringVar(&agentName, "name", "", "display name (default: the ID)")
	agentAddCmd.Flags().StringVar(&agentType, "type", string(agent.TypeFunctional), "EXECUTIVE, FUNCTIONAL, SUB_AGENT or OBSERVER")
	agentAddCmd.Flags().StringVar(&agentStatus, "status", string(agent.StatusRunning), "RUNNING, PAUSED or ERRORED")
	agentAddCmd.Flags().StringSliceVar(&agentRoles, "role", nil, "role ID (repeatable)")

	roleAddCmd.Flags().StringVar(&roleName, "name", "", "display name (default: the ID)")

	agentCmd.AddCommand(agentAddCmd, agentListCmd, roleAddCmd, roleListCmd)
	rootCmd.AddCommand(agentCmd)
}
