package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
}

var (
	auditAgent    string
	auditPolicy   string
	auditDecision string
	auditResource string
	auditSince    time.Duration
	auditLimit    int
	auditJSON     bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	Long: `List recorded decisions, newest first.

The limit defaults to 100 and is capped at 1000. With the file driver only
the newest 1000 entries are searched, taken from the active audit file and
then its rotated files.

Examples:
  agentgate audit list --agent a-42 --decision deny
  agentgate audit list --resource tool:crm --since 24h --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := audit.Filter{
			AgentID:  auditAgent,
			PolicyID: auditPolicy,
			Decision: auditDecision,
			Resource: auditResource,
			Limit:    auditLimit,
		}
		if auditSince > 0 {
			filter.StartTime = time.Now().Add(-auditSince)
		}

		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			entries, err := sess.store.audit.Query(ctx, filter)
			if err != nil {
				return err
			}
			if auditJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tAGENT\tRESOURCE\tACTION\tDECISION\tPOLICY\tREASON")
			for _, e := range entries {
				name := e.PolicyName
				if name == "" {
					name = "-"
				}
				decision := e.Decision
				if e.DryRun {
					decision += " (dry run)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format(time.DateTime), e.AgentID, e.Resource, e.Action, decision, name, e.Reason)
			}
			return tw.Flush()
		})
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditAgent, "agent", "", "only entries for this agent")
	auditListCmd.Flags().StringVar(&auditPolicy, "policy", "", "only entries decided by this policy ID")
	auditListCmd.Flags().StringVar(&auditDecision, "decision", "", "only this decision (ALLOW, DENY, AUDIT, ESCALATE)")
	auditListCmd.Flags().StringVar(&auditResource, "resource", "", "only this exact resource")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this, e.g. 24h")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 0, "maximum entries (default 100, max 1000)")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "print as JSON")

	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
