package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Koded0214h/Agentic-Enterprise/internal/service"
)

// requestFlags are shared by check and policy dry-run.
type requestFlags struct {
	agentID  string
	resource string
	action   string
	context  string
	json     bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.agentID, "agent", "", "agent ID making the request (required)")
	cmd.Flags().StringVar(&f.resource, "resource", "", "resource being accessed, e.g. tool:crm (required)")
	cmd.Flags().StringVar(&f.action, "action", "", "action being performed (required)")
	cmd.Flags().StringVar(&f.context, "context", "", "request context as a JSON object")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the response as JSON")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("action")
}

func (f *requestFlags) request() (service.CheckRequest, error) {
	req := service.CheckRequest{AgentID: f.agentID, Resource: f.resource, Action: f.action}
	if f.context != "" {
		if err := json.Unmarshal([]byte(f.context), &req.Context); err != nil {
			return req, fmt.Errorf("--context must be a JSON object: %w", err)
		}
	}
	return req, nil
}

var (
	checkFlags   requestFlags
	checkMetrics bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a request for an agent",
	Long: `Evaluate whether an agent may perform an action on a resource.

The decision is recorded in the audit trail and, for ALLOW and DENY,
counted against the deciding policy's call quota.

Examples:
  agentgate check --agent a-42 --resource tool:crm --action read
  agentgate check --agent a-42 --resource data:export --action run \
    --context '{"region":"eu","amount":1200}'`,
	RunE: runCheck,
}

func init() {
	checkFlags.register(checkCmd)
	checkCmd.Flags().BoolVar(&checkMetrics, "metrics", false, "print evaluation metrics to stderr afterwards")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	req, err := checkFlags.request()
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(ctx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	resp, err := eng.check.Check(ctx, req)
	if resp != nil {
		if perr := printResponse(cmd.OutOrStdout(), resp, checkFlags.json); perr != nil {
			return perr
		}
	}
	if checkMetrics {
		if merr := eng.writeMetrics(os.Stderr); merr != nil {
			logger.Warn("failed to write metrics", "error", merr)
		}
	}
	if errors.Is(err, service.ErrAuditWrite) || errors.Is(err, service.ErrQuotaUpdate) {
		return fmt.Errorf("decision made but not fully recorded: %w", err)
	}
	return err
}

func printResponse(w io.Writer, resp *service.CheckResponse, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintf(w, "Decision:  %s\n", resp.Decision)
	if resp.PolicyName != "" {
		fmt.Fprintf(w, "Policy:    %s (%s)\n", resp.PolicyName, resp.PolicyID)
	}
	fmt.Fprintf(w, "Reason:    %s\n", resp.Reason)
	if resp.HelpText != "" {
		fmt.Fprintf(w, "Help:      %s\n", resp.HelpText)
	}
	if resp.DryRun {
		fmt.Fprintln(w, "Dry run:   quota not consumed")
	}
	fmt.Fprintf(w, "Request:   %s at %s (%dms)\n", resp.RequestID, resp.Timestamp.Format("2006-01-02T15:04:05Z07:00"), resp.LatencyMs)
	return nil
}
