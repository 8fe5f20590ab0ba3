package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Koded0214h/Agentic-Enterprise/internal/bundle"
	"github.com/Koded0214h/Agentic-Enterprise/internal/config"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
	"github.com/Koded0214h/Agentic-Enterprise/internal/service"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage policies",
	Long: `Manage the policies that decide agent requests.

Policies are addressed by ID or by name.`,
}

var (
	listEffect string
	listSearch string
	listAgent  string
	listRole   string
	listState  string
	listRisk   int
	listJSON   bool

	importReplace   bool
	importCreatedBy string

	exportOutput string

	dryRunFlags requestFlags

	duplicateCreatedBy string
)

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies, highest priority first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := policy.Filter{Search: listSearch, AgentID: listAgent, RoleID: listRole}
		if listEffect != "" {
			effect, err := policy.ParseEffect(listEffect)
			if err != nil {
				return err
			}
			filter.Effect = effect
		}
		if listRisk >= 0 {
			risk := listRisk
			filter.RiskLevel = &risk
		}
		switch listState {
		case "all":
		case "active", "inactive":
			active := listState == "active"
			filter.Active = &active
		default:
			return fmt.Errorf("--state must be all, active or inactive, got %q", listState)
		}

		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			ps, err := sess.admin.List(ctx, filter)
			if err != nil {
				return err
			}
			if listJSON {
				return writeJSON(cmd.OutOrStdout(), ps)
			}
			printPolicyTable(cmd.OutOrStdout(), ps)
			return nil
		})
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show one policy as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			p, err := resolvePolicy(ctx, sess.admin, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), p)
		})
	},
}

var policyImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Import a policy bundle",
	Long: `Import policies from a YAML policy bundle.

Policies whose name already exists are skipped unless --replace is given.
Import stops at the first invalid policy; policies before it stay applied.

Example bundle:
  apiVersion: agentgate/v1
  kind: PolicyBundle
  policies:
    - name: crm for sales
      resources: ["tool:crm"]
      effect: ALLOW
      roles: [sales]
      max_calls: 1000`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, closeFn, err := openInput(args[0])
		if err != nil {
			return err
		}
		defer closeFn()

		doc, err := bundle.Decode(r)
		if err != nil {
			return err
		}

		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			for _, spec := range doc.Policies {
				for _, res := range spec.Resources {
					if !policy.IsKnownResource(res) {
						sess.logger.Warn("resource pattern matches no known resource", "policy", spec.Name, "resource", res)
					}
				}
			}

			res, err := bundle.Import(ctx, sess.admin, doc, bundle.ImportOptions{Replace: importReplace, CreatedBy: importCreatedBy})
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "created: %d, updated: %d, skipped: %d\n",
					len(res.Created), len(res.Updated), len(res.Skipped))
			}
			return err
		})
	},
}

var policyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all policies as a bundle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			ps, err := sess.admin.List(ctx, policy.Filter{})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if exportOutput != "" && exportOutput != "-" {
				f, err := os.Create(exportOutput)
				if err != nil {
					return fmt.Errorf("create %s: %w", exportOutput, err)
				}
				defer f.Close()
				w = f
			}
			return bundle.Encode(w, bundle.FromPolicies(ps))
		})
	},
}

var policyDryRunCmd = &cobra.Command{
	Use:   "dry-run <id|name>",
	Short: "Evaluate a request against a single policy",
	Long: `Evaluate a request against one policy only, ignoring its scoping,
validity window and active flag. No quota is consumed; the audit entry is
marked as a dry run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := dryRunFlags.request()
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

		admin := service.NewPolicyAdminService(eng.policies, logger)
		p, err := resolvePolicy(ctx, admin, args[0])
		if err != nil {
			return err
		}
		resp, err := eng.check.DryRun(ctx, p.ID, req)
		if resp != nil {
			if perr := printResponse(cmd.OutOrStdout(), resp, dryRunFlags.json); perr != nil {
				return perr
			}
		}
		return err
	},
}

var policyDuplicateCmd = &cobra.Command{
	Use:   "duplicate <id|name>",
	Short: "Copy a policy with a fresh call counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			p, err := resolvePolicy(ctx, sess.admin, args[0])
			if err != nil {
				return err
			}
			dup, err := sess.admin.Duplicate(ctx, p.ID, duplicateCreatedBy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %q (%s)\n", dup.Name, dup.ID)
			return nil
		})
	},
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete <id|name>",
	Short: "Delete a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			p, err := resolvePolicy(ctx, sess.admin, args[0])
			if err != nil {
				return err
			}
			if err := sess.admin.Delete(ctx, p.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %q\n", p.Name)
			return nil
		})
	},
}

func setActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id|name>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, sess *session) error {
				p, err := resolvePolicy(ctx, sess.admin, args[0])
				if err != nil {
					return err
				}
				_, err = sess.admin.SetActive(ctx, p.ID, active)
				return err
			})
		},
	}
}

func init() {
	policyListCmd.Flags().StringVar(&listEffect, "effect", "", "only policies with this effect")
	policyListCmd.Flags().StringVar(&listSearch, "search", "", "case-insensitive substring of name or description")
	policyListCmd.Flags().StringVar(&listAgent, "agent", "", "only policies assigned to this agent")
	policyListCmd.Flags().StringVar(&listRole, "role", "", "only policies assigned to this role")
	policyListCmd.Flags().StringVar(&listState, "state", "all", "all, active or inactive")
	policyListCmd.Flags().IntVar(&listRisk, "risk-level", -1, "only policies with this risk level (0-100)")
	policyListCmd.Flags().BoolVar(&listJSON, "json", false, "print as JSON")

	policyImportCmd.Flags().BoolVar(&importReplace, "replace", false, "update policies whose name already exists")
	policyImportCmd.Flags().StringVar(&importCreatedBy, "created-by", "", "recorded as the creator of imported policies")

	policyExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")

	dryRunFlags.register(policyDryRunCmd)

	policyDuplicateCmd.Flags().StringVar(&duplicateCreatedBy, "created-by", "", "recorded as the creator of the copy")

	policyCmd.AddCommand(
		policyListCmd,
		policyShowCmd,
		policyImportCmd,
		policyExportCmd,
		policyDryRunCmd,
		policyDuplicateCmd,
		policyDeleteCmd,
		setActiveCmd("enable", true),
		setActiveCmd("disable", false),
	)
	rootCmd.AddCommand(policyCmd)
}

// session is an open store with its admin service.
type session struct {
	cfg    *config.Config
	admin  *service.PolicyAdminService
	store  *backend
	logger *slog.Logger
}

// withAdmin opens the configured store for the duration of fn.
func withAdmin(cmd *cobra.Command, fn func(context.Context, *session) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()
	return fn(ctx, &session{
		cfg:    cfg,
		admin:  service.NewPolicyAdminService(b.policies, logger),
		store:  b,
		logger: logger,
	})
}

// resolvePolicy looks ref up as an ID, then as a name.
func resolvePolicy(ctx context.Context, admin *service.PolicyAdminService, ref string) (*policy.Policy, error) {
	p, err := admin.Get(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, policy.ErrPolicyNotFound) {
		return nil, err
	}
	return admin.GetByName(ctx, ref)
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printPolicyTable(w io.Writer, ps []policy.Policy) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tNAME\tEFFECT\tRESOURCES\tSCOPE\tCALLS\tACTIVE\tID")
	for i := range ps {
		p := &ps[i]
		calls := fmt.Sprintf("%d", p.CallsMade)
		if p.MaxCalls != nil {
			calls = fmt.Sprintf("%d/%d", p.CallsMade, *p.MaxCalls)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			p.Priority, p.Name, p.Effect, strings.Join(p.Resources, ","),
			scopeLabel(p), calls, p.Active, p.ID)
	}
	_ = tw.Flush()
}

func scopeLabel(p *policy.Policy) string {
	var parts []string
	if len(p.Agents) > 0 {
		parts = append(parts, "agents="+strings.Join(p.Agents, ","))
	}
	if len(p.Roles) > 0 {
		parts = append(parts, "roles="+strings.Join(p.Roles, ","))
	}
	if len(parts) == 0 {
		return "global"
	}
	return strings.Join(parts, " ")
}
