package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Koded0214h/Agentic-Enterprise/internal/service"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the default global policies",
	Long: `Create the default ALLOW policies for agent execution, tools and
workflows. Policies that already exist by name are left untouched.
Nothing is seeded when environment is production.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, sess *session) error {
			n, err := service.SeedDefaultPolicies(ctx, sess.store.policies, sess.cfg.Environment, sess.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d policies\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
