// Package cmd provides the CLI commands for agentgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Koded0214h/Agentic-Enterprise/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "agentgate - policy decisions for autonomous agents",
	Long: `agentgate decides whether an agent may perform an action on a resource.

Every decision is ALLOW, DENY, AUDIT or ESCALATE, is taken from the policies
that apply to the agent (directly, through its roles, or globally), and is
recorded in an append-only audit trail.

Configuration:
  Config is loaded from agentgate.yaml in the current directory,
  $HOME/.agentgate/, or /etc/agentgate/.

  Environment variables override config values with the AGENTGATE_ prefix.
  Example: AGENTGATE_STORE_DRIVER=sqlite

Commands:
  check       Evaluate a request for an agent
  policy      List, show, import, export, dry-run and duplicate policies
  agent       Register agents and roles
  seed        Create the default policies
  audit       Query the audit trail
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
