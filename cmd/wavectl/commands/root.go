package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wavectl",
		Short: "WaveDeploy - Multi-Domain Deployment Orchestrator",
		Long: `WaveDeploy orchestrates edge deployments across a portfolio of domains.

Features:
  - Dependency-ordered, batched parallel deployment
  - Six-phase per-domain pipeline with automatic rollback
  - Shared resource provisioning across domains
  - Rego policy checks on the portfolio
  - Durable audit log and state snapshots in SQLite`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newDiscoverCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
