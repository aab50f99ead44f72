package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the garrison CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "garrison",
		Short: "Garrison - an organization ledger with derived stats",
		Long: `Garrison keeps an organization's patrols, resources, reputations,
stat modifiers, and contacts in versioned in-memory stores, derives
patrol stats from base values, organization modifiers, and timed
effects, and reconciles every store with a snapshot backend.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewValidateConfigCmd())

	return cmd
}
