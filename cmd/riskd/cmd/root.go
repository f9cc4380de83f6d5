// Package cmd holds the riskd command tree.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/atmx/funding-engine/internal/config"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:   "riskd",
	Short: "Risk and funding engine for simulated funded-trading accounts",
	Long: `riskd runs the funding engine: the challenge evaluator, the leader-elected
risk monitor sweep, the daily start-of-day reset, inactivity termination and
the payout workflow.

Configuration comes from the environment, optionally seeded from .env files.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")

	rootCmd.AddCommand(
		newServeCmd(),
		newSweepCmd(),
		newResetCmd(),
		newInactivityCmd(),
		newRulesCmd(),
	)
}

func loadConfig() (config.Config, error) {
	return config.Load(envFiles...)
}
