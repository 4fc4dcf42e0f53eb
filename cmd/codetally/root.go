package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "codetally",
	Short: "CodeTally - Passive coding time tracking",
	Long: `CodeTally tracks the time you spend coding. The agent listens for
editor activity signals on localhost, accumulates per-day totals tagged
by language, and periodically syncs them to an aggregator server. The
server merges deltas from all of a user's machines and serves stats and
dashboard views.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to agent command when no subcommand is provided
		return runAgent(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/codetally/config.yaml"
	}
	return home + "/.codetally/config.yaml"
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
