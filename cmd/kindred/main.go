package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kindred/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "kindred",
	Short: "kindred - companion request orchestration engine",
	Long: `kindred runs the request engine behind a set of companion personas.

All model work flows through one priority queue and one single-flight
executor; handler chains grow persona and profile knowledge from messages,
and a nightly ceremony keeps each persona's topic memory healthy.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(verbose); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ceremonyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(personaCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
