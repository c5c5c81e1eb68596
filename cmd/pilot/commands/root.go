package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
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
		Use:   "pilot",
		Short: "Pilot - goal-driven task automation agent",
		Long: `Pilot turns natural-language goals into dependency-ordered plans and
executes them with capability handlers.

Features:
  - Planning through a language model, with a keyword fallback
  - Retrying step execution with fixed delays
  - Screen-based verification and adaptive replanning
  - One debug pass for failed tasks
  - Priority queue with bounded concurrency
  - Rego policies guarding every step
  - SQLite journal of tasks, knowledge and events`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newKnowledgeCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
