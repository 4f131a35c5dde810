// Package cli implements the command line interface of the benchmark
// runner.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "benchrl",
	Short: "Policy-optimization benchmark runner",
	Long: `benchrl trains policy-optimization agents (A2C, PPO, DDPG, TD3)
on classic control benchmarks and records learning curves, evaluation
returns, and training checkpoints per run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(trainCmd)
}

// Execute runs the CLI. A nil return means the invoked command
// finished successfully; callers exit non-zero on any error.
func Execute() error {
	return rootCmd.Execute()
}
