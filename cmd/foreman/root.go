package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// CheckAgentCLI verifies that the named agent CLI is available in PATH.
// Returns an error with installation guidance if not found.
func CheckAgentCLI(name string) error {
	_, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("%s CLI not found in PATH\n\n"+
			"Foreman dispatches coding agents as subprocesses and needs the\n"+
			"agent CLI installed. Install it and make sure it is on PATH,\n"+
			"or pick a different adapter with --agent.", name)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Delivery-pipeline orchestrator for coding agents",
	Long: `Foreman drives work items through a multi-phase delivery pipeline
(create -> implement -> review -> fix) using autonomous coding-agent
subprocesses.

Stories are partitioned into conflict groups: stories that touch
overlapping files run sequentially, independent groups run concurrently
under a bounded pool. Reviews loop through fix cycles until the work
ships or escalates for human attention.

Run state is persisted to .foreman/state.db after every transition, so
'foreman status' works from any terminal and crashed runs stay
inspectable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
