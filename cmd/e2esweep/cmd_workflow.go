package main

import (
	"github.com/spf13/cobra"

	"github.com/yairfalse/e2esweep/internal/filter"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow <workflow-id>",
	Short: "Sweep the resources of one CI workflow",
	Long: `Delete every job group whose CI workflow id matches, whether or not its
jobs have finished. Orphaned resources are left alone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context(), filter.Workflow(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(workflowCmd)
}
