package main

import (
	"github.com/spf13/cobra"

	"github.com/yairfalse/e2esweep/internal/filter"
)

var jobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Sweep the resources of one CI job",
	Long: `Delete the job group of one CI job, whether or not it has finished.
The job id must be a positive integer.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := filter.ParseJobScope(args[0])
		if err != nil {
			return err
		}
		return runSweep(cmd.Context(), scope)
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
}
