package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/e2esweep/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sweep runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return printRuns(cmd.OutOrStdout(), store.Recent(historyLimit))
}

func printRuns(out io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "No runs recorded.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDURATION\tSCOPE\tACCOUNTS\tGROUPS\tDELETED\tFAILED\tSKIPPED\tSTATUS")
	for _, r := range runs {
		status := "ok"
		switch {
		case r.Fatal != "":
			status = "fatal: " + r.Fatal
		case r.DryRun:
			status = "dry run"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Started.Local().Format(time.DateTime),
			r.Duration().Round(time.Second),
			r.Scope,
			r.Accounts,
			r.Groups,
			r.Deleted,
			r.Failed,
			r.Skipped,
			status,
		)
	}
	return w.Flush()
}
