package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadscore/internal/model"
)

var (
	runsLimit  int
	runsStatus string
	runsDay    string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect scoring run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list <tenant-handle>",
	Short: "List recent run records for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		t, err := e.Directory.GetByHandle(ctx, args[0], false)
		if err != nil {
			return err
		}
		st, err := e.Directory.StoreFor(ctx, t)
		if err != nil {
			return err
		}

		runs, err := st.ListRunRecords(ctx, runsLimit)
		if err != nil {
			return err
		}
		runs = filterRuns(runs, runsStatus, runsDay)
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 30, "max number of runs to display")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "only show runs with this status")
	runsListCmd.Flags().StringVar(&runsDay, "day", "", "only show runs for this date (YYYY-MM-DD)")

	runsCmd.AddCommand(runsListCmd)
	rootCmd.AddCommand(runsCmd)
}

func filterRuns(runs []model.RunRecord, status, day string) []model.RunRecord {
	if status == "" && day == "" {
		return runs
	}
	out := runs[:0]
	for _, r := range runs {
		if status != "" && string(r.Status) != status {
			continue
		}
		if day != "" && r.RunDate != day {
			continue
		}
		out = append(out, r)
	}
	return out
}

// formatRunsList writes a tabular list of run records to w.
func formatRunsList(out io.Writer, runs []model.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DAY\tOP\tSTREAM\tSTATUS\tATT\tOK\tFAIL\tSKIP\tEXCL\tTOKENS")
	_, _ = fmt.Fprintln(w, "---\t--\t------\t------\t---\t--\t----\t----\t----\t------")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.RunDate,
			r.Operation,
			r.StreamID,
			r.Status,
			r.Counts.Attempted,
			r.Counts.Succeeded,
			r.Counts.Failed,
			r.Counts.Skipped,
			r.Counts.Excluded,
			r.Tokens.TotalTokens,
		)
	}
	_ = w.Flush()
}
