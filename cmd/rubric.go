package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/leadscore/internal/rubric"
)

var rubricCmd = &cobra.Command{
	Use:   "rubric",
	Short: "Inspect and validate tenant rubrics",
}

var rubricShowCmd = &cobra.Command{
	Use:   "show <tenant-handle>",
	Short: "Print a tenant's validated rubric as JSON",
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

		loader := rubric.NewLoader(rubricTTL(cfg))
		r, err := loader.Load(ctx, st, t.Handle)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	},
}

var rubricCheckCmd = &cobra.Command{
	Use:   "check <tenant-handle>",
	Short: "Validate a tenant's rubric without scoring anything",
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

		loader := rubric.NewLoader(0)
		r, err := loader.Load(ctx, st, t.Handle)
		if err != nil {
			return err
		}

		fmt.Printf("Rubric OK: %d positives, %d negatives, denominator %d\n",
			len(r.Positives), len(r.Negatives), r.Denominator())
		return nil
	},
}

func init() {
	rubricCmd.AddCommand(rubricShowCmd)
	rubricCmd.AddCommand(rubricCheckCmd)
	rootCmd.AddCommand(rubricCmd)
}
