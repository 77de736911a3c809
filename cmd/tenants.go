package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadscore/internal/model"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage the tenant registry",
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active tenants",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		tenants, err := e.Directory.ListActive(ctx, nil)
		if err != nil {
			return err
		}
		if len(tenants) == 0 {
			fmt.Fprintln(os.Stderr, "No active tenants.")
			return nil
		}

		formatTenantsList(os.Stdout, tenants)
		return nil
	},
}

var tenantsShowCmd = &cobra.Command{
	Use:   "show <handle>",
	Short: "Show a tenant's full registry entry",
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

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

var tenantsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Upsert tenants from a YAML file",
	Long:  "Reads a YAML list of tenant entries and upserts each into the registry. Entries without an id are assigned one.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read tenants file")
		}

		var tenants []model.Tenant
		if err := yaml.Unmarshal(data, &tenants); err != nil {
			return eris.Wrap(err, "parse tenants file")
		}
		if len(tenants) == 0 {
			return eris.New("tenants file is empty")
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Control.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate control store")
		}

		for i := range tenants {
			t := &tenants[i]
			if t.Handle == "" {
				return eris.Errorf("tenant entry %d has no handle", i)
			}
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if t.Status == "" {
				t.Status = model.TenantActive
			}
			if err := e.Control.UpsertTenant(ctx, t); err != nil {
				return eris.Wrapf(err, "upsert tenant %s", t.Handle)
			}
			zap.L().Info("upserted tenant",
				zap.String("handle", t.Handle),
				zap.Int("stream", t.ProcessingStream),
			)
		}

		fmt.Fprintf(os.Stderr, "Imported %d tenants.\n", len(tenants))
		return nil
	},
}

func init() {
	tenantsCmd.AddCommand(tenantsListCmd)
	tenantsCmd.AddCommand(tenantsShowCmd)
	tenantsCmd.AddCommand(tenantsImportCmd)
	rootCmd.AddCommand(tenantsCmd)
}

// formatTenantsList writes a tabular list of tenants to w.
func formatTenantsList(out io.Writer, tenants []model.Tenant) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "HANDLE\tNAME\tTIER\tSTREAM\tDRIVER\tPOSTS\tTZ")
	_, _ = fmt.Fprintln(w, "------\t----\t----\t------\t------\t-----\t--")

	for _, t := range tenants {
		posts := "no"
		if t.PostScoringEnabled() {
			posts = "yes"
		}
		driver := t.StoreDriver
		if driver == "" {
			driver = "postgres"
		}
		tz := t.Timezone
		if tz == "" {
			tz = "UTC"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			t.Handle, t.DisplayName, t.Tier, t.ProcessingStream, driver, posts, tz)
	}
	_ = w.Flush()
}
