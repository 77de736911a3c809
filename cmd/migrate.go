package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateTenant string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Migrates the control store, then every active tenant store. Use --tenant to migrate a single tenant.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Control.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate control store")
		}
		zap.L().Info("control store migrated")

		tenants, err := e.Directory.ListActive(ctx, nil)
		if err != nil {
			return err
		}
		for i := range tenants {
			t := &tenants[i]
			if migrateTenant != "" && t.Handle != migrateTenant {
				continue
			}
			st, err := e.Directory.StoreFor(ctx, t)
			if err != nil {
				return err
			}
			if err := st.Migrate(ctx); err != nil {
				return eris.Wrapf(err, "migrate tenant %s", t.Handle)
			}
			zap.L().Info("tenant store migrated", zap.String("tenant", t.Handle))
		}

		fmt.Fprintln(os.Stderr, "Migrations complete.")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTenant, "tenant", "", "migrate a single tenant store")
	rootCmd.AddCommand(migrateCmd)
}
