package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scout-cli/internal/observability"
	"github.com/xkilldash9x/scout-cli/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the PostgreSQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			db := cfg.Database()
			if db.Driver != "postgres" {
				return fmt.Errorf("migrations only apply to the postgres driver, configured driver is %q", db.Driver)
			}
			if db.URL == "" {
				return errors.New("database URL is not configured (SCOUT_DATABASE_URL)")
			}
			if err := store.Migrate(ctx, db.URL, observability.GetLogger()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		},
	}
}
