package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/terrpan/atbroker/internal/config"
	"github.com/terrpan/atbroker/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openPostgres(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		cfg.NewLogger().Info("migrations applied")
		return nil
	},
}

// openPostgres opens the configured database. Commands that only make sense
// against persistent state refuse the in-memory store.
func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	if cfg.Database.URL == config.MemoryDatabase {
		return nil, fmt.Errorf("database.url is %q; this command needs postgres", config.MemoryDatabase)
	}
	st, err := postgres.Open(ctx, cfg.Database.URL, clock.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}
