package main

import (
	"errors"
	"fmt"

	"github.com/aaronwang/marketplace/shared/store"
	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logr, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Database.Driver)
		}

		m, err := store.NewMigrator(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer m.Close()

		if migrateDown {
			err = m.Down()
		} else {
			err = m.Up()
		}
		if errors.Is(err, migrate.ErrNoChange) {
			logr.Info().Msg("Database already up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return err
		}
		logr.Info().Uint("version", version).Bool("dirty", dirty).Bool("down", migrateDown).Msg("Migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back every migration")
	rootCmd.AddCommand(migrateCmd)
}
