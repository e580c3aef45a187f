package main

import (
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/gosettle/internal/app"
	"github.com/mihaimyh/gosettle/internal/config"
	"github.com/mihaimyh/gosettle/storage/postgres"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply, roll back or inspect the PostgreSQL schema migrations embedded in the binary.`,
	}

	cmd.AddCommand(
		newMigrateDirectionCommand(postgres.MigrateUp, "Run all pending migrations"),
		newMigrateDirectionCommand(postgres.MigrateDown, "Roll back the most recent migration"),
		newMigrateDirectionCommand(postgres.MigrateStatus, "Show migration status"),
	)
	return cmd
}

func newMigrateDirectionCommand(direction postgres.MigrateDirection, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(direction),
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.DriverPostgres || cfg.Storage.Postgres.DSN == "" {
				return fmt.Errorf("migrations require the postgres storage driver with storage.postgres.dsn set")
			}

			logger := app.NewLogger(cfg.Logger, os.Stdout)
			pool, err := pgxpool.New(cmd.Context(), cfg.Storage.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer pool.Close()

			version, err := postgres.Migrate(cmd.Context(), pool, direction)
			if err != nil {
				logger.Error().Err(err).Str("direction", string(direction)).Msg("migration failed")
				return err
			}
			logger.Info().
				Str("direction", string(direction)).
				Int64("version", version).
				Msg("migration completed")
			return nil
		},
	}
}
