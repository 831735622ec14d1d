package main

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-settlement/settlement/config"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/postgres"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the postgres schema",
		Long: `Migrations never run on serve. Run them explicitly before starting
a postgres-backed instance.

Examples:
  SETTLEMENT_POSTGRES_DSN=postgres://... settlementd migrate up
  settlementd migrate down -c settlement.yaml`,
	}

	cmd.PersistentFlags().String("path", "", "migrations directory (defaults to the embedded schema)")

	cmd.AddCommand(
		migrateDirectionCmd("up", "Apply every pending migration", (*postgres.Migrator).Up),
		migrateDirectionCmd("down", "Roll back the latest migration", (*postgres.Migrator).Down),
	)

	return cmd
}

func migrateDirectionCmd(use, short string, apply func(*postgres.Migrator, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if cfg.Store.PostgresDSN == "" {
				return fmt.Errorf("%w: postgres_dsn is required to migrate", config.ErrInvalidConfig)
			}

			path, _ := cmd.Flags().GetString("path")

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			defer func() { _ = logger.Sync(context.Background()) }()

			migrator, err := postgres.NewMigrator(postgres.MigrationConfig{
				DSN:            cfg.Store.PostgresDSN,
				DBName:         cfg.Store.PostgresDBName,
				MigrationsPath: path,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			if err := apply(migrator, cmd.Context()); err != nil {
				return err
			}

			logger.Log(cmd.Context(), log.LevelInfo, "migration finished", log.String("direction", use))

			return nil
		},
	}
}
