package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/PRDForge/internal/adapter/postgres"
	"github.com/Strob0t/PRDForge/internal/config"
)

var errNotPostgres = errors.New("migrations apply to the postgres driver only; sqlite creates its schema on open")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage Postgres schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := migrationConfig()
		if err != nil {
			return err
		}
		if err := postgres.RunMigrations(cmd.Context(), cfg.Postgres.DSN); err != nil {
			return err
		}
		return printVersion(cmd, cfg)
	},
}

var migrateSteps int

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if migrateSteps < 1 {
			return errors.New("--steps must be >= 1")
		}
		cfg, err := migrationConfig()
		if err != nil {
			return err
		}
		if err := postgres.RollbackMigrations(cmd.Context(), cfg.Postgres.DSN, migrateSteps); err != nil {
			return err
		}
		return printVersion(cmd, cfg)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := migrationConfig()
		if err != nil {
			return err
		}
		return printVersion(cmd, cfg)
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "Number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

func migrationConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Storage.Driver != "postgres" {
		return nil, errNotPostgres
	}
	return cfg, nil
}

func printVersion(cmd *cobra.Command, cfg *config.Config) error {
	v, err := postgres.MigrationVersion(cmd.Context(), cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	cmd.Printf("schema version %d\n", v)
	return nil
}
