// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package main

import (
	"fmt"
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/garrisonhq/garrison/internal/config"
	"github.com/garrisonhq/garrison/internal/persist/postgres"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Run all pending snapshot migrations against the PostgreSQL backend.
The database URL comes from backend.url in the config file or the
DATABASE_URL environment variable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, statusOnly)
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "print migration status without applying anything")

	return cmd
}

func runMigrate(cmd *cobra.Command, statusOnly bool) error {
	databaseURL, err := migrateDatabaseURL()
	if err != nil {
		return err
	}

	cmd.Println("Connecting to database...")
	migrator, err := postgres.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			cmd.PrintErrln("warning: error closing migrator:", closeErr)
		}
	}()

	if statusOnly {
		return printMigrationStatus(cmd, migrator)
	}

	cmd.Println("Running migrations...")
	if err := migrator.Up(); err != nil {
		return err
	}

	cmd.Println("Migrations completed successfully")
	return printMigrationStatus(cmd, migrator)
}

// migrateDatabaseURL resolves the database URL from the config file when one
// is available, falling back to the DATABASE_URL environment variable.
func migrateDatabaseURL() (string, error) {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return "", err
	}
	if cfg.Backend.URL != "" {
		return cfg.Backend.URL, nil
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	return "", oops.Code("CONFIG_INVALID").Errorf("backend.url in the config file or the DATABASE_URL environment variable is required")
}

// printMigrationStatus reports the current schema version plus applied and
// pending migrations.
func printMigrationStatus(cmd *cobra.Command, migrator *postgres.Migrator) error {
	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}

	switch {
	case version == 0:
		cmd.Println("Schema version: none")
	case dirty:
		cmd.Printf("Schema version: %d (dirty)\n", version)
	default:
		cmd.Printf("Schema version: %d\n", version)
	}

	applied, err := migrator.AppliedMigrations()
	if err != nil {
		return err
	}
	for _, v := range applied {
		name, nameErr := postgres.MigrationName(v)
		if nameErr != nil {
			return nameErr
		}
		cmd.Println("  applied:", describeMigration(v, name))
	}

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		cmd.Println("No pending migrations")
		return nil
	}
	for _, v := range pending {
		name, nameErr := postgres.MigrationName(v)
		if nameErr != nil {
			return nameErr
		}
		cmd.Println("  pending:", describeMigration(v, name))
	}

	return nil
}

// describeMigration renders the migration's file stem, or the bare version
// when the embedded source does not know it (manually forced schemas).
func describeMigration(version uint, name string) string {
	if name == "" {
		return fmt.Sprintf("%06d (unknown)", version)
	}
	return name
}
