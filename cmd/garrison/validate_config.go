// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Garrison Contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/garrisonhq/garrison/internal/config"
)

// NewValidateConfigCmd creates the validate-config subcommand.
func NewValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config [path]",
		Short: "Validate a config file without starting the engine",
		Long: `Validates a garrison.yaml config file against the configuration schema
and the semantic checks the engine runs at startup.
Does NOT start the engine or touch the snapshot backend.
Exits with code 0 on success, non-zero on failure.

Useful in CI pipelines to catch config errors early:
  garrison validate-config deploy/garrison.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				path = config.DefaultPath()
			}
			return runValidateConfig(cmd, path)
		},
	}
}

func runValidateConfig(cmd *cobra.Command, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := config.ValidateSchema(raw); err != nil {
		return fmt.Errorf("schema validation failed:\n%s", config.FormatSchemaError(err))
	}

	// Schema validation catches shape errors; loading catches semantic
	// ones, like a postgres driver without a URL.
	if _, err := config.Load(path, nil); err != nil {
		return err
	}

	cmd.Println("Config is valid:", path)
	return nil
}
