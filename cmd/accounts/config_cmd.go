// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/accounts/internal/config"
)

// NewConfigCmd creates the config subcommand.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and check configuration",
	}
	cmd.AddCommand(newConfigSchemaCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file against the schema and rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return oops.Code("CONFIG_LOAD_FAILED").With("path", configFile).Wrap(err)
				}
				if err := config.ValidateFile(data); err != nil {
					return err
				}
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.Println("configuration is valid")
			return nil
		},
	})
	return cmd
}

func newConfigSchemaCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print or write the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.GenerateSchema()
			if err != nil {
				return err
			}
			if out == "" {
				cmd.Println(string(data))
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
				return oops.Code("CONFIG_SCHEMA_WRITE_FAILED").With("path", out).Wrap(err)
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return oops.Code("CONFIG_SCHEMA_WRITE_FAILED").With("path", out).Wrap(err)
			}
			cmd.Printf("Generated %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the schema to this file instead of stdout")
	return cmd
}
