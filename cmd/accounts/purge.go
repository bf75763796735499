// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"sort"

	"github.com/spf13/cobra"

	"github.com/holomush/accounts/internal/auth"
)

// NewPurgeCmd creates the purge subcommand.
func NewPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired tokens and denylist entries",
		Long: `Delete consumed or expired one-time tokens, expired refresh tokens and
expired denylist entries once, then exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPurge(cmd.Context(), cmd, nil)
		},
	}
}

func runPurge(ctx context.Context, cmd *cobra.Command, deps *Deps) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	b, err := buildBackend(ctx, cfg, logger, nil, deps)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	report, err := b.service.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	printReport(cmd, report)
	return nil
}

func printReport(cmd *cobra.Command, report auth.PurgeReport) {
	collections := make([]string, 0, len(report))
	for c := range report {
		collections = append(collections, c)
	}
	sort.Strings(collections)
	for _, c := range collections {
		cmd.Printf("%s: %d\n", c, report[c])
	}
	cmd.Printf("total: %d\n", report.Total())
}
