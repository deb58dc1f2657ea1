// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/coralbridge/orderdesk/services/engine"
	"github.com/coralbridge/orderdesk/services/engine/config"
	"github.com/coralbridge/orderdesk/services/engine/session"
	"github.com/coralbridge/orderdesk/services/engine/ttl"
)

// version is stamped at release build time via -ldflags.
var version = "dev"

var (
	envFile string

	rootCmd = &cobra.Command{
		Use:   "orderdesk",
		Short: "Conversational order-taking engine for B2B distribution",
		Long: `OrderDesk serves the chat endpoint that outlet operators talk to:
intent classification, knowledge-grounded answers, and the agent
pipeline that turns qualifying messages into order drafts.

Configuration comes from environment variables; see the command
documentation for the full list. A .env file in the working directory
is loaded when present.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the request engine HTTP server",
		Long: `Starts the engine and blocks until the server exits. All components
are wired from the environment: the session store, cache layers,
vector store, model clients, and the retention sweeper.`,
		RunE: runServe,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep cycle and exit",
		Long: `Deletes sessions and turns past the retention window, closes idle
sessions, and reclaims database space. The serving engine runs the
same cycle on SWEEP_SCHEDULE; this command exists for migrations and
for deployments that schedule sweeps externally.`,
		RunE: runSweep,
	}
)

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "",
		"load environment variables from this file before reading configuration")
	rootCmd.PersistentPreRunE = loadEnv
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

// loadEnv populates the environment from a dotenv file. An explicit
// --env-file must exist; the implicit ./.env is optional.
func loadEnv(_ *cobra.Command, _ []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	_ = godotenv.Load()
	return nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Standalone build: nil options take the built-in PII filter and
	// the discard audit logger.
	svc, err := engine.New(cfg, nil)
	if err != nil {
		return err
	}
	return svc.Run()
}

// runSweep opens only the session store; model clients and the cache
// stack stay closed. Running it while a serving engine holds the
// database lock fails fast with badger's lock error.
func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := session.OpenDB(session.DefaultDBConfig(cfg.DatabasePath))
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer func() { _ = db.Close() }()

	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	store := session.NewStore(db, cfg.SessionInactivity, retention)

	stats, err := ttl.New(store, nil, nil).RunNow(cmd.Context())
	if err != nil {
		return err
	}

	cmd.Printf("sessions deleted: %d\nturns deleted: %d\nsessions closed: %d\n",
		stats.SessionsDeleted, stats.TurnsDeleted, stats.SessionsClosed)
	return nil
}
