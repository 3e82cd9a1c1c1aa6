// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/tomtom215/catalogsync/internal/auth"
	"github.com/tomtom215/catalogsync/internal/config"
	"github.com/tomtom215/catalogsync/internal/engine"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/storage"
	"github.com/tomtom215/catalogsync/internal/supervisor"
	"github.com/tomtom215/catalogsync/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.LoggingConfig())

	logging.Info().
		Str("base_url", cfg.Server.BaseURL).
		Str("storage_path", cfg.Storage.Path).
		Bool("in_memory", cfg.Storage.InMemory).
		Bool("realtime", cfg.Realtime.Enabled).
		Msg("Configuration loaded")

	db, err := openStorage(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing storage")
		}
	}()

	session, err := auth.LoadSession(cfg.Auth.Token, cfg.Auth.TokenFile)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to load session")
		return
	}
	if !session.Valid() {
		logging.Warn().Msg("No valid session token, starting logged out")
	}

	// Bridge zerolog to slog for sutureslog
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), cfg.TreeConfig())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to create supervisor tree")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg, db, session, tree)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to create sync engine")
		return
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing sync engine")
		}
	}()

	if cfg.Metrics.Enabled {
		tree.AddChannelService(services.NewMetricsService(cfg.Metrics.ListenAddr, cfg.Supervisor.ShutdownTimeout))
		logging.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("Metrics listener added")
	}

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	if err := eng.Start(ctx); err != nil {
		logging.Error().Err(err).Msg("Failed to start sync engine")
		stop()
	}

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("catalogsync stopped")
}

func openStorage(cfg *config.Config) (*storage.DB, error) {
	if cfg.Storage.InMemory {
		logging.Warn().Msg("Storage is in memory; nothing survives a restart")
		return storage.OpenInMemory()
	}
	return storage.Open(cfg.StorageConfig())
}
