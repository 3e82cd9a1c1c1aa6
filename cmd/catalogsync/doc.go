// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package main is the entry point for the catalogsync daemon.
//
// catalogsync keeps a local, offline-readable copy of a music catalog's
// structure and of the user's own content (likes, listening history,
// impressions, notification reads) in step with a catalog server. Local
// changes are queued durably and pushed when the server is reachable;
// server-side changes arrive through cursored event logs and a WebSocket
// channel.
//
// # Startup Order
//
//  1. Configuration: defaults, then catalogsync.yaml, then environment (Koanf v2)
//  2. Logging: zerolog with the configured level and format
//  3. Storage: BadgerDB at STORAGE_PATH, or in memory
//  4. Session: bearer token from CATALOG_TOKEN or CATALOG_TOKEN_FILE
//  5. Supervisor tree: storage, sync and channel layers (suture v4)
//  6. Engine: outboxes, catch-up runners, channel, scheduler
//  7. Metrics listener, when METRICS_ENABLED=true
//
// # Configuration
//
// Configuration is layered (highest priority wins):
//   - Environment variables
//   - Config file (CONFIG_PATH, or catalogsync.yaml in the working directory)
//   - Built-in defaults
//
// The minimum for a working client:
//
//	export CATALOG_URL=https://catalog.example.com
//	export CATALOG_TOKEN=your-token
//	./catalogsync
//
// Without a token the daemon starts logged out: local reads work, queued
// mutations stay queued, and nothing is sent to the server.
//
// # Signal Handling
//
// SIGINT and SIGTERM stop the supervisor tree. Every service gets
// SUPERVISOR_SHUTDOWN_TIMEOUT to finish; outbox records caught mid-push
// are demoted to pending on the next start.
package main
