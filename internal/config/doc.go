// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package config loads the catalogsync client configuration.

# Configuration Sources

Configuration is layered with koanf, later layers overriding earlier ones:

 1. Built-in defaults (defaultConfig)
 2. An optional YAML file, from CONFIG_PATH or the first of DefaultConfigPaths
 3. Environment variables listed in the envMappings table

Unmapped environment variables are ignored.

# Configuration Structure

  - ServerConfig: catalog server URL, request timeout, rate limit, breaker
  - AuthConfig: session token (inline or from a file)
  - StorageConfig: Badger directory, in-memory mode, GC interval
  - OutboxConfig: drain loop sleep bounds and retention
  - RealtimeConfig: channel backoff, heartbeat and timeouts
  - SkeletonConfig: optional local checksum verification
  - ScheduleConfig: cron specs for periodic jobs
  - LoggingConfig: zerolog level and format
  - MetricsConfig: optional Prometheus listener
  - SupervisorConfig: suture failure handling

# Usage

	cfg, err := config.LoadWithKoanf()
	if err != nil {
	    log.Fatal(err)
	}

Each section has a converter (ClientConfig, StorageConfig, ...) returning
the options struct of the package it configures.

# Environment Variables

	CATALOG_URL            server.base_url
	CATALOG_TOKEN          auth.token
	CATALOG_TOKEN_FILE     auth.token_file
	STORAGE_PATH           storage.path
	STORAGE_IN_MEMORY      storage.in_memory
	LOG_LEVEL              logging.level
	LOG_FORMAT             logging.format
	METRICS_ENABLED        metrics.enabled
	METRICS_LISTEN_ADDR    metrics.listen_addr

See envMappings in koanf.go for the full list.
*/
package config
