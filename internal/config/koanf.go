// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"catalogsync.yaml",
	"catalogsync.yml",
	"/etc/catalogsync/config.yaml",
	"/etc/catalogsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Default returns the built-in configuration without reading a file or
// the environment.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with all defaults applied. These are
// loaded first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:                 "http://localhost:8080",
			WSPath:                  "/v1/ws",
			RequestTimeout:          30 * time.Second,
			RequestsPerSecond:       10,
			Burst:                   20,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
			MaxRetries:              2,
		},
		Auth: AuthConfig{
			DeviceName: "catalogsync",
		},
		Storage: StorageConfig{
			Path:       "data/catalogsync",
			InMemory:   false,
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Outbox: OutboxConfig{
			MinSleep:  time.Second,
			MaxSleep:  5 * time.Minute,
			Retention: 7 * 24 * time.Hour,
		},
		Realtime: RealtimeConfig{
			Enabled:           true,
			MinBackoff:        time.Second,
			MaxBackoff:        time.Minute,
			Multiplier:        2,
			HeartbeatInterval: 30 * time.Second,
			PongTimeout:       10 * time.Second,
			HandshakeTimeout:  10 * time.Second,
		},
		Skeleton: SkeletonConfig{
			VerifyLocalChecksum: false,
		},
		Schedule: ScheduleConfig{
			ReconcileLikes: "@every 6h",
			SkeletonCheck:  "@every 1h",
			CatalogCatchUp: "@every 15m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// LoadWithKoanf loads configuration from defaults, an optional YAML file
// and environment variables, in increasing priority, and validates it.
func LoadWithKoanf() (*Config, error) {
	return load(findConfigFile())
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns CONFIG_PATH if it exists, else the first existing
// default path, else "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variable names (lower-cased) to koanf paths.
var envMappings = map[string]string{
	"catalog_url":                       "server.base_url",
	"catalog_ws_path":                   "server.ws_path",
	"catalog_request_timeout":           "server.request_timeout",
	"catalog_requests_per_second":       "server.requests_per_second",
	"catalog_burst":                     "server.burst",
	"catalog_breaker_failure_threshold": "server.breaker_failure_threshold",
	"catalog_breaker_timeout":           "server.breaker_timeout",
	"catalog_max_retries":               "server.max_retries",

	"catalog_token":      "auth.token",
	"catalog_token_file": "auth.token_file",
	"device_name":        "auth.device_name",

	"storage_path":        "storage.path",
	"storage_in_memory":   "storage.in_memory",
	"storage_sync_writes": "storage.sync_writes",
	"storage_gc_interval": "storage.gc_interval",

	"outbox_min_sleep": "outbox.min_sleep",
	"outbox_max_sleep": "outbox.max_sleep",
	"outbox_retention": "outbox.retention",

	"realtime_enabled":            "realtime.enabled",
	"realtime_min_backoff":        "realtime.min_backoff",
	"realtime_max_backoff":        "realtime.max_backoff",
	"realtime_multiplier":         "realtime.multiplier",
	"realtime_heartbeat_interval": "realtime.heartbeat_interval",
	"realtime_pong_timeout":       "realtime.pong_timeout",
	"realtime_handshake_timeout":  "realtime.handshake_timeout",

	"skeleton_verify_local_checksum": "skeleton.verify_local_checksum",

	"schedule_reconcile_likes": "schedule.reconcile_likes",
	"schedule_skeleton_check":  "schedule.skeleton_check",
	"schedule_catalog_catchup": "schedule.catalog_catchup",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"metrics_enabled":     "metrics.enabled",
	"metrics_listen_addr": "metrics.listen_addr",

	"supervisor_failure_threshold": "supervisor.failure_threshold",
	"supervisor_failure_decay":     "supervisor.failure_decay",
	"supervisor_failure_backoff":   "supervisor.failure_backoff",
	"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",
}

// envTransformFunc maps an environment variable name to its koanf path.
// Unmapped keys return "" and are skipped, so unrelated variables never
// reach the config.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
