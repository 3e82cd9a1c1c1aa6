// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"strings"
	"time"

	"github.com/tomtom215/catalogsync/internal/client"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/outbox"
	"github.com/tomtom215/catalogsync/internal/realtime"
	"github.com/tomtom215/catalogsync/internal/skeleton"
	"github.com/tomtom215/catalogsync/internal/storage"
	"github.com/tomtom215/catalogsync/internal/supervisor"
)

// Config holds all client configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	Storage    StorageConfig    `koanf:"storage"`
	Outbox     OutboxConfig     `koanf:"outbox"`
	Realtime   RealtimeConfig   `koanf:"realtime"`
	Skeleton   SkeletonConfig   `koanf:"skeleton"`
	Schedule   ScheduleConfig   `koanf:"schedule"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// ServerConfig describes the catalog server.
type ServerConfig struct {
	BaseURL                 string        `koanf:"base_url" validate:"required,url"`
	WSPath                  string        `koanf:"ws_path" validate:"required,startswith=/"`
	RequestTimeout          time.Duration `koanf:"request_timeout" validate:"gt=0"`
	RequestsPerSecond       float64       `koanf:"requests_per_second" validate:"gt=0"`
	Burst                   int           `koanf:"burst" validate:"gte=1"`
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold" validate:"gte=1"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
	MaxRetries              uint64        `koanf:"max_retries" validate:"lte=10"`
}

// AuthConfig supplies the session token. Token wins over TokenFile.
type AuthConfig struct {
	Token      string `koanf:"token"`
	TokenFile  string `koanf:"token_file"`
	DeviceName string `koanf:"device_name"`
}

// StorageConfig configures the local Badger database.
type StorageConfig struct {
	Path       string        `koanf:"path"`
	InMemory   bool          `koanf:"in_memory"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval" validate:"gte=0"`
}

// OutboxConfig applies to every outbox domain.
type OutboxConfig struct {
	MinSleep  time.Duration `koanf:"min_sleep" validate:"gt=0"`
	MaxSleep  time.Duration `koanf:"max_sleep" validate:"gtefield=MinSleep"`
	Retention time.Duration `koanf:"retention" validate:"gt=0"`
}

// RealtimeConfig configures the WebSocket channel.
type RealtimeConfig struct {
	Enabled           bool          `koanf:"enabled"`
	MinBackoff        time.Duration `koanf:"min_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gtefield=MinBackoff"`
	Multiplier        float64       `koanf:"multiplier" validate:"gte=1"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	PongTimeout       time.Duration `koanf:"pong_timeout" validate:"gt=0"`
	HandshakeTimeout  time.Duration `koanf:"handshake_timeout" validate:"gt=0"`
}

// SkeletonConfig configures the skeleton syncer.
type SkeletonConfig struct {
	VerifyLocalChecksum bool `koanf:"verify_local_checksum"`
}

// ScheduleConfig holds cron specs. An empty spec disables the job.
type ScheduleConfig struct {
	ReconcileLikes string `koanf:"reconcile_likes"`
	SkeletonCheck  string `koanf:"skeleton_check"`
	CatalogCatchUp string `koanf:"catalog_catchup"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"required"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig configures the optional /metrics listener.
type MetricsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ListenAddr string `koanf:"listen_addr"`
}

// SupervisorConfig mirrors supervisor.TreeConfig.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold" validate:"gt=0"`
	FailureDecay     float64       `koanf:"failure_decay" validate:"gt=0"`
	FailureBackoff   time.Duration `koanf:"failure_backoff" validate:"gt=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// ClientConfig returns the HTTP client options.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.Server.BaseURL)
	cfg.Timeout = c.Server.RequestTimeout
	cfg.RequestsPerSecond = c.Server.RequestsPerSecond
	cfg.Burst = c.Server.Burst
	cfg.BreakerFailureThreshold = c.Server.BreakerFailureThreshold
	cfg.BreakerTimeout = c.Server.BreakerTimeout
	cfg.MaxRetries = c.Server.MaxRetries
	if c.Auth.DeviceName != "" {
		cfg.UserAgent = "catalogsync/" + c.Auth.DeviceName
	}
	return cfg
}

// WebSocketURL derives the channel URL from the server base URL.
func (c *Config) WebSocketURL() string {
	base := strings.TrimRight(c.Server.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.Server.WSPath
}

// StorageConfig returns the Badger options.
func (c *Config) StorageConfig() storage.Config {
	cfg := storage.DefaultConfig(c.Storage.Path)
	cfg.InMemory = c.Storage.InMemory
	cfg.SyncWrites = c.Storage.SyncWrites
	if c.Storage.GCInterval > 0 {
		cfg.GCInterval = c.Storage.GCInterval
	}
	return cfg
}

// OutboxConfig returns the synchronizer options for domain.
func (c *Config) OutboxConfig(domain string) outbox.Config {
	return outbox.Config{
		Domain:    domain,
		MinSleep:  c.Outbox.MinSleep,
		MaxSleep:  c.Outbox.MaxSleep,
		Retention: c.Outbox.Retention,
	}
}

// RealtimeConfig returns the channel manager options.
func (c *Config) RealtimeConfig() realtime.Config {
	cfg := realtime.DefaultConfig(c.WebSocketURL())
	cfg.MinBackoff = c.Realtime.MinBackoff
	cfg.MaxBackoff = c.Realtime.MaxBackoff
	cfg.Multiplier = c.Realtime.Multiplier
	cfg.HeartbeatInterval = c.Realtime.HeartbeatInterval
	cfg.PongTimeout = c.Realtime.PongTimeout
	cfg.HandshakeTimeout = c.Realtime.HandshakeTimeout
	return cfg
}

// SyncerConfig returns the skeleton syncer options.
func (c *Config) SyncerConfig() skeleton.SyncerConfig {
	return skeleton.SyncerConfig{VerifyLocalChecksum: c.Skeleton.VerifyLocalChecksum}
}

// LoggingConfig returns the zerolog options.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = c.Logging.Format
	cfg.Caller = c.Logging.Caller
	return cfg
}

// TreeConfig returns the supervisor options.
func (c *Config) TreeConfig() supervisor.TreeConfig {
	return supervisor.TreeConfig{
		FailureThreshold: c.Supervisor.FailureThreshold,
		FailureDecay:     c.Supervisor.FailureDecay,
		FailureBackoff:   c.Supervisor.FailureBackoff,
		ShutdownTimeout:  c.Supervisor.ShutdownTimeout,
	}
}
