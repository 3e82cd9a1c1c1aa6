// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "missing base url",
			mutate:  func(c *Config) { c.Server.BaseURL = "" },
			wantErr: "BaseURL is required",
		},
		{
			name:    "websocket base url",
			mutate:  func(c *Config) { c.Server.BaseURL = "ws://catalog.example.com" },
			wantErr: "must start with http",
		},
		{
			name:    "ws path without slash",
			mutate:  func(c *Config) { c.Server.WSPath = "v1/ws" },
			wantErr: "WSPath",
		},
		{
			name:    "max backoff below min",
			mutate:  func(c *Config) { c.Realtime.MaxBackoff = c.Realtime.MinBackoff / 2 },
			wantErr: "MaxBackoff",
		},
		{
			name:    "multiplier below one",
			mutate:  func(c *Config) { c.Realtime.Multiplier = 0.5 },
			wantErr: "Multiplier",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "not a known level",
		},
		{
			name:    "no storage path",
			mutate:  func(c *Config) { c.Storage.Path = "" },
			wantErr: "STORAGE_PATH",
		},
		{
			name: "in-memory storage needs no path",
			mutate: func(c *Config) {
				c.Storage.Path = ""
				c.Storage.InMemory = true
			},
		},
		{
			name:    "bad cron spec",
			mutate:  func(c *Config) { c.Schedule.SkeletonCheck = "every hour" },
			wantErr: "schedule.skeleton_check",
		},
		{
			name:   "disabled job",
			mutate: func(c *Config) { c.Schedule.ReconcileLikes = "" },
		},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddr = ""
			},
			wantErr: "METRICS_LISTEN_ADDR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/v1/ws"},
		{"https://catalog.example.com/", "wss://catalog.example.com/v1/ws"},
	}
	for _, tt := range tests {
		cfg := defaultConfig()
		cfg.Server.BaseURL = tt.base
		if got := cfg.WebSocketURL(); got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestConverters(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.RequestTimeout = 7 * time.Second
	cfg.Auth.DeviceName = "kitchen"
	cfg.Storage.InMemory = true
	cfg.Realtime.PongTimeout = 3 * time.Second
	cfg.Skeleton.VerifyLocalChecksum = true

	cc := cfg.ClientConfig()
	if cc.BaseURL != cfg.Server.BaseURL || cc.Timeout != 7*time.Second {
		t.Errorf("ClientConfig = %+v", cc)
	}
	if cc.UserAgent != "catalogsync/kitchen" {
		t.Errorf("UserAgent = %q", cc.UserAgent)
	}

	if sc := cfg.StorageConfig(); !sc.InMemory || !sc.SyncWrites {
		t.Errorf("StorageConfig = %+v", sc)
	}

	oc := cfg.OutboxConfig("liked_content")
	if oc.Domain != "liked_content" || oc.MinSleep != cfg.Outbox.MinSleep || oc.Retention != cfg.Outbox.Retention {
		t.Errorf("OutboxConfig = %+v", oc)
	}

	rc := cfg.RealtimeConfig()
	if rc.URL != "ws://localhost:8080/v1/ws" || rc.PongTimeout != 3*time.Second {
		t.Errorf("RealtimeConfig = %+v", rc)
	}

	if !cfg.SyncerConfig().VerifyLocalChecksum {
		t.Error("SyncerConfig lost VerifyLocalChecksum")
	}

	if lc := cfg.LoggingConfig(); lc.Level != "info" || lc.Format != "json" {
		t.Errorf("LoggingConfig = %+v", lc)
	}

	if tc := cfg.TreeConfig(); tc.FailureBackoff != 15*time.Second {
		t.Errorf("TreeConfig = %+v", tc)
	}
}
