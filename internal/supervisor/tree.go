// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// SupervisorTree is the client's supervision hierarchy:
//   - storage: Badger value-log GC
//   - sync: outbox drain loops, catch-up loops, the invalidation consumer,
//     the scheduler
//   - channel: the real-time connection and the metrics listener
//
// A crash in the channel layer does not interrupt outbox draining, and
// vice versa.
type SupervisorTree struct {
	root    *suture.Supervisor
	storage *suture.Supervisor
	sync    *suture.Supervisor
	channel *suture.Supervisor
	logger  *slog.Logger
	config  TreeConfig
}

// NewSupervisorTree creates a tree. Zero config values take defaults.
func NewSupervisorTree(logger *slog.Logger, config TreeConfig) (*SupervisorTree, error) {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	// MustHook has a pointer receiver.
	handler := &sutureslog.Handler{Logger: logger}

	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// Children inherit the root's EventHook when added.
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("catalogsync", rootSpec)
	storage := suture.New("storage-layer", childSpec)
	sync := suture.New("sync-layer", childSpec)
	channel := suture.New("channel-layer", childSpec)

	root.Add(storage)
	root.Add(sync)
	root.Add(channel)

	return &SupervisorTree{
		root:    root,
		storage: storage,
		sync:    sync,
		channel: channel,
		logger:  logger,
		config:  config,
	}, nil
}

// Root returns the root supervisor.
func (t *SupervisorTree) Root() *suture.Supervisor {
	return t.root
}

// AddStorageService adds svc to the storage layer.
func (t *SupervisorTree) AddStorageService(svc suture.Service) suture.ServiceToken {
	return t.storage.Add(svc)
}

// AddSyncService adds svc to the sync layer.
func (t *SupervisorTree) AddSyncService(svc suture.Service) suture.ServiceToken {
	return t.sync.Add(svc)
}

// AddChannelService adds svc to the channel layer.
func (t *SupervisorTree) AddChannelService(svc suture.Service) suture.ServiceToken {
	return t.channel.Add(svc)
}

// RemoveSyncService stops and removes a sync-layer service.
func (t *SupervisorTree) RemoveSyncService(token suture.ServiceToken) error {
	return t.sync.Remove(token)
}

// RemoveChannelService stops and removes a channel-layer service.
func (t *SupervisorTree) RemoveChannelService(token suture.ServiceToken) error {
	return t.channel.Remove(token)
}

// RemoveSyncServiceAndWait removes a sync-layer service and waits up to
// timeout for it to stop.
func (t *SupervisorTree) RemoveSyncServiceAndWait(token suture.ServiceToken, timeout time.Duration) error {
	return t.sync.RemoveAndWait(token, timeout)
}

// RemoveChannelServiceAndWait removes a channel-layer service and waits up
// to timeout for it to stop.
func (t *SupervisorTree) RemoveChannelServiceAndWait(token suture.ServiceToken, timeout time.Duration) error {
	return t.channel.RemoveAndWait(token, timeout)
}

// ShutdownTimeout is the configured per-service stop timeout.
func (t *SupervisorTree) ShutdownTimeout() time.Duration {
	return t.config.ShutdownTimeout
}

// Serve runs the tree until ctx is canceled.
func (t *SupervisorTree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine. The channel receives the
// result when the tree stops.
func (t *SupervisorTree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that did not stop within the
// shutdown timeout.
func (t *SupervisorTree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
