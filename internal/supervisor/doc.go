// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package supervisor runs the client's long-lived loops under a suture v4
supervision tree.

Every background loop in the client (outbox drains, catch-up runners, the
invalidation consumer, the real-time manager, the scheduler, storage GC)
implements suture.Service:

	Serve(ctx context.Context) error

and is added to one of three layers:

	catalogsync (root)
	├── storage-layer   storage-gc
	├── sync-layer      outbox-*, catalog-events, user-events,
	│                   catalog-invalidation-consumer, scheduler
	└── channel-layer   realtime, metrics-http

A service that returns an error or panics is restarted with backoff once
FailureThreshold failures accumulate (decaying at FailureDecay per second).
Supervisor events are logged through sutureslog into the zerolog sink:

	logger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(logger, cfg.TreeConfig())

Services return nil on clean shutdown. Restarts are reserved for storage
faults; network errors are handled inside each loop.
*/
package supervisor
