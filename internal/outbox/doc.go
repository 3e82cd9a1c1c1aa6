// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package outbox implements the offline-first push queue shared by every
mutable user domain.

Local mutations are written to a Store as PendingSync records and pushed
to the server by a single Synchronizer loop per domain:

	PendingSync --claim--> Syncing --ok--> Synced
	                          |--network--> PendingSync
	                          '--unauthorized/not found/unknown--> SyncError

Each record carries a revision. A push outcome is written back only if
the record was not enqueued again while the push was in flight; otherwise
the newer mutation stays PendingSync and is pushed in the same pass.

Records left Syncing by a process that died mid-push are demoted to
PendingSync before the loop starts.

Reconcile merges the server's authoritative set back into the store for
domains that have one (liked content). Local pending mutations always win
over the pull.
*/
package outbox
