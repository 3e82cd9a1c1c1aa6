// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package metrics holds the Prometheus instrumentation for the sync client.

All collectors are registered on the default registry through promauto and
exposed by cmd/catalogsync on /metrics when metrics.enabled is set:

	curl http://localhost:9464/metrics

# Available Metrics

Cursors:
  - catalogsync_cursor_seq{domain}
  - catalogsync_cursor_full_sync_required{domain}

Outbox:
  - catalogsync_outbox_pushes_total{domain,result}
  - catalogsync_outbox_items{domain,status}
  - catalogsync_outbox_drain_duration_seconds{domain}
  - catalogsync_outbox_reconciled_total{domain,action}

Skeleton:
  - catalogsync_skeleton_syncs_total{mode,result}
  - catalogsync_skeleton_sync_duration_seconds
  - catalogsync_skeleton_version
  - catalogsync_skeleton_changes_applied_total

Catalog events:
  - catalogsync_catalog_events_applied_total{source}
  - catalogsync_catalog_catchups_total{result}

Real-time channel:
  - catalogsync_channel_state{state}
  - catalogsync_channel_reconnects_total
  - catalogsync_channel_messages_total{prefix,handled}

HTTP client:
  - catalogsync_http_requests_total{endpoint,outcome}
  - catalogsync_http_request_duration_seconds{endpoint}
  - catalogsync_circuit_breaker_state{name}
  - catalogsync_circuit_breaker_transitions_total{name,from,to}

Scheduler:
  - catalogsync_scheduler_job_runs_total{job,result}
*/
package metrics
