// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cursor Metrics
	CursorPosition = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogsync_cursor_seq",
			Help: "Last durably applied event sequence number per domain",
		},
		[]string{"domain"},
	)

	CursorFullSyncRequired = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogsync_cursor_full_sync_required",
			Help: "1 when the domain is flagged for a full resync",
		},
		[]string{"domain"},
	)

	// Outbox Metrics
	OutboxPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_outbox_pushes_total",
			Help: "Outbox item push attempts by outcome",
		},
		[]string{"domain", "result"}, // "synced", "retry", "parked", "superseded"
	)

	OutboxItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogsync_outbox_items",
			Help: "Outbox items by sync status",
		},
		[]string{"domain", "status"},
	)

	OutboxDrainDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_outbox_drain_duration_seconds",
			Help:    "Duration of one outbox drain pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain"},
	)

	OutboxReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_outbox_reconciled_total",
			Help: "Records changed by a reconciliation pull",
		},
		[]string{"domain", "action"}, // "adopted", "retracted", "skipped_pending"
	)

	// Skeleton Metrics
	SkeletonSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_skeleton_syncs_total",
			Help: "Skeleton sync runs by mode and result",
		},
		[]string{"mode", "result"},
	)

	SkeletonSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalogsync_skeleton_sync_duration_seconds",
			Help:    "Duration of skeleton sync runs",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	SkeletonVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalogsync_skeleton_version",
			Help: "Local skeleton version",
		},
	)

	SkeletonChangesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogsync_skeleton_changes_applied_total",
			Help: "Structural changes applied from deltas",
		},
	)

	// Catalog Event Metrics
	CatalogEventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_catalog_events_applied_total",
			Help: "Catalog invalidation events applied by entry point",
		},
		[]string{"source"}, // "catchup", "live"
	)

	CatalogCatchUps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_catalog_catchups_total",
			Help: "Catalog catch-up runs by result",
		},
		[]string{"result"}, // "ok", "full", "failed"
	)

	// User Event Metrics
	UserEventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_user_events_applied_total",
			Help: "User-content events applied by type and entry point",
		},
		[]string{"type", "source"},
	)

	UserCatchUps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_user_catchups_total",
			Help: "User-content catch-up runs by result",
		},
		[]string{"result"}, // "ok", "full", "failed"
	)

	// Real-time Channel Metrics
	ChannelState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogsync_channel_state",
			Help: "1 for the current real-time channel state",
		},
		[]string{"state"},
	)

	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogsync_channel_reconnects_total",
			Help: "Scheduled reconnect attempts",
		},
	)

	ChannelMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_channel_messages_total",
			Help: "Inbound channel messages by prefix and whether a handler took them",
		},
		[]string{"prefix", "handled"},
	)

	// HTTP Client Metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_http_requests_total",
			Help: "Requests to the catalog server by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_http_request_duration_seconds",
			Help:    "Latency of requests to the catalog server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Scheduler Metrics
	SchedulerJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_scheduler_job_runs_total",
			Help: "Periodic job runs by result",
		},
		[]string{"job", "result"},
	)
)

// channelStates are the label values of ChannelState.
var channelStates = []string{"disconnected", "connecting", "connected", "error"}

// SetChannelState marks state as current and clears the others.
func SetChannelState(state string) {
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ChannelState.WithLabelValues(s).Set(v)
	}
}

// RecordSkeletonSync records one skeleton sync run.
func RecordSkeletonSync(mode, result string, duration time.Duration) {
	SkeletonSyncs.WithLabelValues(mode, result).Inc()
	SkeletonSyncDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records one request to the catalog server.
func RecordHTTPRequest(endpoint, outcome string, duration time.Duration) {
	HTTPRequests.WithLabelValues(endpoint, outcome).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCursor publishes a domain's cursor state.
func RecordCursor(domain string, seq int64, needsFullSync bool) {
	CursorPosition.WithLabelValues(domain).Set(float64(seq))
	v := 0.0
	if needsFullSync {
		v = 1
	}
	CursorFullSyncRequired.WithLabelValues(domain).Set(v)
}
