// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package outbox

import (
	"context"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
)

// Remote is the server's authoritative view of a domain, used by
// Reconcile.
type Remote[T any] struct {
	// Items maps content id to the server's state.
	Items map[string]T

	// InScope limits which local records the pull speaks for. A pull of
	// liked albums says nothing about liked tracks. Nil means every record.
	InScope func(rec Record[T]) bool

	// Retract returns the local state for a record the server no longer
	// has. Nil deletes such records.
	Retract func(local T) T

	// Equal reports whether two payloads describe the same state.
	Equal func(a, b T) bool
}

// ReconcileStats counts what a reconciliation changed.
type ReconcileStats struct {
	Adopted        int
	Retracted      int
	SkippedPending int
}

// MergeResult is the outcome of MergeRemote.
type MergeResult int

const (
	MergeUnchanged MergeResult = iota
	MergeApplied
	MergeSkippedPending
)

// MergeRemote adopts the server's state for one record unless the record
// has an unsent local mutation. Records already Synced with an equal
// payload are left alone.
func (s *Synchronizer[T]) MergeRemote(ctx context.Context, id string, want T, equal func(a, b T) bool) (MergeResult, error) {
	res := MergeUnchanged
	_, _, err := s.store.Update(ctx, id, func(cur Record[T], exists bool) (Record[T], Op) {
		res = MergeUnchanged
		now := s.now()
		switch {
		case !exists:
			res = MergeApplied
			return Record[T]{ID: id, Payload: want, Status: models.StatusSynced, CreatedAt: now, UpdatedAt: now}, OpPut
		case cur.Status.IsPending():
			res = MergeSkippedPending
			return cur, OpKeep
		case cur.Status == models.StatusSynced && equal != nil && equal(cur.Payload, want):
			return cur, OpKeep
		}
		res = MergeApplied
		cur.Payload = want
		cur.Status = models.StatusSynced
		cur.LastError = ""
		cur.UpdatedAt = now
		return cur, OpPut
	})
	if err != nil {
		return MergeUnchanged, err
	}
	return res, nil
}

// Reconcile merges the server's authoritative set into the local store.
// Records with an unsent local mutation (PendingSync or Syncing) are never
// touched. Everything else converges to the server's state and is marked
// Synced. Each record is merged in its own read-modify-write so a
// concurrent Enqueue is never lost.
func (s *Synchronizer[T]) Reconcile(ctx context.Context, remote Remote[T]) (ReconcileStats, error) {
	var stats ReconcileStats
	equal := remote.Equal
	if equal == nil {
		equal = func(T, T) bool { return false }
	}

	for id, want := range remote.Items {
		res, err := s.MergeRemote(ctx, id, want, equal)
		if err != nil {
			return stats, err
		}
		switch res {
		case MergeSkippedPending:
			stats.SkippedPending++
		case MergeApplied:
			stats.Adopted++
		}
	}

	local, err := s.store.List(ctx)
	if err != nil {
		return stats, err
	}
	for _, rec := range local {
		if _, ok := remote.Items[rec.ID]; ok {
			continue
		}
		if remote.InScope != nil && !remote.InScope(rec) {
			continue
		}

		skipped := false
		_, op, err := s.store.Update(ctx, rec.ID, func(cur Record[T], exists bool) (Record[T], Op) {
			skipped = false
			if !exists {
				return cur, OpKeep
			}
			if cur.Status.IsPending() {
				skipped = true
				return cur, OpKeep
			}
			if remote.Retract == nil {
				return cur, OpDelete
			}
			next := remote.Retract(cur.Payload)
			if cur.Status == models.StatusSynced && equal(cur.Payload, next) {
				return cur, OpKeep
			}
			cur.Payload = next
			cur.Status = models.StatusSynced
			cur.LastError = ""
			cur.UpdatedAt = s.now()
			return cur, OpPut
		})
		if err != nil {
			return stats, err
		}
		switch {
		case skipped:
			stats.SkippedPending++
		case op != OpKeep:
			stats.Retracted++
		}
	}

	metrics.OutboxReconciled.WithLabelValues(s.cfg.Domain, "adopted").Add(float64(stats.Adopted))
	metrics.OutboxReconciled.WithLabelValues(s.cfg.Domain, "retracted").Add(float64(stats.Retracted))
	metrics.OutboxReconciled.WithLabelValues(s.cfg.Domain, "skipped_pending").Add(float64(stats.SkippedPending))
	s.publishCounts(ctx)

	logging.Ctx(ctx).Info().
		Str("domain", s.cfg.Domain).
		Int("remote", len(remote.Items)).
		Int("adopted", stats.Adopted).
		Int("retracted", stats.Retracted).
		Int("skipped_pending", stats.SkippedPending).
		Msg("Outbox reconciled with server")
	return stats, nil
}
