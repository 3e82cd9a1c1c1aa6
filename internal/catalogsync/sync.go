// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package catalogsync consumes the server's catalog invalidation log.
//
// Events reach the client two ways: catch-up over HTTP from the stored
// cursor, and live pushes on the real-time channel. Both end in
// Sync.apply, which hands the event to an Invalidator. Invalidation is
// idempotent per content id, so an event seen by both paths is harmless.
//
// Live events that arrive while a catch-up is running are buffered and
// replayed once it finishes. A live event that does not directly follow
// the cursor requests a catch-up instead of being applied out of order.
// When the server can no longer serve the log from the cursor (pruned, or
// silently missing events) the skeleton is fully resynced and every cached
// entity is invalidated before the cursor jumps forward.
package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomtom215/catalogsync/internal/client"
	"github.com/tomtom215/catalogsync/internal/cursor"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/skeleton"
)

// Source fetches the catalog event log. *client.Client implements it.
type Source interface {
	CatalogEvents(ctx context.Context, since int64) (*models.CatalogEventsResponse, error)
}

// SkeletonResyncer forces a full skeleton sync. *skeleton.Syncer
// implements it.
type SkeletonResyncer interface {
	ResyncFull(ctx context.Context) skeleton.Result
}

// Sync owns the Catalog cursor.
type Sync struct {
	source   Source
	cursor   cursor.Store
	inval    Invalidator
	skeleton SkeletonResyncer
	log      zerolog.Logger

	// runMu serializes catch-ups. mu guards catchingUp and buffered and
	// is held by the live path while it applies.
	runMu      sync.Mutex
	mu         sync.Mutex
	catchingUp bool
	buffered   []models.CatalogEvent

	trigger chan struct{}
}

// New creates a Sync. cur must be the Catalog cursor.
func New(source Source, cur cursor.Store, inval Invalidator, skel SkeletonResyncer) *Sync {
	return &Sync{
		source:   source,
		cursor:   cur,
		inval:    inval,
		skeleton: skel,
		log:      logging.WithComponent("catalogsync"),
		trigger:  make(chan struct{}, 1),
	}
}

// String names the service in the supervision tree.
func (s *Sync) String() string {
	return "catalog-events"
}

// Cursor returns the stored cursor.
func (s *Sync) Cursor() models.SyncCursor {
	return s.cursor.Get()
}

// RequestCatchUp asks Serve to run a catch-up soon. It never blocks.
func (s *Sync) RequestCatchUp() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Serve runs requested catch-ups until ctx is done.
func (s *Sync) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if err := s.CatchUp(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("Catalog catch-up failed")
			}
		}
	}
}

// CatchUp fetches every event after the cursor, applies them in seq order
// and advances the cursor to the server's current seq.
func (s *Sync) CatchUp(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	s.catchingUp = true
	s.mu.Unlock()

	ctx = logging.ContextWithNewCorrelationID(ctx)
	err := s.catchUp(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if replayErr := s.replayBuffered(ctx); replayErr != nil {
		err = errors.Join(err, replayErr)
	}
	s.catchingUp = false
	return err
}

func (s *Sync) catchUp(ctx context.Context) error {
	cur := s.cursor.Get()
	if cur.NeedsFullSync {
		return s.fullResync(ctx, "flagged")
	}

	resp, err := s.source.CatalogEvents(ctx, cur.Seq)
	switch {
	case errors.Is(err, client.ErrEventsPruned):
		return s.fullResync(ctx, "pruned")
	case err != nil:
		metrics.CatalogCatchUps.WithLabelValues("failed").Inc()
		return fmt.Errorf("catalog events since %d: %w", cur.Seq, err)
	}
	if len(resp.Events) == 0 && resp.CurrentSeq > cur.Seq {
		return s.fullResync(ctx, "events_missing")
	}
	if resp.CurrentSeq < cur.Seq {
		return s.fullResync(ctx, "server_seq_regressed")
	}

	events := append([]models.CatalogEvent(nil), resp.Events...)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	next := cur.Seq
	applied := 0
	for _, ev := range events {
		if ev.Seq <= next {
			continue
		}
		if err := s.apply(ctx, ev, "catchup"); err != nil {
			metrics.CatalogCatchUps.WithLabelValues("failed").Inc()
			return errors.Join(err, s.save(ctx, next))
		}
		next = ev.Seq
		applied++
	}
	if resp.CurrentSeq > next {
		next = resp.CurrentSeq
	}
	if err := s.save(ctx, next); err != nil {
		return err
	}

	metrics.CatalogCatchUps.WithLabelValues("ok").Inc()
	logging.Ctx(ctx).Debug().
		Int64("from", cur.Seq).
		Int64("to", next).
		Int("applied", applied).
		Msg("Catalog events caught up")
	return nil
}

// fullResync rebuilds the skeleton, invalidates every cached entity and
// moves the cursor to the server's current seq. The needs-full-sync flag
// is set first and only cleared on success, so an interrupted resync is
// retried.
func (s *Sync) fullResync(ctx context.Context, reason string) error {
	log := logging.Ctx(ctx)
	log.Warn().Str("reason", reason).Int64("cursor", s.cursor.Get().Seq).Msg("Catalog event log unusable, full resync")
	metrics.CatalogCatchUps.WithLabelValues("full").Inc()

	if err := s.cursor.SetNeedsFullSync(ctx, true); err != nil {
		return err
	}
	s.recordCursor()

	if s.skeleton != nil {
		res := s.skeleton.ResyncFull(ctx)
		if res.Outcome == skeleton.Failed {
			return fmt.Errorf("full skeleton resync: %w", res.Err)
		}
	}
	if err := s.inval.InvalidateAll(ctx); err != nil {
		return err
	}

	resp, err := s.source.CatalogEvents(ctx, 0)
	if err != nil {
		return fmt.Errorf("catalog head: %w", err)
	}
	if resp.CurrentSeq < s.cursor.Get().Seq {
		if err := s.cursor.Clear(ctx); err != nil {
			return err
		}
	}
	if err := s.cursor.Save(ctx, resp.CurrentSeq); err != nil {
		return err
	}
	if err := s.cursor.SetNeedsFullSync(ctx, false); err != nil {
		return err
	}
	s.recordCursor()

	log.Info().Int64("cursor", resp.CurrentSeq).Msg("Catalog full resync complete")
	return nil
}

// ApplyLive handles one event pushed on the real-time channel. applied
// is false when the event was buffered behind a running catch-up, was
// already covered by the cursor, or was left to a catch-up.
func (s *Sync) ApplyLive(ctx context.Context, ev models.CatalogEvent) (applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.catchingUp {
		s.buffered = append(s.buffered, ev)
		return false, nil
	}
	return s.applyLiveLocked(ctx, ev)
}

// applyLiveLocked must be called with mu held.
func (s *Sync) applyLiveLocked(ctx context.Context, ev models.CatalogEvent) (bool, error) {
	cur := s.cursor.Get()
	switch {
	case cur.NeedsFullSync:
		s.RequestCatchUp()
		return false, nil
	case ev.Seq <= cur.Seq:
		return false, nil
	case ev.Seq == cur.Seq+1:
		if err := s.apply(ctx, ev, "live"); err != nil {
			return false, err
		}
		if err := s.save(ctx, ev.Seq); err != nil {
			return false, err
		}
		return true, nil
	default:
		s.log.Debug().Int64("seq", ev.Seq).Int64("cursor", cur.Seq).Msg("Gap in live catalog events, catching up")
		s.RequestCatchUp()
		return false, nil
	}
}

// replayBuffered must be called with mu held.
func (s *Sync) replayBuffered(ctx context.Context) error {
	if len(s.buffered) == 0 {
		return nil
	}
	events := s.buffered
	s.buffered = nil
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	var errs []error
	for _, ev := range events {
		if _, err := s.applyLiveLocked(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sync) apply(ctx context.Context, ev models.CatalogEvent, source string) error {
	if err := s.inval.Invalidate(ctx, ev); err != nil {
		return fmt.Errorf("apply catalog event %d: %w", ev.Seq, err)
	}
	metrics.CatalogEventsApplied.WithLabelValues(source).Inc()
	return nil
}

func (s *Sync) save(ctx context.Context, seq int64) error {
	if seq <= s.cursor.Get().Seq {
		return nil
	}
	if err := s.cursor.Save(ctx, seq); err != nil {
		return fmt.Errorf("save catalog cursor: %w", err)
	}
	s.recordCursor()
	return nil
}

func (s *Sync) recordCursor() {
	c := s.cursor.Get()
	metrics.RecordCursor(string(c.Domain), c.Seq, c.NeedsFullSync)
}
