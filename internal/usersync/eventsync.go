// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package usersync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/catalogsync/internal/client"
	"github.com/tomtom215/catalogsync/internal/cursor"
	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/outbox"
)

// EventSync consumes the user-content event log. Catch-up over HTTP and
// live "sync" messages both go through apply, which merges each event into
// the owning outbox under the local-pending-wins rule, so seeing an event
// twice is harmless.
//
// The cursor only moves after the events it covers are stored. A pruned
// log, a server whose seq went backwards, or a gap the log cannot fill
// triggers a full resync from GET /v1/sync/state.
type EventSync struct {
	api    API
	cursor cursor.Store
	likes  *Likes
	reads  *NotificationReads
	log    zerolog.Logger

	mu      sync.Mutex
	trigger chan struct{}
}

// NewEventSync creates the consumer. cur must be the UserContent cursor.
func NewEventSync(api API, cur cursor.Store, likes *Likes, reads *NotificationReads) *EventSync {
	return &EventSync{
		api:     api,
		cursor:  cur,
		likes:   likes,
		reads:   reads,
		log:     logging.WithComponent("usersync"),
		trigger: make(chan struct{}, 1),
	}
}

// String names the service in the supervision tree.
func (e *EventSync) String() string {
	return "user-events"
}

// RequestCatchUp asks Serve to run a catch-up soon. It never blocks.
func (e *EventSync) RequestCatchUp() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Serve runs requested catch-ups until ctx is done. Live messages that
// reveal a gap request one here instead of fetching on the channel's read
// loop.
func (e *EventSync) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
			if err := e.CatchUp(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn().Err(err).Msg("User event catch-up failed")
			}
		}
	}
}

// CatchUp fetches and applies every event after the stored cursor.
func (e *EventSync) CatchUp(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.catchUp(logging.ContextWithNewCorrelationID(ctx))
}

func (e *EventSync) catchUp(ctx context.Context) error {
	cur := e.cursor.Get()
	if cur.NeedsFullSync {
		return e.fullSync(ctx, "flagged")
	}

	resp, err := e.api.UserEvents(ctx, cur.Seq)
	switch {
	case errors.Is(err, client.ErrEventsPruned):
		return e.fullSync(ctx, "pruned")
	case err != nil:
		metrics.UserCatchUps.WithLabelValues("failed").Inc()
		return fmt.Errorf("user events since %d: %w", cur.Seq, err)
	}
	if resp.CurrentSeq < cur.Seq {
		return e.fullSync(ctx, "server_seq_regressed")
	}
	if len(resp.Events) == 0 && resp.CurrentSeq > cur.Seq {
		return e.fullSync(ctx, "events_missing")
	}

	events := append([]models.UserEvent(nil), resp.Events...)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	next := cur.Seq
	for _, ev := range events {
		if ev.Seq <= next {
			continue
		}
		if err := e.apply(ctx, ev, "catchup"); err != nil {
			if saveErr := e.save(ctx, next); saveErr != nil {
				return errors.Join(err, saveErr)
			}
			metrics.UserCatchUps.WithLabelValues("failed").Inc()
			return err
		}
		next = ev.Seq
	}
	if resp.CurrentSeq > next {
		next = resp.CurrentSeq
	}
	if err := e.save(ctx, next); err != nil {
		return err
	}

	metrics.UserCatchUps.WithLabelValues("ok").Inc()
	logging.Ctx(ctx).Debug().
		Int64("from", cur.Seq).
		Int64("to", next).
		Int("events", len(events)).
		Msg("User events caught up")
	return nil
}

func (e *EventSync) save(ctx context.Context, seq int64) error {
	if seq <= e.cursor.Get().Seq {
		return nil
	}
	if err := e.cursor.Save(ctx, seq); err != nil {
		return fmt.Errorf("save user cursor: %w", err)
	}
	c := e.cursor.Get()
	metrics.RecordCursor(string(c.Domain), c.Seq, c.NeedsFullSync)
	return nil
}

// fullSync replaces the event-derived state with the server snapshot.
// The needs-full-sync flag stays set until it succeeds.
func (e *EventSync) fullSync(ctx context.Context, reason string) error {
	log := logging.Ctx(ctx)
	log.Info().Str("reason", reason).Int64("cursor", e.cursor.Get().Seq).Msg("Full user state resync")

	if err := e.cursor.SetNeedsFullSync(ctx, true); err != nil {
		return err
	}
	state, err := e.api.SyncState(ctx)
	if err != nil {
		metrics.UserCatchUps.WithLabelValues("failed").Inc()
		return fmt.Errorf("fetch sync state: %w", err)
	}

	likeStats, err := e.likes.ReconcileState(ctx, state.Likes)
	if err != nil {
		return err
	}
	reads, err := e.reads.ReconcileState(ctx, state.Notifications)
	if err != nil {
		return err
	}

	if state.Seq < e.cursor.Get().Seq {
		if err := e.cursor.Clear(ctx); err != nil {
			return err
		}
	}
	if err := e.cursor.Save(ctx, state.Seq); err != nil {
		return fmt.Errorf("save user cursor: %w", err)
	}
	if err := e.cursor.SetNeedsFullSync(ctx, false); err != nil {
		return err
	}
	c := e.cursor.Get()
	metrics.RecordCursor(string(c.Domain), c.Seq, c.NeedsFullSync)
	metrics.UserCatchUps.WithLabelValues("full").Inc()

	log.Info().
		Int64("seq", state.Seq).
		Int("likes_adopted", likeStats.Adopted).
		Int("likes_retracted", likeStats.Retracted).
		Int("likes_pending", likeStats.SkippedPending).
		Int("reads_adopted", reads).
		Msg("Full user state resync complete")
	return nil
}

// liveMessage is the payload of a "sync" message on the real-time channel.
type liveMessage struct {
	Event models.UserEvent `json:"event"`
}

// HandleLive applies one event pushed on the real-time channel. An event
// with seq 0 was not stored server-side: it is applied but the cursor does
// not move. An event that does not directly follow the cursor requests a
// catch-up, which fetches it along with the ones missed.
func (e *EventSync) HandleLive(ctx context.Context, payload []byte) error {
	var msg liveMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode sync message: %w", err)
	}
	ev := msg.Event

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.cursor.Get()
	switch {
	case ev.Seq == 0:
		return e.apply(ctx, ev, "live")
	case cur.NeedsFullSync:
		e.RequestCatchUp()
		return nil
	case ev.Seq <= cur.Seq:
		e.log.Trace().Int64("seq", ev.Seq).Int64("cursor", cur.Seq).Msg("Duplicate user event ignored")
		return nil
	case ev.Seq == cur.Seq+1:
		if err := e.apply(ctx, ev, "live"); err != nil {
			return err
		}
		return e.save(ctx, ev.Seq)
	default:
		e.log.Debug().Int64("seq", ev.Seq).Int64("cursor", cur.Seq).Msg("Gap in live user events, catching up")
		e.RequestCatchUp()
		return nil
	}
}

// apply merges one event. Malformed or unknown events are skipped so one
// bad entry cannot stall the log; only storage errors are returned.
func (e *EventSync) apply(ctx context.Context, ev models.UserEvent, source string) error {
	var (
		res outbox.MergeResult
		err error
	)
	switch ev.Type {
	case models.UserEventContentLiked, models.UserEventContentUnliked:
		var p models.LikeEventPayload
		if jerr := json.Unmarshal(ev.Payload, &p); jerr != nil || !p.ContentType.Valid() || p.ContentID == "" {
			e.log.Warn().Int64("seq", ev.Seq).Str("type", ev.Type).Msg("Skipping malformed user event")
			return nil
		}
		res, err = e.likes.ApplyRemote(ctx, p.ContentType, p.ContentID, ev.Type == models.UserEventContentLiked, ev.ServerTimestamp)

	case models.UserEventNotificationRead:
		var p models.NotificationRead
		if jerr := json.Unmarshal(ev.Payload, &p); jerr != nil || p.NotificationID == "" {
			e.log.Warn().Int64("seq", ev.Seq).Str("type", ev.Type).Msg("Skipping malformed user event")
			return nil
		}
		if p.ReadAt == 0 {
			p.ReadAt = ev.ServerTimestamp
		}
		res, err = e.reads.ApplyRemote(ctx, p.NotificationID, p.ReadAt)

	default:
		metrics.UserEventsApplied.WithLabelValues("other", source).Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply user event %d: %w", ev.Seq, err)
	}

	metrics.UserEventsApplied.WithLabelValues(ev.Type, source).Inc()
	if res == outbox.MergeSkippedPending {
		e.log.Debug().Int64("seq", ev.Seq).Str("type", ev.Type).Msg("Local change pending, server event not applied")
	}
	return nil
}
