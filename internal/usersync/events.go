// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package usersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/outbox"
	"github.com/tomtom215/catalogsync/internal/validation"
)

// Listening is the listening-event outbox. Records are keyed by the
// client-generated session id, which the server uses to deduplicate; a
// successful push stores the server-assigned id on the record.
type Listening struct {
	*outbox.Synchronizer[models.ListeningEvent]
	api API
}

// NewListening wires the listening-event outbox to api. Synced records are
// pruned once they leave the retention window.
func NewListening(store outbox.Store[models.ListeningEvent], api API, cfg outbox.Config, opts ...outbox.Option[models.ListeningEvent]) *Listening {
	cfg.PruneSynced = true
	l := &Listening{api: api}
	l.Synchronizer = outbox.New(cfg, store, l.push, opts...)
	return l
}

func (l *Listening) push(ctx context.Context, rec outbox.Record[models.ListeningEvent]) (string, error) {
	resp, err := l.api.RecordListening(ctx, rec.Payload)
	if err != nil {
		return "", err
	}
	return resp.ID.String(), nil
}

// Record enqueues a finished playback session and returns its session id.
func (l *Listening) Record(ctx context.Context, ev models.ListeningEvent) (string, error) {
	if ev.SessionID == "" {
		ev.SessionID = uuid.NewString()
	}
	if err := validation.ValidateStruct(&ev); err != nil {
		return "", fmt.Errorf("record listening: %w", err)
	}
	if _, err := l.Enqueue(ctx, ev.SessionID, ev); err != nil {
		return "", err
	}
	return ev.SessionID, nil
}

// Impressions is the page-impression outbox. Impressions are append-only;
// each gets a random id.
type Impressions struct {
	*outbox.Synchronizer[models.Impression]
	api API
	now func() time.Time
}

// NewImpressions wires the impression outbox to api.
func NewImpressions(store outbox.Store[models.Impression], api API, cfg outbox.Config, opts ...outbox.Option[models.Impression]) *Impressions {
	cfg.PruneSynced = true
	i := &Impressions{api: api, now: time.Now}
	i.Synchronizer = outbox.New(cfg, store, i.push, opts...)
	return i
}

func (i *Impressions) push(ctx context.Context, rec outbox.Record[models.Impression]) (string, error) {
	return "", i.api.RecordImpression(ctx, rec.Payload)
}

// Record enqueues an impression of (ct, id). A zero At is set to now.
func (i *Impressions) Record(ctx context.Context, ct models.ContentType, id string, at int64) error {
	if at == 0 {
		at = i.now().Unix()
	}
	imp := models.Impression{ItemType: ct, ItemID: id, At: at}
	if err := validation.ValidateStruct(&imp); err != nil {
		return fmt.Errorf("record impression: %w", err)
	}
	_, err := i.Enqueue(ctx, uuid.NewString(), imp)
	return err
}

// NotificationReads is the read-receipt outbox, keyed by notification id.
type NotificationReads struct {
	*outbox.Synchronizer[models.NotificationRead]
	api API
	now func() time.Time
}

// NewNotificationReads wires the read-receipt outbox to api.
func NewNotificationReads(store outbox.Store[models.NotificationRead], api API, cfg outbox.Config, opts ...outbox.Option[models.NotificationRead]) *NotificationReads {
	n := &NotificationReads{api: api, now: time.Now}
	n.Synchronizer = outbox.New(cfg, store, n.push, opts...)
	return n
}

func (n *NotificationReads) push(ctx context.Context, rec outbox.Record[models.NotificationRead]) (string, error) {
	return "", n.api.MarkNotificationRead(ctx, rec.Payload.NotificationID)
}

// MarkRead records that the user read notification id.
func (n *NotificationReads) MarkRead(ctx context.Context, id string) error {
	nr := models.NotificationRead{NotificationID: id, ReadAt: n.now().Unix()}
	if err := validation.ValidateStruct(&nr); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if rec, err := n.Store().Get(ctx, id); err == nil && rec.Status == models.StatusSynced {
		return nil
	}
	_, err := n.Enqueue(ctx, id, nr)
	return err
}

// IsRead reports whether notification id is read locally.
func (n *NotificationReads) IsRead(ctx context.Context, id string) (bool, error) {
	_, err := n.Store().Get(ctx, id)
	if errors.Is(err, outbox.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ApplyRemote merges a read receipt observed on the server.
func (n *NotificationReads) ApplyRemote(ctx context.Context, id string, readAt int64) (outbox.MergeResult, error) {
	want := models.NotificationRead{NotificationID: id, ReadAt: readAt}
	return n.MergeRemote(ctx, id, want, func(a, b models.NotificationRead) bool {
		return a.NotificationID == b.NotificationID
	})
}

// ReconcileState adopts every read receipt in a server snapshot. Reads are
// never retracted, so local receipts missing from the snapshot are kept.
func (n *NotificationReads) ReconcileState(ctx context.Context, notes []models.NotificationState) (int, error) {
	adopted := 0
	for _, ns := range notes {
		if ns.ReadAt == nil {
			continue
		}
		res, err := n.ApplyRemote(ctx, ns.ID, *ns.ReadAt)
		if err != nil {
			return adopted, err
		}
		if res == outbox.MergeApplied {
			adopted++
		}
	}
	return adopted, nil
}
