// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalogsync

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewLedger(db)
}

func albumEvent(seq int64, id string) models.CatalogEvent {
	return models.CatalogEvent{
		Seq:         seq,
		EventType:   models.EventAlbumUpdated,
		ContentType: models.ContentAlbum,
		ContentID:   id,
		Timestamp:   1700000000 + seq,
	}
}

func TestLedger_InvalidateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	clock := time.Unix(1000, 0)
	l.now = func() time.Time { return clock }

	ev := albumEvent(11, "A1")
	if err := l.Invalidate(ctx, ev); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	first, _, err := l.Get(ctx, models.ContentAlbum, "A1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	clock = clock.Add(time.Minute)
	if err := l.Invalidate(ctx, ev); err != nil {
		t.Fatalf("Invalidate again: %v", err)
	}
	second, ok, err := l.Get(ctx, models.ContentAlbum, "A1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if first != second {
		t.Errorf("re-applying changed the entry: %+v -> %+v", first, second)
	}

	// An older event never replaces a newer one.
	if err := l.Invalidate(ctx, albumEvent(5, "A1")); err != nil {
		t.Fatalf("Invalidate old: %v", err)
	}
	got, _, _ := l.Get(ctx, models.ContentAlbum, "A1")
	if got.Seq != 11 {
		t.Errorf("seq = %d, want 11", got.Seq)
	}
}

func TestLedger_IsStale(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	if err := l.Invalidate(ctx, albumEvent(1, "A1")); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	tests := []struct {
		name      string
		id        string
		fetchedAt time.Time
		want      bool
	}{
		{"fetched before invalidation", "A1", base.Add(-time.Second), true},
		{"fetched after invalidation", "A1", base.Add(time.Second), false},
		{"never invalidated", "A2", base.Add(-time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.IsStale(ctx, models.ContentAlbum, tt.id, tt.fetchedAt)
			if err != nil {
				t.Fatalf("IsStale: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsStale = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("invalidate all", func(t *testing.T) {
		l.now = func() time.Time { return base.Add(time.Hour) }
		if err := l.InvalidateAll(ctx); err != nil {
			t.Fatalf("InvalidateAll: %v", err)
		}
		stale, err := l.IsStale(ctx, models.ContentTrack, "T1", base.Add(time.Minute))
		if err != nil || !stale {
			t.Errorf("IsStale after InvalidateAll = %v, %v", stale, err)
		}
		list, err := l.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 0 {
			t.Errorf("per-entity entries survived InvalidateAll: %+v", list)
		}
	})
}

func TestLedger_AckKeepsNewerInvalidation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	if err := l.Invalidate(ctx, albumEvent(3, "A1")); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := l.Invalidate(ctx, albumEvent(4, "A1")); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := l.Ack(ctx, models.ContentAlbum, "A1", 3); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, ok, _ := l.Get(ctx, models.ContentAlbum, "A1"); !ok {
		t.Fatal("Ack of a stale seq removed the newer entry")
	}
	if err := l.Ack(ctx, models.ContentAlbum, "A1", 4); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, ok, _ := l.Get(ctx, models.ContentAlbum, "A1"); ok {
		t.Fatal("entry still present after Ack")
	}
}

func TestLedger_Clear(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Invalidate(ctx, albumEvent(1, "A1")); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := l.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if err := l.Invalidate(ctx, albumEvent(2, "A2")); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := l.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	list, _ := l.List(ctx)
	epoch, _ := l.Epoch(ctx)
	if len(list) != 0 || !epoch.IsZero() {
		t.Errorf("after Clear: %d entries, epoch %v", len(list), epoch)
	}
}
