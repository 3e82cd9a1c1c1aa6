// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/storage"
)

// Invalidator receives invalidation signals. Implementations must be
// idempotent per content id: applying the same event twice leaves the same
// state as applying it once.
type Invalidator interface {
	Invalidate(ctx context.Context, ev models.CatalogEvent) error
	// InvalidateAll marks every cached entity stale.
	InvalidateAll(ctx context.Context) error
}

// Invalidation is the ledger entry for one entity: the newest event that
// made its cached metadata stale.
type Invalidation struct {
	ContentType   models.ContentType `json:"content_type"`
	ContentID     string             `json:"content_id"`
	Seq           int64              `json:"seq"`
	EventType     models.EventType   `json:"event_type"`
	InvalidatedAt time.Time          `json:"invalidated_at"`
}

// Ledger is a durable Invalidator. Metadata caches consult it to decide
// whether an entry fetched at some time is still fresh, and acknowledge
// entries once they have refetched.
//
// Keys: inval/<content type>/<id> per entity, inval-epoch for the last
// InvalidateAll.
type Ledger struct {
	db       *badger.DB
	prefix   []byte
	epochKey []byte
	now      func() time.Time
}

var _ Invalidator = (*Ledger)(nil)

// NewLedger opens the ledger in db.
func NewLedger(db *storage.DB) *Ledger {
	return &Ledger{
		db:       db.Badger(),
		prefix:   storage.Prefix("inval"),
		epochKey: storage.Key("inval-epoch"),
		now:      time.Now,
	}
}

func (l *Ledger) key(ct models.ContentType, id string) []byte {
	return storage.Key("inval", string(ct), id)
}

// Invalidate records ev unless a newer event for the same entity is
// already recorded.
func (l *Ledger) Invalidate(ctx context.Context, ev models.CatalogEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := l.key(ev.ContentType, ev.ContentID)
	err := l.db.Update(func(txn *badger.Txn) error {
		var cur Invalidation
		err := storage.GetJSON(txn, key, &cur)
		switch {
		case err == nil && cur.Seq >= ev.Seq:
			return nil
		case err != nil && !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return storage.SetJSON(txn, key, Invalidation{
			ContentType:   ev.ContentType,
			ContentID:     ev.ContentID,
			Seq:           ev.Seq,
			EventType:     ev.EventType,
			InvalidatedAt: l.now(),
		})
	})
	if err != nil {
		return fmt.Errorf("invalidate %s %s: %w", ev.ContentType, ev.ContentID, err)
	}
	return nil
}

// InvalidateAll advances the epoch and drops per-entity entries, which the
// epoch now covers.
func (l *Ledger) InvalidateAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.db.Update(func(txn *badger.Txn) error {
		return storage.SetJSON(txn, l.epochKey, l.now())
	})
	if err != nil {
		return fmt.Errorf("invalidate all: %w", err)
	}
	if err := l.db.DropPrefix(l.prefix); err != nil {
		return fmt.Errorf("invalidate all: %w", err)
	}
	return nil
}

// Get returns the entry for (ct, id).
func (l *Ledger) Get(ctx context.Context, ct models.ContentType, id string) (Invalidation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Invalidation{}, false, err
	}
	var inv Invalidation
	err := l.db.View(func(txn *badger.Txn) error {
		return storage.GetJSON(txn, l.key(ct, id), &inv)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Invalidation{}, false, nil
	}
	if err != nil {
		return Invalidation{}, false, err
	}
	return inv, true, nil
}

// IsStale reports whether metadata for (ct, id) fetched at fetchedAt has
// been invalidated since.
func (l *Ledger) IsStale(ctx context.Context, ct models.ContentType, id string, fetchedAt time.Time) (bool, error) {
	epoch, err := l.Epoch(ctx)
	if err != nil {
		return false, err
	}
	if epoch.After(fetchedAt) {
		return true, nil
	}
	inv, ok, err := l.Get(ctx, ct, id)
	if err != nil || !ok {
		return false, err
	}
	return inv.InvalidatedAt.After(fetchedAt), nil
}

// Epoch returns the time of the last InvalidateAll, or the zero time.
func (l *Ledger) Epoch(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	var epoch time.Time
	err := l.db.View(func(txn *badger.Txn) error {
		return storage.GetJSON(txn, l.epochKey, &epoch)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	return epoch, err
}

// List returns every per-entity entry.
func (l *Ledger) List(ctx context.Context) ([]Invalidation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Invalidation
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = l.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var inv Invalidation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &inv)
			}); err != nil {
				return err
			}
			out = append(out, inv)
		}
		return nil
	})
	return out, err
}

// Ack removes the entry for (ct, id) if it still refers to seq. A newer
// invalidation that arrived while the caller was refetching is kept.
func (l *Ledger) Ack(ctx context.Context, ct models.ContentType, id string, seq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := l.key(ct, id)
	return l.db.Update(func(txn *badger.Txn) error {
		var cur Invalidation
		err := storage.GetJSON(txn, key, &cur)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Seq != seq {
			return nil
		}
		return txn.Delete(key)
	})
}

// Clear drops every entry and the epoch.
func (l *Ledger) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.db.DropPrefix(l.prefix); err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(l.epochKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
