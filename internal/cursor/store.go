// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package cursor persists the per-domain event-log position.
//
// A cursor is only advanced by the component that owns its domain, and only
// after the batch it covers has been durably applied. Every write is
// committed before the call returns so a crash can at worst replay events
// that were already applied.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/storage"
)

// ErrRegression is returned by Save when seq is below the stored cursor.
var ErrRegression = errors.New("cursor: sequence would move backwards")

// Store is the cursor contract consumed by the catalog and user-content
// syncers.
type Store interface {
	// Get returns the cached cursor without touching storage.
	Get() models.SyncCursor

	// Save durably stores seq. Saving the current value is a no-op.
	Save(ctx context.Context, seq int64) error

	// SetNeedsFullSync durably sets the full-resync flag.
	SetNeedsFullSync(ctx context.Context, needs bool) error

	// Clear resets the cursor to zero and clears the full-resync flag.
	Clear(ctx context.Context) error
}

// BadgerStore is a Store for one domain backed by BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	key    []byte
	mu     sync.RWMutex
	cached models.SyncCursor
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore loads (or initialises) the cursor for domain.
func NewBadgerStore(db *storage.DB, domain models.Domain) (*BadgerStore, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("cursor: unknown domain %q", domain)
	}

	s := &BadgerStore{
		db:     db.Badger(),
		key:    storage.Key("cursor", string(domain)),
		cached: models.SyncCursor{Domain: domain},
	}

	err := s.db.View(func(txn *badger.Txn) error {
		var c models.SyncCursor
		err := storage.GetJSON(txn, s.key, &c)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		c.Domain = domain
		s.cached = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s cursor: %w", domain, err)
	}

	metrics.RecordCursor(string(domain), s.cached.Seq, s.cached.NeedsFullSync)
	return s, nil
}

// Get returns the cached cursor.
func (s *BadgerStore) Get() models.SyncCursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

// Save persists seq and updates the cached value once the commit succeeds.
func (s *BadgerStore) Save(ctx context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.cached.Seq {
		return fmt.Errorf("%w: %d < %d (%s)", ErrRegression, seq, s.cached.Seq, s.cached.Domain)
	}
	if seq == s.cached.Seq {
		return nil
	}
	next := s.cached
	next.Seq = seq
	return s.write(ctx, next)
}

// SetNeedsFullSync persists the flag.
func (s *BadgerStore) SetNeedsFullSync(ctx context.Context, needs bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached.NeedsFullSync == needs {
		return nil
	}
	next := s.cached
	next.NeedsFullSync = needs
	return s.write(ctx, next)
}

// Clear deletes the stored cursor.
func (s *BadgerStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(s.key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("clear %s cursor: %w", s.cached.Domain, err)
	}

	s.cached = models.SyncCursor{Domain: s.cached.Domain}
	metrics.RecordCursor(string(s.cached.Domain), 0, false)
	return nil
}

// write must be called with mu held.
func (s *BadgerStore) write(ctx context.Context, next models.SyncCursor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return storage.SetJSON(txn, s.key, next)
	})
	if err != nil {
		return fmt.Errorf("save %s cursor: %w", next.Domain, err)
	}

	s.cached = next
	metrics.RecordCursor(string(next.Domain), next.Seq, next.NeedsFullSync)
	return nil
}
