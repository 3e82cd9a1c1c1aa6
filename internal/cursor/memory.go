// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package cursor

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomtom215/catalogsync/internal/models"
)

// InMemoryStore is a Store without persistence, for tests and ephemeral
// sessions. It enforces the same monotonicity rule as BadgerStore.
type InMemoryStore struct {
	mu sync.RWMutex
	c  models.SyncCursor

	// FailSave makes the next Save return this error once.
	FailSave error
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty cursor for domain.
func NewInMemoryStore(domain models.Domain) *InMemoryStore {
	return &InMemoryStore{c: models.SyncCursor{Domain: domain}}
}

func (s *InMemoryStore) Get() models.SyncCursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c
}

func (s *InMemoryStore) Save(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		err := s.FailSave
		s.FailSave = nil
		return err
	}
	if seq < s.c.Seq {
		return fmt.Errorf("%w: %d < %d", ErrRegression, seq, s.c.Seq)
	}
	s.c.Seq = seq
	return nil
}

func (s *InMemoryStore) SetNeedsFullSync(_ context.Context, needs bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.NeedsFullSync = needs
	return nil
}

func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = models.SyncCursor{Domain: s.c.Domain}
	return nil
}
