// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/storage"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("outbox: record not found")

const (
	conflictRetries  = 8
	conflictInterval = 2 * time.Millisecond
)

// Record is one locally-originated mutation and its sync state. ID is the
// content id: enqueuing the same id again replaces the payload and bumps
// Revision. Seq orders records by their latest enqueue.
type Record[T any] struct {
	ID        string            `json:"id"`
	Payload   T                 `json:"payload"`
	Status    models.SyncStatus `json:"status"`
	Revision  uint64            `json:"revision"`
	Seq       int64             `json:"seq"`
	ServerID  string            `json:"server_id,omitempty"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Op tells Update what to do with the record returned by an UpdateFunc.
type Op int

const (
	OpKeep Op = iota
	OpPut
	OpDelete
)

// UpdateFunc computes the next state of a record inside a transaction.
// exists is false when no record is stored under the id. It runs again
// when the transaction loses a write conflict, so it must only assign
// to captured variables, never accumulate into them.
type UpdateFunc[T any] func(cur Record[T], exists bool) (Record[T], Op)

// Store persists the records of one outbox domain.
type Store[T any] interface {
	// Put enqueues payload under id as PendingSync, replacing any
	// previous state and bumping Revision.
	Put(ctx context.Context, id string, payload T) (Record[T], error)
	Get(ctx context.Context, id string) (Record[T], error)
	// Pending returns PendingSync records in Seq order.
	Pending(ctx context.Context) ([]Record[T], error)
	List(ctx context.Context) ([]Record[T], error)
	// Update applies fn atomically to the record stored under id.
	Update(ctx context.Context, id string, fn UpdateFunc[T]) (Record[T], Op, error)
	// ResetSyncing demotes every Syncing record to PendingSync.
	ResetSyncing(ctx context.Context) (int, error)
	// Prune deletes records last updated before cutoff. Synced records are
	// kept unless includeSynced is set.
	Prune(ctx context.Context, cutoff time.Time, includeSynced bool) (int, error)
	Counts(ctx context.Context) (map[models.SyncStatus]int, error)
	Clear(ctx context.Context) error
}

// BadgerStore is a Store backed by BadgerDB. Records of a domain live under
// outbox/<domain>/<id>.
type BadgerStore[T any] struct {
	db     *badger.DB
	prefix []byte
	domain string
	now    func() time.Time

	seqMu   sync.Mutex
	lastSeq int64
}

var _ Store[struct{}] = (*BadgerStore[struct{}])(nil)

// NewBadgerStore opens the record set of domain.
func NewBadgerStore[T any](db *storage.DB, domain string) *BadgerStore[T] {
	return &BadgerStore[T]{
		db:     db.Badger(),
		prefix: storage.Prefix("outbox", domain),
		domain: domain,
		now:    time.Now,
	}
}

func (s *BadgerStore[T]) key(id string) []byte {
	return append(append([]byte(nil), s.prefix...), id...)
}

// nextSeq returns a strictly increasing, time-based sequence number.
func (s *BadgerStore[T]) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := s.now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *BadgerStore[T]) read(txn *badger.Txn, id string) (Record[T], bool, error) {
	var rec Record[T]
	err := storage.GetJSON(txn, s.key(id), &rec)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record[T]{}, false, nil
	}
	if err != nil {
		return Record[T]{}, false, fmt.Errorf("read outbox record %s/%s: %w", s.domain, id, err)
	}
	return rec, true, nil
}

// scan calls fn for every record of the domain.
func (s *BadgerStore[T]) scan(txn *badger.Txn, fn func(rec Record[T]) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = s.prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(s.prefix); it.ValidForPrefix(s.prefix); it.Next() {
		var rec Record[T]
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("decode outbox record %s: %w", it.Item().Key(), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore[T]) Put(ctx context.Context, id string, payload T) (Record[T], error) {
	rec, _, err := s.Update(ctx, id, func(cur Record[T], exists bool) (Record[T], Op) {
		now := s.now()
		if !exists {
			cur = Record[T]{ID: id, CreatedAt: now}
		}
		cur.Payload = payload
		cur.Status = models.StatusPendingSync
		cur.Revision++
		cur.Seq = s.nextSeq()
		cur.Attempts = 0
		cur.LastError = ""
		cur.UpdatedAt = now
		return cur, OpPut
	})
	return rec, err
}

func (s *BadgerStore[T]) Get(ctx context.Context, id string) (Record[T], error) {
	if err := ctx.Err(); err != nil {
		return Record[T]{}, err
	}
	var rec Record[T]
	err := s.db.View(func(txn *badger.Txn) error {
		var ok bool
		var err error
		rec, ok, err = s.read(txn, id)
		if err == nil && !ok {
			err = ErrNotFound
		}
		return err
	})
	return rec, err
}

func (s *BadgerStore[T]) Pending(ctx context.Context) ([]Record[T], error) {
	return s.filter(ctx, func(rec Record[T]) bool { return rec.Status == models.StatusPendingSync })
}

func (s *BadgerStore[T]) List(ctx context.Context) ([]Record[T], error) {
	return s.filter(ctx, func(Record[T]) bool { return true })
}

func (s *BadgerStore[T]) filter(ctx context.Context, keep func(Record[T]) bool) ([]Record[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record[T]
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, func(rec Record[T]) error {
			if keep(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, err
}

// Update retries on badger.ErrConflict, so a user enqueue racing the
// synchronizer's result write on the same record does not fail either side.
func (s *BadgerStore[T]) Update(ctx context.Context, id string, fn UpdateFunc[T]) (Record[T], Op, error) {
	var next Record[T]
	var op Op
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		next, op, err = s.update(id, fn)
		if err != nil && !errors.Is(err, badger.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conflictInterval
	b.MaxInterval = 50 * time.Millisecond
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, conflictRetries), ctx))
	if errors.Is(err, badger.ErrConflict) {
		return Record[T]{}, OpKeep, fmt.Errorf("update outbox record %s/%s: %w", s.domain, id, err)
	}
	if err != nil {
		return Record[T]{}, OpKeep, err
	}
	return next, op, nil
}

func (s *BadgerStore[T]) update(id string, fn UpdateFunc[T]) (Record[T], Op, error) {
	var next Record[T]
	var op Op
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, exists, err := s.read(txn, id)
		if err != nil {
			return err
		}
		next, op = fn(cur, exists)
		switch op {
		case OpPut:
			next.ID = id
			return storage.SetJSON(txn, s.key(id), next)
		case OpDelete:
			if !exists {
				return nil
			}
			return txn.Delete(s.key(id))
		default:
			next = cur
			return nil
		}
	})
	return next, op, err
}

func (s *BadgerStore[T]) ResetSyncing(ctx context.Context) (int, error) {
	return s.rewrite(ctx, func(rec Record[T]) (Record[T], Op) {
		if rec.Status != models.StatusSyncing {
			return rec, OpKeep
		}
		rec.Status = models.StatusPendingSync
		return rec, OpPut
	})
}

func (s *BadgerStore[T]) Prune(ctx context.Context, cutoff time.Time, includeSynced bool) (int, error) {
	return s.rewrite(ctx, func(rec Record[T]) (Record[T], Op) {
		if rec.Status == models.StatusSyncing || !rec.UpdatedAt.Before(cutoff) {
			return rec, OpKeep
		}
		if rec.Status == models.StatusSynced && !includeSynced {
			return rec, OpKeep
		}
		return rec, OpDelete
	})
}

// rewrite applies fn to every record inside one transaction and returns
// the number of records changed.
func (s *BadgerStore[T]) rewrite(ctx context.Context, fn func(Record[T]) (Record[T], Op)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var puts []Record[T]
		var dels []string
		err := s.scan(txn, func(rec Record[T]) error {
			next, op := fn(rec)
			switch op {
			case OpPut:
				puts = append(puts, next)
			case OpDelete:
				dels = append(dels, rec.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range puts {
			if err := storage.SetJSON(txn, s.key(rec.ID), rec); err != nil {
				return err
			}
		}
		for _, id := range dels {
			if err := txn.Delete(s.key(id)); err != nil {
				return err
			}
		}
		n = len(puts) + len(dels)
		return nil
	})
	return n, err
}

func (s *BadgerStore[T]) Counts(ctx context.Context) (map[models.SyncStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[models.SyncStatus]int, len(models.SyncStatuses))
	for _, st := range models.SyncStatuses {
		counts[st] = 0
	}
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, func(rec Record[T]) error {
			counts[rec.Status]++
			return nil
		})
	})
	return counts, err
}

func (s *BadgerStore[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropPrefix(s.prefix)
}
