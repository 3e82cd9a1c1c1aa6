// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package storage owns the embedded BadgerDB instance that backs every
// durable client store: sync cursors, the catalog skeleton, per-domain
// outbox tables and the invalidation ledger.
//
// Each store keeps its own key prefix inside the one database, so a single
// Badger transaction can never span two stores by accident and a logout can
// drop one store's keys with DropPrefix.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// ErrClosed is returned by operations on a closed DB.
var ErrClosed = errors.New("storage: database is closed")

// Config holds BadgerDB settings.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM (tests, ephemeral sessions).
	InMemory bool

	// SyncWrites fsyncs every commit. Store contracts require writes to be
	// durable before returning, so this defaults to true.
	SyncWrites bool

	// GCInterval is how often the value log is garbage collected.
	GCInterval time.Duration

	// GCRatio is the discard ratio passed to RunValueLogGC.
	GCRatio float64
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 10 * time.Minute,
		GCRatio:    0.5,
	}
}

// DB wraps a BadgerDB handle.
type DB struct {
	db     *badger.DB
	cfg    Config
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("storage: path is required unless in_memory is set")
	}
	if cfg.GCRatio <= 0 || cfg.GCRatio >= 1 {
		cfg.GCRatio = 0.5
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Local store opened")

	return &DB{db: db, cfg: cfg}, nil
}

// OpenInMemory opens a throwaway in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(Config{InMemory: true, GCRatio: 0.5})
}

// Badger returns the underlying handle for stores that run their own
// transactions.
func (d *DB) Badger() *badger.DB {
	return d.db
}

// Close flushes and closes the database. Calling Close twice is a no-op.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close BadgerDB: %w", err)
	}
	return nil
}

// DropPrefix deletes every key under prefix.
func (d *DB) DropPrefix(prefix []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return d.db.DropPrefix(prefix)
}

// RunGC collects the value log until nothing more can be rewritten.
func (d *DB) RunGC() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if d.cfg.InMemory {
		return nil
	}
	for {
		err := d.db.RunValueLogGC(d.cfg.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run value log GC: %w", err)
		}
	}
}

// Serve runs periodic value-log GC until ctx is cancelled. It satisfies
// suture.Service.
func (d *DB) Serve(ctx context.Context) error {
	interval := d.cfg.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.RunGC(); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				logging.Warn().Err(err).Msg("Value log GC failed")
			}
		}
	}
}

func (d *DB) String() string {
	return "storage-gc"
}

// sep separates key segments. IDs are opaque server strings and may
// contain '/', so a NUL byte is used instead.
const sep = "\x00"

// Key joins segments into a store key.
func Key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

// Prefix is Key with a trailing separator, for prefix iteration over the
// children of parts.
func Prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, sep) + sep)
}

// LastSegment returns the final segment of key.
func LastSegment(key []byte) string {
	s := string(key)
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[i+1:]
	}
	return s
}

// GetJSON reads key inside txn and decodes it into v. It returns
// badger.ErrKeyNotFound unchanged so callers can test with errors.Is.
func GetJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// SetJSON encodes v and writes it under key inside txn.
func SetJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	return txn.Set(key, data)
}

// KeysWithPrefix lists the keys under prefix without fetching values.
func KeysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}
