// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package storage

import (
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty path without in_memory")
	}
}

func TestOpen_OnDisk(t *testing.T) {
	t.Parallel()

	db, err := Open(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Badger().Update(func(txn *badger.Txn) error {
		return SetJSON(txn, Key("cursor", "catalog"), map[string]int64{"seq": 7})
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := db.RunGC(); err != nil {
		t.Errorf("RunGC: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := db.RunGC(); !errors.Is(err, ErrClosed) {
		t.Errorf("RunGC after close = %v, want ErrClosed", err)
	}
}

func TestJSONHelpersAndPrefixes(t *testing.T) {
	t.Parallel()

	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer db.Close()

	err = db.Badger().Update(func(txn *badger.Txn) error {
		for _, id := range []string{"a/1", "a/2", "b"} {
			if err := SetJSON(txn, Key("t", id), id); err != nil {
				return err
			}
		}
		return SetJSON(txn, Key("u", "x"), "other")
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = db.Badger().View(func(txn *badger.Txn) error {
		var got string
		if err := GetJSON(txn, Key("t", "a/1"), &got); err != nil {
			return err
		}
		if got != "a/1" {
			t.Errorf("GetJSON = %q", got)
		}

		keys := KeysWithPrefix(txn, Prefix("t"))
		if len(keys) != 3 {
			t.Errorf("keys under t = %d, want 3", len(keys))
		}
		if LastSegment(keys[0]) != "a/1" {
			t.Errorf("LastSegment = %q, want a/1", LastSegment(keys[0]))
		}

		if err := GetJSON(txn, Key("t", "missing"), &got); !errors.Is(err, badger.ErrKeyNotFound) {
			t.Errorf("missing key err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	if err := db.DropPrefix(Prefix("t")); err != nil {
		t.Fatalf("DropPrefix: %v", err)
	}
	_ = db.Badger().View(func(txn *badger.Txn) error {
		if n := len(KeysWithPrefix(txn, Prefix("t"))); n != 0 {
			t.Errorf("keys after drop = %d", n)
		}
		if n := len(KeysWithPrefix(txn, Prefix("u"))); n != 1 {
			t.Errorf("unrelated prefix affected: %d", n)
		}
		return nil
	})
}
