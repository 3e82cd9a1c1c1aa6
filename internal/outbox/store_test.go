// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package outbox

import (
	"context"
	"sync"
	"testing"

	"github.com/tomtom215/catalogsync/internal/models"
)

func TestBadgerStore_UpdateRetriesOnConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Put(ctx, "n1", note{Text: "first"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The first run commits an enqueue on the same record between our
	// read and our commit, so our transaction conflicts and runs again.
	calls := 0
	rec, op, err := store.Update(ctx, "n1", func(cur Record[note], exists bool) (Record[note], Op) {
		calls++
		if calls == 1 {
			if _, err := store.Put(ctx, "n1", note{Text: "edited"}); err != nil {
				t.Errorf("concurrent Put: %v", err)
			}
		}
		if !exists || cur.Status != models.StatusPendingSync {
			return cur, OpKeep
		}
		cur.Status = models.StatusSyncing
		return cur, OpPut
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if calls != 2 {
		t.Errorf("update func ran %d times, want 2", calls)
	}
	if op != OpPut {
		t.Errorf("op = %v, want OpPut", op)
	}
	if rec.Payload.Text != "edited" || rec.Revision != 2 {
		t.Errorf("record = %+v, want the edited revision 2", rec)
	}
	if got := mustGet(t, store, "n1"); got.Status != models.StatusSyncing || got.Payload.Text != "edited" {
		t.Errorf("stored = %+v", got)
	}
}

func TestBadgerStore_ConcurrentPutsAllLand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Put(ctx, "shared", note{Text: "x"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Put: %v", err)
	}

	if got := mustGet(t, store, "shared"); got.Revision != writers {
		t.Errorf("revision = %d, want %d", got.Revision, writers)
	}
}

func TestBadgerStore_UpdateHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Update(ctx, "n1", func(cur Record[note], _ bool) (Record[note], Op) {
		t.Error("update func ran on a cancelled context")
		return cur, OpKeep
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
