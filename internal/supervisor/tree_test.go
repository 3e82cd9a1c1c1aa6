// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// fakeService fails a configured number of times, then runs until
// canceled.
type fakeService struct {
	name   string
	fails  int32
	starts atomic.Int32
}

func (f *fakeService) Serve(ctx context.Context) error {
	if n := f.starts.Add(1); n <= f.fails {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return nil
}

func (f *fakeService) String() string { return f.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitStarts(t *testing.T, svc *fakeService, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.starts.Load() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s started %d times, want at least %d", svc.name, svc.starts.Load(), n)
}

func TestNewSupervisorTree_Defaults(t *testing.T) {
	tree, err := NewSupervisorTree(quietLogger(), TreeConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if tree.Root() == nil {
		t.Fatal("root supervisor is nil")
	}
	if tree.config != DefaultTreeConfig() {
		t.Errorf("config = %+v, want defaults", tree.config)
	}
}

func TestSupervisorTree_StartsEveryLayer(t *testing.T) {
	tree, _ := NewSupervisorTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})

	storage := &fakeService{name: "storage-gc"}
	outbox := &fakeService{name: "outbox-liked_content"}
	channel := &fakeService{name: "realtime"}
	tree.AddStorageService(storage)
	tree.AddSyncService(outbox)
	tree.AddChannelService(channel)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	waitStarts(t, storage, 1)
	waitStarts(t, outbox, 1)
	waitStarts(t, channel, 1)

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tree stopped with %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not shut down")
	}
}

func TestSupervisorTree_RestartsFailingService(t *testing.T) {
	tree, _ := NewSupervisorTree(quietLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	failing := &fakeService{name: "catalog-events", fails: 2}
	stable := &fakeService{name: "realtime"}
	tree.AddSyncService(failing)
	tree.AddChannelService(stable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	waitStarts(t, failing, 3)
	if stable.starts.Load() != 1 {
		t.Errorf("stable service started %d times, want 1", stable.starts.Load())
	}
}

func TestSupervisorTree_RemoveSyncService(t *testing.T) {
	tree, _ := NewSupervisorTree(quietLogger(), TreeConfig{ShutdownTimeout: time.Second})

	svc := &fakeService{name: "scheduler"}
	token := tree.AddSyncService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)
	waitStarts(t, svc, 1)

	if err := tree.RemoveSyncService(token); err != nil {
		t.Fatalf("RemoveSyncService: %v", err)
	}
}

func TestSupervisorTree_LogsThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	logging.SetLogger(logging.NewTestLogger(&buf))
	t.Cleanup(func() { logging.Init(logging.DefaultConfig()) })

	tree, _ := NewSupervisorTree(logging.NewSlogLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	failing := &fakeService{name: "outbox-impressions", fails: 1}
	tree.AddSyncService(failing)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	waitStarts(t, failing, 2)
	cancel()
	<-errCh

	if !bytes.Contains(buf.Bytes(), []byte("outbox-impressions")) {
		t.Errorf("supervisor events not logged through zerolog: %s", buf.String())
	}
}
