// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package catalogsync

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/catalogsync/internal/logging"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startConsumer(t *testing.T, ctx context.Context, consumer *Consumer) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- consumer.Serve(ctx) }()
	select {
	case <-consumer.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not subscribe")
	}
	return done
}

func TestLiveHandlerToConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := gochannel.NewGoChannel(BusConfig(), logging.NewWatermillAdapter())
	defer bus.Close()

	f := newFixture(t, 10)
	handler := NewLiveHandler(bus)
	consumer := NewConsumer(bus, f.sync)
	done := startConsumer(t, ctx, consumer)

	for seq := int64(11); seq <= 15; seq++ {
		p := fmt.Sprintf(`{"seq":%d,"event_type":"album_updated","content_type":"album","content_id":"A%d","timestamp":17000000%02d}`, seq, seq, seq)
		if err := handler.Handle(ctx, []byte(p)); err != nil {
			t.Fatalf("Handle(%d): %v", seq, err)
		}
	}

	waitFor(t, "cursor 15", func() bool { return f.cursor.Get().Seq == 15 })
	if stats := consumer.Stats(); stats.Applied != 5 || stats.Received != 5 || stats.Deferred != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if !reflect.DeepEqual(f.inval.seqs, []int64{11, 12, 13, 14, 15}) {
		t.Errorf("applied %v, want [11 12 13 14 15]", f.inval.seqs)
	}
	if len(f.sync.trigger) != 0 {
		t.Error("in-order live events requested a catch-up")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumer_CountsDeferredEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := gochannel.NewGoChannel(BusConfig(), logging.NewWatermillAdapter())
	defer bus.Close()

	f := newFixture(t, 10)
	handler := NewLiveHandler(bus)
	consumer := NewConsumer(bus, f.sync)
	startConsumer(t, ctx, consumer)

	// 11 applies, the repeat is already covered, 13 leaves a gap.
	for _, seq := range []int64{11, 11, 13} {
		p := fmt.Sprintf(`{"seq":%d,"event_type":"album_updated","content_type":"album","content_id":"A1"}`, seq)
		if err := handler.Handle(ctx, []byte(p)); err != nil {
			t.Fatalf("Handle(%d): %v", seq, err)
		}
	}

	waitFor(t, "three events", func() bool { return consumer.Stats().Received == 3 })
	stats := consumer.Stats()
	if stats.Applied != 1 || stats.Deferred != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 1 applied and 2 deferred", stats)
	}
	if got := f.cursor.Get().Seq; got != 11 {
		t.Errorf("cursor = %d, want 11", got)
	}
}

func TestLiveHandler_RejectsInvalid(t *testing.T) {
	bus := gochannel.NewGoChannel(gochannel.Config{}, logging.NewWatermillAdapter())
	defer bus.Close()
	h := NewLiveHandler(bus)

	tests := map[string]string{
		"not json":             `{"seq":`,
		"zero seq":             `{"seq":0,"event_type":"album_updated","content_type":"album","content_id":"A1"}`,
		"unknown content type": `{"seq":3,"event_type":"album_updated","content_type":"playlist","content_id":"P1"}`,
		"missing id":           `{"seq":3,"event_type":"album_updated","content_type":"album"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if err := h.Handle(context.Background(), []byte(payload)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
