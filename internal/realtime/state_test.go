// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package realtime

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Min: time.Second, Max: time.Minute, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{500, time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	huge := Backoff{Min: time.Second, Max: time.Hour, Multiplier: math.MaxFloat64}
	if got := huge.Delay(3); got != time.Hour {
		t.Errorf("overflowing delay = %v, want cap", got)
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateError:        "error",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), name)
		}
	}
}

func TestPrefix(t *testing.T) {
	tests := map[string]string{
		"catalog_invalidation": "catalog_invalidation",
		"sync.content_liked":   "sync",
		"sync.a.b":             "sync",
		"":                     "",
		".leading":             "",
	}
	for in, want := range tests {
		if got := Prefix(in); got != want {
			t.Errorf("Prefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRegistry(t *testing.T) {
	var r registry
	if _, ok := r.lookup("sync"); ok {
		t.Fatal("empty registry returned a handler")
	}

	calls := 0
	r.set("sync", HandlerFunc(func(context.Context, Message) error {
		calls++
		return nil
	}))
	h, ok := r.lookup("sync")
	if !ok {
		t.Fatal("handler not registered")
	}
	_ = h.HandleMessage(context.Background(), Message{Type: "sync.x"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	r.set("sync", nil)
	if _, ok := r.lookup("sync"); ok {
		t.Error("handler still registered after removal")
	}
}
