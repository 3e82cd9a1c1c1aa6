// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package realtime

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
)

// Message is one frame on the channel. Type follows prefix.subtype.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types handled by the manager itself.
const (
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeError     = "error"
)

// ConnectedPayload is sent by the server once the connection is accepted.
type ConnectedPayload struct {
	DeviceID      string `json:"device_id"`
	ServerVersion string `json:"server_version"`
}

// ErrorPayload is the payload of a server "error" message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler processes messages of one prefix. It runs on the connection's
// read loop and must not block for long.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// PayloadHandler adapts a function that only needs the raw payload.
func PayloadHandler(fn func(ctx context.Context, payload []byte) error) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		return fn(ctx, msg.Payload)
	})
}

// Prefix returns the part of typ before the first dot.
func Prefix(typ string) string {
	if i := strings.IndexByte(typ, '.'); i >= 0 {
		return typ[:i]
	}
	return typ
}

// registry maps prefixes to handlers. Writers copy the map; readers load
// the current snapshot without locking.
type registry struct {
	mu       sync.Mutex
	handlers atomic.Pointer[map[string]Handler]
}

func (r *registry) lookup(prefix string) (Handler, bool) {
	m := r.handlers.Load()
	if m == nil {
		return nil, false
	}
	h, ok := (*m)[prefix]
	return h, ok
}

func (r *registry) set(prefix string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Handler)
	if cur := r.handlers.Load(); cur != nil {
		for k, v := range *cur {
			next[k] = v
		}
	}
	if h == nil {
		delete(next, prefix)
	} else {
		next[prefix] = h
	}
	r.handlers.Store(&next)
}
