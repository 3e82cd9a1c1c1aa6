// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package realtime

import (
	"math"
	"time"
)

// State is the coarse connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// ConnectionState is the current state plus what the handshake or the
// failure reported. DeviceID and ServerVersion are set only when
// Connected, Reason only in Error.
type ConnectionState struct {
	State         State
	DeviceID      string
	ServerVersion string
	Reason        string
}

// Backoff computes reconnect delays: min(Min * Multiplier^attempt, Max).
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the delay before reconnect attempt n (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Min) * math.Pow(b.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
