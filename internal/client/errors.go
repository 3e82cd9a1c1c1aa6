// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEventsPruned means the requested cursor is older than the oldest
	// event the server still keeps. The caller must run a full resync.
	ErrEventsPruned = errors.New("client: events pruned")

	// ErrVersionTooOld means the server has no delta starting at the
	// requested skeleton version.
	ErrVersionTooOld = errors.New("client: skeleton version too old for delta")
)

// Kind classifies a failed request for retry decisions.
type Kind int

const (
	// KindUnknown covers unexpected statuses and undecodable bodies. Items
	// that fail this way are parked until a later reconciliation.
	KindUnknown Kind = iota
	// KindNetwork is transient: transport errors, timeouts, 5xx, 429 and
	// an open circuit breaker.
	KindNetwork
	// KindUnauthorized means the session is no longer valid.
	KindUnauthorized
	// KindNotFound means the target no longer exists on the server.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a failed request to the catalog server.
type Error struct {
	Kind       Kind
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Endpoint, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Endpoint, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err. Context cancellation and
// deadline errors count as network failures; anything that is not an
// *Error is unknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// IsRetryable reports whether the same request may succeed later without
// any change on the client.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindNetwork
}

// IsUnauthorized reports whether err means the session has expired.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == KindUnauthorized
}

// kindForStatus maps a non-2xx status to a Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound, status == http.StatusGone:
		return KindNotFound
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return KindNetwork
	case status >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}
