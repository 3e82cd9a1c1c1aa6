// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestGenerateCorrelationID(t *testing.T) {
	t.Parallel()

	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()

	if len(id1) != 8 {
		t.Errorf("expected 8-character correlation ID, got %d", len(id1))
	}
	if id1 == id2 {
		t.Error("expected unique correlation IDs")
	}
}

func TestCorrelationIDContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if id := CorrelationIDFromContext(ctx); id != "" {
		t.Errorf("expected empty correlation ID, got %s", id)
	}

	ctx = ContextWithCorrelationID(ctx, "abc12345")
	if id := CorrelationIDFromContext(ctx); id != "abc12345" {
		t.Errorf("expected abc12345, got %s", id)
	}

	ctx = ContextWithNewCorrelationID(context.Background())
	if CorrelationIDFromContext(ctx) == "" {
		t.Error("expected generated correlation ID")
	}
}

func TestCtx_AddsCorrelationID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := ContextWithLogger(context.Background(), NewTestLogger(&buf))
	ctx = ContextWithCorrelationID(ctx, "deadbeef")

	Ctx(ctx).Info().Msg("catch-up")

	out := buf.String()
	if !strings.Contains(out, `"correlation_id":"deadbeef"`) {
		t.Errorf("expected correlation_id in output, got: %s", out)
	}
}

func TestLoggerFromContext_FallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	defer Init(DefaultConfig())

	l := LoggerFromContext(context.Background())
	l.Info().Msg("global")

	if !strings.Contains(buf.String(), "global") {
		t.Errorf("expected global logger to be used, got: %s", buf.String())
	}
}
