// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "user-1"}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-test-secret-test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestSession_Token(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: "", wantErr: ErrNoSession},
		{name: "opaque", token: "opaque-token"},
		{name: "jwt without exp", token: signedToken(t, time.Time{})},
		{name: "jwt valid", token: signedToken(t, time.Now().Add(time.Hour))},
		{name: "jwt expired", token: signedToken(t, time.Now().Add(-time.Minute)), wantErr: ErrSessionExpired},
		{name: "jwt inside leeway", token: signedToken(t, time.Now().Add(10*time.Second)), wantErr: ErrSessionExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSession(tt.token)
			got, err := s.Token(ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Token err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != tt.token {
				t.Errorf("Token = %q, want %q", got, tt.token)
			}
			if s.Valid() != (tt.wantErr == nil) {
				t.Errorf("Valid = %v", s.Valid())
			}
		})
	}
}

func TestSession_ReportUnauthorized(t *testing.T) {
	t.Parallel()
	s := NewSession("opaque")

	var calls []string
	s.OnExpired(func(reason string) { calls = append(calls, reason) })

	s.ReportUnauthorized("outbox")
	s.ReportUnauthorized("realtime")
	if len(calls) != 1 || calls[0] != "outbox" {
		t.Errorf("hook calls = %v, want exactly [outbox]", calls)
	}
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Token err = %v, want ErrSessionExpired", err)
	}

	s.Set("fresh")
	if !s.Valid() {
		t.Error("new token not valid after Set")
	}
	s.ReportUnauthorized("again")
	if len(calls) != 2 {
		t.Errorf("hook not re-armed by a new token: %v", calls)
	}

	s.Clear()
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Token after Clear = %v, want ErrNoSession", err)
	}
}

func TestLoadSession(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("  from-file\nignored\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSession("", path)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if tok, _ := s.Token(context.Background()); tok != "from-file" {
		t.Errorf("token = %q", tok)
	}

	s, err = LoadSession("inline", path)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if tok, _ := s.Token(context.Background()); tok != "inline" {
		t.Errorf("inline token = %q", tok)
	}

	if _, err := LoadSession("", filepath.Join(dir, "missing")); err == nil {
		t.Error("missing token file accepted")
	}
}
