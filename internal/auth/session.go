// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/catalogsync/internal/logging"
)

var (
	// ErrNoSession means no token is available (never logged in, or
	// logged out).
	ErrNoSession = errors.New("auth: no session")

	// ErrSessionExpired means the token's exp claim has passed or the
	// server rejected it.
	ErrSessionExpired = errors.New("auth: session expired")
)

// Session holds the bearer token issued by the identity layer. The token
// is never verified here; its signature is the server's business. When
// the token is a JWT its exp claim is honoured with a small leeway so the
// client stops using a token the server is about to reject.
//
// Session implements client.TokenSource.
type Session struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	expired   bool
	leeway    time.Duration
	now       func() time.Time

	hooksMu sync.Mutex
	hooks   []func(reason string)
}

// NewSession creates a session holding token. An empty token is a
// logged-out session.
func NewSession(token string) *Session {
	s := &Session{leeway: 30 * time.Second, now: time.Now}
	s.Set(token)
	return s
}

// LoadSession builds a session from an inline token or, when that is
// empty, from the first line of tokenFile.
func LoadSession(token, tokenFile string) (*Session, error) {
	if token == "" && tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		token, _, _ = strings.Cut(strings.TrimSpace(string(data)), "\n")
	}
	return NewSession(strings.TrimSpace(token)), nil
}

// Set installs a new token and clears any expired mark.
func (s *Session) Set(token string) {
	exp := tokenExpiry(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = exp
	s.expired = false
}

// Clear drops the token (logout).
func (s *Session) Clear() {
	s.Set("")
}

// Valid reports whether Token would succeed right now.
func (s *Session) Valid() bool {
	_, err := s.current()
	return err == nil
}

// Token returns the bearer token or ErrNoSession / ErrSessionExpired.
func (s *Session) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.current()
}

func (s *Session) current() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.token == "":
		return "", ErrNoSession
	case s.expired:
		return "", ErrSessionExpired
	case !s.expiresAt.IsZero() && s.now().Add(s.leeway).After(s.expiresAt):
		return "", ErrSessionExpired
	}
	return s.token, nil
}

// OnExpired registers fn to run when the session is reported expired.
func (s *Session) OnExpired(fn func(reason string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// ReportUnauthorized marks the current token as rejected by the server and
// runs the expiry hooks once per token.
func (s *Session) ReportUnauthorized(reason string) {
	s.mu.Lock()
	if s.token == "" || s.expired {
		s.mu.Unlock()
		return
	}
	s.expired = true
	s.mu.Unlock()

	logging.Warn().Str("reason", reason).Msg("Session rejected by server")

	s.hooksMu.Lock()
	hooks := append([]func(string){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

// tokenExpiry returns the exp claim of a JWT, or the zero time for opaque
// tokens and tokens without exp.
func tokenExpiry(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
