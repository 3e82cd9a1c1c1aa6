// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package auth holds the client's session: the bearer token attached to every
request and to the real-time channel upgrade.

Token issuance and refresh belong to the identity layer; this package only
stores the token it was given, honours a JWT exp claim, and fans out an
expiry notification when the server rejects the token.

Usage:

	session, err := auth.LoadSession(cfg.Auth.Token, cfg.Auth.TokenFile)
	if err != nil {
	    return err
	}
	session.OnExpired(func(reason string) {
	    channel.Disconnect()
	})

Session implements the TokenSource interfaces of the client and realtime
packages. A 401 from either path calls ReportUnauthorized, after which
Token returns ErrSessionExpired until Set installs a new token.
*/
package auth
