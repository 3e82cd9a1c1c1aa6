// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package testinfra provides an in-process fake of the catalog server for
// end-to-end tests.
//
// CatalogServer implements every endpoint the client uses plus the
// real-time WebSocket, backed by in-memory state the test controls:
//
//	srv := testinfra.NewCatalogServer(t)
//	srv.SetSkeleton(3, []string{"ar1"}, map[string][]string{"al1": {"ar1"}}, map[string]string{"t1": "al1"})
//	srv.AddCatalogEvents(models.CatalogEvent{Seq: 1, ...})
//	srv.FailWith(http.MethodGet, "/v1/sync/catalog", http.StatusServiceUnavailable)
//
// Requests must carry "Authorization: Bearer <srv.Token>".
package testinfra
