// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

/*
Package models defines the wire and storage types shared by the sync core.

Key Components:

  - CatalogEvent: one entry of the server's catalog invalidation log
  - FullSkeleton, SkeletonDelta: the catalog structure and its changes
  - UserEvent: one entry of the user-content event log
  - LikedContent, ListeningEvent, Impression, NotificationRead: outbox payloads
  - SyncCursor, SyncStatus: per-domain cursor and per-record sync state

JSON field names match the server's snake_case wire format. Types carry
validate tags checked by the validation package before anything decoded
from the network or created locally is acted on.
*/
package models
