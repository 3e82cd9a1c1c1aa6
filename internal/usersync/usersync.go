// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

// Package usersync holds the user-owned mutable state of the client: one
// outbox per domain (liked content, listening events, impressions,
// notification read receipts) and the user-content event log consumer
// that merges changes made on other devices.
//
// Local mutations go through the domain's outbox and are pushed by its
// loop. Server changes arrive either through EventSync (catch-up over
// HTTP, or live "sync" messages on the real-time channel) or through a
// reconciliation pull. Both paths merge with the same rule: a record with
// an unsent local mutation is never overwritten.
package usersync

import (
	"context"

	"github.com/tomtom215/catalogsync/internal/models"
)

// Outbox domain names. They key the Badger records and label metrics.
const (
	DomainLikes             = "liked_content"
	DomainListening         = "listening_events"
	DomainImpressions       = "impressions"
	DomainNotificationReads = "notification_reads"
)

// API is the subset of the server client used by this package.
// *client.Client implements it.
type API interface {
	LikeContent(ctx context.Context, ct models.ContentType, id string) error
	UnlikeContent(ctx context.Context, ct models.ContentType, id string) error
	LikedIDs(ctx context.Context, ct models.ContentType) ([]string, error)
	RecordListening(ctx context.Context, ev models.ListeningEvent) (models.ListeningEventResponse, error)
	RecordImpression(ctx context.Context, imp models.Impression) error
	MarkNotificationRead(ctx context.Context, id string) error
	UserEvents(ctx context.Context, since int64) (*models.UserEventsResponse, error)
	SyncState(ctx context.Context) (*models.SyncState, error)
}

// likedContentTypes is the order reconciliation pulls walk.
var likedContentTypes = []models.ContentType{models.ContentArtist, models.ContentAlbum, models.ContentTrack}
