// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package models

// ContentType identifies the kind of catalog entity an event refers to.
type ContentType string

const (
	ContentAlbum  ContentType = "album"
	ContentArtist ContentType = "artist"
	ContentTrack  ContentType = "track"
)

// Valid reports whether c is a known content type.
func (c ContentType) Valid() bool {
	switch c {
	case ContentAlbum, ContentArtist, ContentTrack:
		return true
	}
	return false
}

// EventType is the server-side reason a catalog entity was invalidated.
type EventType string

const (
	EventAlbumUpdated  EventType = "album_updated"
	EventArtistUpdated EventType = "artist_updated"
	EventTrackUpdated  EventType = "track_updated"
	EventAlbumAdded    EventType = "album_added"
	EventArtistAdded   EventType = "artist_added"
	EventTrackAdded    EventType = "track_added"
)

// CatalogEvent is one entry of the server's catalog invalidation log.
// Events are immutable once issued and ordered by Seq. Timestamp is in unix
// seconds; TriggeredBy names the server job that caused the change, when
// known.
type CatalogEvent struct {
	Seq         int64       `json:"seq" validate:"gt=0"`
	EventType   EventType   `json:"event_type" validate:"required,oneof=album_updated artist_updated track_updated album_added artist_added track_added"`
	ContentType ContentType `json:"content_type" validate:"required,oneof=album artist track"`
	ContentID   string      `json:"content_id" validate:"required"`
	Timestamp   int64       `json:"timestamp"`
	TriggeredBy string      `json:"triggered_by,omitempty"`
}

// CatalogEventsResponse is the body of GET /v1/sync/catalog?since=N.
// EarliestSeq is the oldest seq the server still retains (0 if not
// reported).
type CatalogEventsResponse struct {
	Events      []CatalogEvent `json:"events"`
	CurrentSeq  int64          `json:"current_seq"`
	EarliestSeq int64          `json:"earliest_seq,omitempty"`
}
