// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package models

import "github.com/goccy/go-json"

// LikedContent is the desired like state for one catalog entity.
type LikedContent struct {
	ContentType ContentType `json:"content_type" validate:"required,oneof=album artist track"`
	ContentID   string      `json:"content_id" validate:"required"`
	Liked       bool        `json:"liked"`
	ChangedAt   int64       `json:"changed_at"`
}

// ListeningEvent is one playback session reported to the server.
// SessionID is generated on the device and makes the push idempotent.
type ListeningEvent struct {
	TrackID              string `json:"track_id" validate:"required"`
	SessionID            string `json:"session_id"`
	StartedAt            int64  `json:"started_at" validate:"gt=0"`
	EndedAt              int64  `json:"ended_at" validate:"gtefield=StartedAt"`
	DurationSeconds      int    `json:"duration_seconds" validate:"gte=0"`
	TrackDurationSeconds int    `json:"track_duration_seconds" validate:"gte=0"`
	SeekCount            int    `json:"seek_count,omitempty" validate:"gte=0"`
	PauseCount           int    `json:"pause_count,omitempty" validate:"gte=0"`
	PlaybackContext      string `json:"playback_context,omitempty"`
	ClientType           string `json:"client_type,omitempty"`
}

// ListeningEventResponse is returned by POST /v1/user/listening.
type ListeningEventResponse struct {
	ID      json.Number `json:"id"`
	Created bool        `json:"created"`
}

// Impression records that the user viewed a catalog page.
type Impression struct {
	ItemType ContentType `json:"item_type" validate:"required,oneof=album artist track"`
	ItemID   string      `json:"item_id" validate:"required"`
	At       int64       `json:"at" validate:"gt=0"`
}

// NotificationRead is a read receipt for one notification.
type NotificationRead struct {
	NotificationID string `json:"notification_id" validate:"required"`
	ReadAt         int64  `json:"read_at"`
}

// User event types carried by the user-content event log.
const (
	UserEventContentLiked     = "content_liked"
	UserEventContentUnliked   = "content_unliked"
	UserEventNotificationRead = "notification_read"
)

// UserEvent is one entry of GET /v1/sync/events. Payload is decoded
// according to Type; unknown types are skipped by the client.
type UserEvent struct {
	Seq             int64           `json:"seq"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	ServerTimestamp int64           `json:"server_timestamp"`
}

// LikeEventPayload is the payload of content_liked / content_unliked.
type LikeEventPayload struct {
	ContentType ContentType `json:"content_type"`
	ContentID   string      `json:"content_id"`
}

// UserEventsResponse is the body of GET /v1/sync/events?since=N.
type UserEventsResponse struct {
	Events     []UserEvent `json:"events"`
	CurrentSeq int64       `json:"current_seq"`
}

// LikesState lists liked ids per content type.
type LikesState struct {
	Albums  []string `json:"albums"`
	Artists []string `json:"artists"`
	Tracks  []string `json:"tracks"`
}

// ByType returns the liked ids keyed by content type.
func (l LikesState) ByType() map[ContentType][]string {
	return map[ContentType][]string{
		ContentAlbum:  l.Albums,
		ContentArtist: l.Artists,
		ContentTrack:  l.Tracks,
	}
}

// NotificationState is the part of a server notification the sync core
// tracks. ReadAt is nil while unread.
type NotificationState struct {
	ID        string `json:"id"`
	ReadAt    *int64 `json:"read_at"`
	CreatedAt int64  `json:"created_at"`
}

// SyncState is the body of GET /v1/sync/state: the user's full state and
// the event seq it corresponds to.
type SyncState struct {
	Seq           int64               `json:"seq"`
	Likes         LikesState          `json:"likes"`
	Notifications []NotificationState `json:"notifications"`
}
