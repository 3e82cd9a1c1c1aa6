// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package models

import (
	"errors"
	"fmt"
)

// Skeleton entities are ID-only mirrors of catalog structure.
type SkeletonArtist struct {
	ID string `json:"id"`
}

type SkeletonAlbum struct {
	ID string `json:"id"`
}

type SkeletonTrack struct {
	ID      string `json:"id"`
	AlbumID string `json:"album_id"`
}

// SkeletonAlbumArtist links an album to one of its artists. OrderIndex is
// the artist's position in the album credits.
type SkeletonAlbumArtist struct {
	AlbumID     string `json:"album_id"`
	ArtistID    string `json:"artist_id"`
	OrderIndex  int    `json:"order_index"`
	IsAppearsOn bool   `json:"is_appears_on"`
}

// SkeletonVersion is the server's (or store's) structural version.
type SkeletonVersion struct {
	Version  int64  `json:"version"`
	Checksum string `json:"checksum"`
}

// ChangeKind tags a SkeletonChange.
type ChangeKind string

const (
	ChangeArtistAdded   ChangeKind = "artist_added"
	ChangeArtistRemoved ChangeKind = "artist_removed"
	ChangeAlbumAdded    ChangeKind = "album_added"
	ChangeAlbumRemoved  ChangeKind = "album_removed"
	ChangeTrackAdded    ChangeKind = "track_added"
	ChangeTrackRemoved  ChangeKind = "track_removed"
)

// IsRemoval reports whether k removes an entity.
func (k ChangeKind) IsRemoval() bool {
	return k == ChangeArtistRemoved || k == ChangeAlbumRemoved || k == ChangeTrackRemoved
}

// SkeletonChange is one structural change inside a delta. Which of
// ArtistIDs and AlbumID are meaningful depends on Kind:
//
//	artist_added / artist_removed / album_removed / track_removed: ID only
//	album_added: ID and ArtistIDs
//	track_added: ID and AlbumID
type SkeletonChange struct {
	Kind      ChangeKind `json:"type"`
	ID        string     `json:"id"`
	ArtistIDs []string   `json:"artist_ids,omitempty"`
	AlbumID   string     `json:"album_id,omitempty"`
}

// Constructors for each change kind.
func ArtistAdded(id string) SkeletonChange   { return SkeletonChange{Kind: ChangeArtistAdded, ID: id} }
func ArtistRemoved(id string) SkeletonChange { return SkeletonChange{Kind: ChangeArtistRemoved, ID: id} }
func AlbumRemoved(id string) SkeletonChange  { return SkeletonChange{Kind: ChangeAlbumRemoved, ID: id} }
func TrackRemoved(id string) SkeletonChange  { return SkeletonChange{Kind: ChangeTrackRemoved, ID: id} }

func AlbumAdded(id string, artistIDs ...string) SkeletonChange {
	return SkeletonChange{Kind: ChangeAlbumAdded, ID: id, ArtistIDs: artistIDs}
}

func TrackAdded(id, albumID string) SkeletonChange {
	return SkeletonChange{Kind: ChangeTrackAdded, ID: id, AlbumID: albumID}
}

// Validate checks that the fields required by Kind are present.
func (c SkeletonChange) Validate() error {
	if c.ID == "" {
		return errors.New("skeleton change: empty id")
	}
	switch c.Kind {
	case ChangeArtistAdded, ChangeArtistRemoved, ChangeAlbumRemoved, ChangeTrackRemoved:
		return nil
	case ChangeAlbumAdded:
		for _, a := range c.ArtistIDs {
			if a == "" {
				return fmt.Errorf("skeleton change %s %s: empty artist id", c.Kind, c.ID)
			}
		}
		return nil
	case ChangeTrackAdded:
		if c.AlbumID == "" {
			return fmt.Errorf("skeleton change %s %s: missing album_id", c.Kind, c.ID)
		}
		return nil
	default:
		return fmt.Errorf("skeleton change %s: unknown type %q", c.ID, c.Kind)
	}
}

// SkeletonDelta is the diff between two skeleton versions.
type SkeletonDelta struct {
	FromVersion int64            `json:"from_version"`
	ToVersion   int64            `json:"to_version"`
	Checksum    string           `json:"checksum"`
	Changes     []SkeletonChange `json:"changes"`
}

// FullSkeletonAlbum is an album entry in a full snapshot.
type FullSkeletonAlbum struct {
	ID                 string   `json:"id"`
	ArtistIDs          []string `json:"artist_ids"`
	AppearsOnArtistIDs []string `json:"appears_on_artist_ids,omitempty"`
}

// FullSkeleton is the complete structural snapshot served by
// GET /v1/catalog/skeleton.
type FullSkeleton struct {
	Version  int64               `json:"version"`
	Checksum string              `json:"checksum"`
	Artists  []string            `json:"artists"`
	Albums   []FullSkeletonAlbum `json:"albums"`
	Tracks   []SkeletonTrack     `json:"tracks"`
}

// Rows flattens the snapshot into the four structural row sets. Credited
// artists come first in the edge order, then appears-on artists.
func (f *FullSkeleton) Rows() ([]SkeletonArtist, []SkeletonAlbum, []SkeletonAlbumArtist, []SkeletonTrack) {
	artists := make([]SkeletonArtist, 0, len(f.Artists))
	for _, id := range f.Artists {
		artists = append(artists, SkeletonArtist{ID: id})
	}

	albums := make([]SkeletonAlbum, 0, len(f.Albums))
	var edges []SkeletonAlbumArtist
	for _, al := range f.Albums {
		albums = append(albums, SkeletonAlbum{ID: al.ID})
		for i, ar := range al.ArtistIDs {
			edges = append(edges, SkeletonAlbumArtist{AlbumID: al.ID, ArtistID: ar, OrderIndex: i})
		}
		for i, ar := range al.AppearsOnArtistIDs {
			edges = append(edges, SkeletonAlbumArtist{
				AlbumID:     al.ID,
				ArtistID:    ar,
				OrderIndex:  len(al.ArtistIDs) + i,
				IsAppearsOn: true,
			})
		}
	}

	return artists, albums, edges, append([]SkeletonTrack(nil), f.Tracks...)
}

// VersionTooOld is the 404 body returned by the delta endpoint when the
// requested version is outside the server's delta history.
type VersionTooOld struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	EarliestAvailable int64  `json:"earliest_available"`
	CurrentVersion    int64  `json:"current_version"`
}
