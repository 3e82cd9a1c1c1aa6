// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package usersync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tomtom215/catalogsync/internal/client"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/outbox"
	"github.com/tomtom215/catalogsync/internal/validation"
)

// Likes is the liked-content outbox. Each (content type, id) pair is one
// record holding the desired like state.
type Likes struct {
	*outbox.Synchronizer[models.LikedContent]
	api API
	now func() time.Time
}

// NewLikes wires the liked-content outbox to api.
func NewLikes(store outbox.Store[models.LikedContent], api API, cfg outbox.Config, opts ...outbox.Option[models.LikedContent]) *Likes {
	l := &Likes{api: api, now: time.Now}
	l.Synchronizer = outbox.New(cfg, store, l.push, opts...)
	return l
}

func likeID(ct models.ContentType, id string) string {
	return string(ct) + ":" + id
}

func (l *Likes) push(ctx context.Context, rec outbox.Record[models.LikedContent]) (string, error) {
	p := rec.Payload
	if p.Liked {
		return "", l.api.LikeContent(ctx, p.ContentType, p.ContentID)
	}
	err := l.api.UnlikeContent(ctx, p.ContentType, p.ContentID)
	if err != nil && client.KindOf(err) == client.KindNotFound {
		// Nothing to unlike: the server already has the desired state.
		return "", nil
	}
	return "", err
}

// SetLiked records the user's like or unlike and wakes the loop.
func (l *Likes) SetLiked(ctx context.Context, ct models.ContentType, id string, liked bool) error {
	lc := models.LikedContent{ContentType: ct, ContentID: id, Liked: liked, ChangedAt: l.now().Unix()}
	if err := validation.ValidateStruct(&lc); err != nil {
		return fmt.Errorf("set liked: %w", err)
	}
	_, err := l.Enqueue(ctx, likeID(ct, id), lc)
	return err
}

// IsLiked reports the local like state, pending changes included.
func (l *Likes) IsLiked(ctx context.Context, ct models.ContentType, id string) (bool, error) {
	rec, err := l.Store().Get(ctx, likeID(ct, id))
	if errors.Is(err, outbox.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Payload.Liked, nil
}

// LikedIDs returns the ids of type ct that are liked locally, sorted.
func (l *Likes) LikedIDs(ctx context.Context, ct models.ContentType) ([]string, error) {
	recs, err := l.Store().List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range recs {
		if rec.Payload.ContentType == ct && rec.Payload.Liked {
			ids = append(ids, rec.Payload.ContentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ApplyRemote merges a like state observed on the server, typically from
// another device's event.
func (l *Likes) ApplyRemote(ctx context.Context, ct models.ContentType, id string, liked bool, at int64) (outbox.MergeResult, error) {
	want := models.LikedContent{ContentType: ct, ContentID: id, Liked: liked, ChangedAt: at}
	return l.MergeRemote(ctx, likeID(ct, id), want, sameLikeState)
}

// Pull fetches the server's liked ids for every content type and
// reconciles the local store with them. Nothing is changed unless every
// type was fetched.
func (l *Likes) Pull(ctx context.Context) (outbox.ReconcileStats, error) {
	var state models.LikesState
	for _, ct := range likedContentTypes {
		ids, err := l.api.LikedIDs(ctx, ct)
		if err != nil {
			return outbox.ReconcileStats{}, fmt.Errorf("pull liked %ss: %w", ct, err)
		}
		switch ct {
		case models.ContentArtist:
			state.Artists = ids
		case models.ContentAlbum:
			state.Albums = ids
		case models.ContentTrack:
			state.Tracks = ids
		}
	}
	return l.ReconcileState(ctx, state)
}

// ReconcileState merges a complete server snapshot of liked ids. Local
// records liked but absent from the snapshot are retracted to unliked.
func (l *Likes) ReconcileState(ctx context.Context, state models.LikesState) (outbox.ReconcileStats, error) {
	now := l.now().Unix()
	items := make(map[string]models.LikedContent)
	for ct, ids := range state.ByType() {
		for _, id := range ids {
			items[likeID(ct, id)] = models.LikedContent{ContentType: ct, ContentID: id, Liked: true, ChangedAt: now}
		}
	}

	return l.Reconcile(ctx, outbox.Remote[models.LikedContent]{
		Items: items,
		Retract: func(lc models.LikedContent) models.LikedContent {
			lc.Liked = false
			lc.ChangedAt = now
			return lc
		},
		Equal: sameLikeState,
	})
}

func sameLikeState(a, b models.LikedContent) bool {
	return a.ContentType == b.ContentType && a.ContentID == b.ContentID && a.Liked == b.Liked
}
