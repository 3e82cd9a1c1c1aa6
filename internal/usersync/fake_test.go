// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package usersync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/cursor"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/outbox"
	"github.com/tomtom215/catalogsync/internal/storage"
)

// fakeAPI is an in-memory server. Fields are set by tests before use.
type fakeAPI struct {
	mu sync.Mutex

	liked      map[models.ContentType][]string
	likedErr   error
	likeErr    error
	unlikeErr  error
	likeCalls  []string
	unlikeCall []string

	listeningID string
	listening   []models.ListeningEvent
	impressions []models.Impression
	reads       []string

	events     []models.UserEvent
	currentSeq int64
	eventsErr  error
	sinceCalls []int64

	state      *models.SyncState
	stateErr   error
	stateCalls int
}

func (f *fakeAPI) LikeContent(_ context.Context, ct models.ContentType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.likeCalls = append(f.likeCalls, likeID(ct, id))
	return f.likeErr
}

func (f *fakeAPI) UnlikeContent(_ context.Context, ct models.ContentType, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlikeCall = append(f.unlikeCall, likeID(ct, id))
	return f.unlikeErr
}

func (f *fakeAPI) LikedIDs(_ context.Context, ct models.ContentType) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.likedErr != nil && ct == models.ContentTrack {
		return nil, f.likedErr
	}
	return f.liked[ct], nil
}

func (f *fakeAPI) RecordListening(_ context.Context, ev models.ListeningEvent) (models.ListeningEventResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = append(f.listening, ev)
	return models.ListeningEventResponse{ID: json.Number(f.listeningID), Created: true}, nil
}

func (f *fakeAPI) RecordImpression(_ context.Context, imp models.Impression) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.impressions = append(f.impressions, imp)
	return nil
}

func (f *fakeAPI) MarkNotificationRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id)
	return nil
}

func (f *fakeAPI) UserEvents(_ context.Context, since int64) (*models.UserEventsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceCalls = append(f.sinceCalls, since)
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	out := &models.UserEventsResponse{CurrentSeq: f.currentSeq}
	for _, ev := range f.events {
		if ev.Seq > since {
			out.Events = append(out.Events, ev)
		}
	}
	return out, nil
}

func (f *fakeAPI) SyncState(_ context.Context) (*models.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return f.state, nil
}

var _ API = (*fakeAPI)(nil)

func testOutboxConfig(domain string) outbox.Config {
	return outbox.Config{Domain: domain, MinSleep: time.Hour, MaxSleep: time.Hour}
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type harness struct {
	api    *fakeAPI
	likes  *Likes
	reads  *NotificationReads
	cursor *cursor.InMemoryStore
	sync   *EventSync
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := openDB(t)
	api := &fakeAPI{liked: map[models.ContentType][]string{}}
	likes := NewLikes(outbox.NewBadgerStore[models.LikedContent](db, DomainLikes), api, testOutboxConfig(DomainLikes))
	reads := NewNotificationReads(outbox.NewBadgerStore[models.NotificationRead](db, DomainNotificationReads), api, testOutboxConfig(DomainNotificationReads))
	cur := cursor.NewInMemoryStore(models.DomainUserContent)
	return &harness{
		api:    api,
		likes:  likes,
		reads:  reads,
		cursor: cur,
		sync:   NewEventSync(api, cur, likes, reads),
	}
}

func mustLiked(t *testing.T, l *Likes, ct models.ContentType, id string, want bool) {
	t.Helper()
	got, err := l.IsLiked(context.Background(), ct, id)
	if err != nil {
		t.Fatalf("IsLiked(%s): %v", id, err)
	}
	if got != want {
		t.Errorf("IsLiked(%s) = %v, want %v", id, got, want)
	}
}

func mustStatus(t *testing.T, l *Likes, ct models.ContentType, id string, want models.SyncStatus) {
	t.Helper()
	rec, err := l.Store().Get(context.Background(), likeID(ct, id))
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	if rec.Status != want {
		t.Errorf("%s status = %s, want %s", id, rec.Status, want)
	}
}

func userEvent(t *testing.T, seq int64, typ string, payload interface{}) models.UserEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.UserEvent{Seq: seq, Type: typ, Payload: raw, ServerTimestamp: 1700000000 + seq}
}

func liked(ct models.ContentType, id string) models.LikeEventPayload {
	return models.LikeEventPayload{ContentType: ct, ContentID: id}
}
