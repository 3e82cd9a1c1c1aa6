// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package skeleton

import (
	"context"
	"slices"
	"sync"

	"github.com/tomtom215/catalogsync/internal/logging"
)

// watcher is woken (non-blocking, coalescing) when rows it cares about
// may have changed.
type watcher struct {
	signal chan struct{}
}

func (w *watcher) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

type watchers struct {
	mu       sync.Mutex
	byArtist map[string]map[*watcher]struct{}
}

func newWatchers() *watchers {
	return &watchers{byArtist: make(map[string]map[*watcher]struct{})}
}

func (ws *watchers) add(artistID string) *watcher {
	w := &watcher{signal: make(chan struct{}, 1)}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	set, ok := ws.byArtist[artistID]
	if !ok {
		set = make(map[*watcher]struct{})
		ws.byArtist[artistID] = set
	}
	set[w] = struct{}{}
	return w
}

func (ws *watchers) remove(artistID string, w *watcher) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	set := ws.byArtist[artistID]
	delete(set, w)
	if len(set) == 0 {
		delete(ws.byArtist, artistID)
	}
}

func (ws *watchers) notify(artists map[string]struct{}) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for a := range artists {
		for w := range ws.byArtist[a] {
			w.wake()
		}
	}
}

func (ws *watchers) notifyAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, set := range ws.byArtist {
		for w := range set {
			w.wake()
		}
	}
}

func (ws *watchers) count() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	n := 0
	for _, set := range ws.byArtist {
		n += len(set)
	}
	return n
}

// ObserveAlbumIDsForArtist streams the artist's album ids: the current
// list first, then a new list every time the artist's edges change. Lists
// are only sent when they differ from the previous one, and a slow reader
// only ever sees the latest list. The stream ends (channel closed) when ctx
// is cancelled; calling again starts a fresh stream. Observers are
// independent of each other and never affect stored data.
func (s *Store) ObserveAlbumIDsForArtist(ctx context.Context, artistID string) <-chan []string {
	out := make(chan []string)
	w := s.watchers.add(artistID)

	go func() {
		defer close(out)
		defer s.watchers.remove(artistID, w)

		var last []string
		sent := false
		for {
			ids, err := s.AlbumIDsForArtist(ctx, artistID)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				logging.Warn().Err(err).Str("artist_id", artistID).Msg("Skeleton observer query failed")
			case !sent || !slices.Equal(ids, last):
				select {
				case out <- ids:
					last, sent = ids, true
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			}
		}
	}()

	return out
}
