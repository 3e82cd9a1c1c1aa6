// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package skeleton

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/storage"
)

// deltaTxn applies changes against one generation inside a Badger
// read-write transaction, keeping the row counters and the set of artists
// whose album edges changed.
type deltaTxn struct {
	txn     *badger.Txn
	gen     uint64
	n       counts
	touched map[string]struct{}
}

func newDeltaTxn(txn *badger.Txn, gen uint64) (*deltaTxn, error) {
	d := &deltaTxn{txn: txn, gen: gen, touched: make(map[string]struct{})}
	err := storage.GetJSON(txn, rowKey(gen, famCounts), &d.n)
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("read skeleton counts: %w", err)
	}
	return d, nil
}

var (
	removalOrder  = []models.ChangeKind{models.ChangeTrackRemoved, models.ChangeAlbumRemoved, models.ChangeArtistRemoved}
	additionOrder = []models.ChangeKind{models.ChangeArtistAdded, models.ChangeAlbumAdded, models.ChangeTrackAdded}
)

func (d *deltaTxn) apply(changes []models.SkeletonChange) error {
	for _, kind := range append(append([]models.ChangeKind(nil), removalOrder...), additionOrder...) {
		for _, c := range changes {
			if c.Kind != kind {
				continue
			}
			if err := d.applyOne(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *deltaTxn) applyOne(c models.SkeletonChange) error {
	switch c.Kind {
	case models.ChangeTrackRemoved:
		return d.removeTrack(c.ID)
	case models.ChangeAlbumRemoved:
		return d.removeAlbum(c.ID)
	case models.ChangeArtistRemoved:
		return d.removeArtist(c.ID)
	case models.ChangeArtistAdded:
		return d.addArtist(c.ID)
	case models.ChangeAlbumAdded:
		return d.addAlbum(c.ID, c.ArtistIDs)
	case models.ChangeTrackAdded:
		return d.addTrack(c.ID, c.AlbumID)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChange, c.Kind)
	}
}

func (d *deltaTxn) has(key []byte) (bool, error) {
	_, err := d.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *deltaTxn) del(keys ...[]byte) error {
	for _, k := range keys {
		if err := d.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (d *deltaTxn) removeTrack(id string) error {
	item, err := d.txn.Get(rowKey(d.gen, famTrack, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	album, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if err := d.del(rowKey(d.gen, famTrack, id), rowKey(d.gen, famAlbumTracks, string(album), id)); err != nil {
		return err
	}
	d.n.Tracks--
	return nil
}

// removeAlbum cascades to the album's edges and tracks.
func (d *deltaTxn) removeAlbum(id string) error {
	ok, err := d.has(rowKey(d.gen, famAlbum, id))
	if err != nil || !ok {
		return err
	}
	if err := d.dropAlbumEdges(id); err != nil {
		return err
	}
	for _, k := range storage.KeysWithPrefix(d.txn, rowPrefix(d.gen, famAlbumTracks, id)) {
		track := storage.LastSegment(k)
		if err := d.del(k, rowKey(d.gen, famTrack, track)); err != nil {
			return err
		}
		d.n.Tracks--
	}
	if err := d.del(rowKey(d.gen, famAlbum, id)); err != nil {
		return err
	}
	d.n.Albums--
	return nil
}

func (d *deltaTxn) dropAlbumEdges(albumID string) error {
	for _, k := range storage.KeysWithPrefix(d.txn, rowPrefix(d.gen, famEdgeByAlbum, albumID)) {
		artist := storage.LastSegment(k)
		if err := d.del(k, rowKey(d.gen, famEdgeByArtist, artist, albumID)); err != nil {
			return err
		}
		d.n.Edges--
		d.touched[artist] = struct{}{}
	}
	return nil
}

// removeArtist cascades to the artist's edges. Albums stay: they may be
// credited to other artists.
func (d *deltaTxn) removeArtist(id string) error {
	ok, err := d.has(rowKey(d.gen, famArtist, id))
	if err != nil || !ok {
		return err
	}
	for _, k := range storage.KeysWithPrefix(d.txn, rowPrefix(d.gen, famEdgeByArtist, id)) {
		album := storage.LastSegment(k)
		if err := d.del(k, rowKey(d.gen, famEdgeByAlbum, album, id)); err != nil {
			return err
		}
		d.n.Edges--
	}
	if err := d.del(rowKey(d.gen, famArtist, id)); err != nil {
		return err
	}
	d.n.Artists--
	d.touched[id] = struct{}{}
	return nil
}

func (d *deltaTxn) addArtist(id string) error {
	ok, err := d.has(rowKey(d.gen, famArtist, id))
	if err != nil || ok {
		return err
	}
	if err := d.txn.Set(rowKey(d.gen, famArtist, id), nil); err != nil {
		return err
	}
	d.n.Artists++
	return nil
}

// addAlbum upserts the album and replaces its edge set with artistIDs.
func (d *deltaTxn) addAlbum(id string, artistIDs []string) error {
	ok, err := d.has(rowKey(d.gen, famAlbum, id))
	if err != nil {
		return err
	}
	if ok {
		if err := d.dropAlbumEdges(id); err != nil {
			return err
		}
	} else {
		if err := d.txn.Set(rowKey(d.gen, famAlbum, id), nil); err != nil {
			return err
		}
		d.n.Albums++
	}

	seen := make(map[string]struct{}, len(artistIDs))
	for i, artist := range artistIDs {
		if _, dup := seen[artist]; dup {
			continue
		}
		seen[artist] = struct{}{}

		exists, err := d.has(rowKey(d.gen, famArtist, artist))
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: album %q credits artist %q", ErrMissingParent, id, artist)
		}
		val, err := json.Marshal(edgeValue{OrderIndex: i})
		if err != nil {
			return err
		}
		if err := d.txn.Set(rowKey(d.gen, famEdgeByArtist, artist, id), val); err != nil {
			return err
		}
		if err := d.txn.Set(rowKey(d.gen, famEdgeByAlbum, id, artist), val); err != nil {
			return err
		}
		d.n.Edges++
		d.touched[artist] = struct{}{}
	}
	return nil
}

// addTrack upserts the track, moving it if it was under another album.
func (d *deltaTxn) addTrack(id, albumID string) error {
	exists, err := d.has(rowKey(d.gen, famAlbum, albumID))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: track %q references album %q", ErrMissingParent, id, albumID)
	}

	item, err := d.txn.Get(rowKey(d.gen, famTrack, id))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		d.n.Tracks++
	case err != nil:
		return err
	default:
		prev, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(prev) == albumID {
			return nil
		}
		if err := d.del(rowKey(d.gen, famAlbumTracks, string(prev), id)); err != nil {
			return err
		}
	}

	if err := d.txn.Set(rowKey(d.gen, famTrack, id), []byte(albumID)); err != nil {
		return err
	}
	return d.txn.Set(rowKey(d.gen, famAlbumTracks, albumID, id), nil)
}

func (d *deltaTxn) saveCounts() error {
	return storage.SetJSON(d.txn, rowKey(d.gen, famCounts), d.n)
}

func sortEdges(edges []models.SkeletonAlbumArtist) {
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].OrderIndex < edges[j].OrderIndex
	})
}
