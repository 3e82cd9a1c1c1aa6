// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package skeleton

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
	"github.com/tomtom215/catalogsync/internal/models"
	"github.com/tomtom215/catalogsync/internal/storage"
)

var (
	// ErrVersionMismatch is returned by ApplyDelta when the delta does not
	// start at the store's current version. The store is left untouched.
	ErrVersionMismatch = errors.New("skeleton: delta does not start at the local version")

	// ErrMissingParent is returned when an edge or track references an
	// album or artist that does not exist. The whole operation is rolled back.
	ErrMissingParent = errors.New("skeleton: referenced parent does not exist")

	// ErrInvalidChange wraps a malformed change inside a delta.
	ErrInvalidChange = errors.New("skeleton: invalid change")

	// ErrDeltaTooLarge is returned when a delta does not fit in one
	// transaction. Only a full snapshot can bring the store forward.
	ErrDeltaTooLarge = errors.New("skeleton: delta too large for one transaction")
)

// Row families inside one generation.
const (
	famArtist       = "ar" // ar/<artist>
	famAlbum        = "al" // al/<album>
	famEdgeByArtist = "ea" // ea/<artist>/<album> -> edge
	famEdgeByAlbum  = "eb" // eb/<album>/<artist> -> edge
	famTrack        = "tr" // tr/<track> -> album id
	famAlbumTracks  = "at" // at/<album>/<track>
	famCounts       = "n"
)

// meta is the single pointer record of the store. Generation selects the
// live row set and starts at 1; Pending and Stale name generations that may
// hold leftover rows from an interrupted replace (0 means none).
type meta struct {
	Generation uint64 `json:"generation"`
	Version    int64  `json:"version"`
	Checksum   string `json:"checksum"`
	Pending    uint64 `json:"pending,omitempty"`
	Stale      uint64 `json:"stale,omitempty"`
}

type counts struct {
	Artists int `json:"artists"`
	Albums  int `json:"albums"`
	Edges   int `json:"edges"`
	Tracks  int `json:"tracks"`
}

// Counts reports the number of rows in each structural table.
type Counts struct {
	Artists int
	Albums  int
	Edges   int
	Tracks  int
}

type edgeValue struct {
	OrderIndex  int  `json:"order_index"`
	IsAppearsOn bool `json:"is_appears_on"`
}

// Store is the Badger-backed skeleton mirror.
//
// Full replaces are written into a fresh generation and made visible by a
// single meta commit, so readers either see the old set or the new one.
// Deltas are applied inside one Badger transaction against the live
// generation. There is exactly one writer at a time; reads are concurrent.
type Store struct {
	db       *badger.DB
	metaKey  []byte
	writeMu  sync.Mutex
	watchers *watchers
}

// NewStore opens the skeleton inside db and removes rows left behind by an
// interrupted replace.
func NewStore(db *storage.DB) (*Store, error) {
	s := &Store{
		db:       db.Badger(),
		metaKey:  storage.Key("skel", "meta"),
		watchers: newWatchers(),
	}

	m, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	if err := s.dropLeftovers(m); err != nil {
		return nil, err
	}
	metrics.SkeletonVersion.Set(float64(m.Version))
	return s, nil
}

func genSegment(gen uint64) string {
	return "g" + strconv.FormatUint(gen, 16)
}

func rowKey(gen uint64, fam string, ids ...string) []byte {
	return storage.Key(append([]string{"skel", genSegment(gen), fam}, ids...)...)
}

func rowPrefix(gen uint64, fam string, ids ...string) []byte {
	return storage.Prefix(append([]string{"skel", genSegment(gen), fam}, ids...)...)
}

func genPrefix(gen uint64) []byte {
	return storage.Prefix("skel", genSegment(gen))
}

func (s *Store) loadMeta() (meta, error) {
	var m meta
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = s.readMeta(txn)
		return err
	})
	return m, err
}

func (s *Store) readMeta(txn *badger.Txn) (meta, error) {
	var m meta
	err := storage.GetJSON(txn, s.metaKey, &m)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta{Generation: 1}, nil
	}
	if err != nil {
		return meta{}, fmt.Errorf("read skeleton meta: %w", err)
	}
	return m, nil
}

func (s *Store) dropLeftovers(m meta) error {
	if m.Pending == 0 && m.Stale == 0 {
		return nil
	}
	for _, gen := range []uint64{m.Pending, m.Stale} {
		if gen == 0 || gen == m.Generation {
			continue
		}
		if err := s.db.DropPrefix(genPrefix(gen)); err != nil {
			return fmt.Errorf("drop skeleton generation %d: %w", gen, err)
		}
		logging.Debug().Uint64("generation", gen).Msg("Dropped leftover skeleton generation")
	}
	m.Pending, m.Stale = 0, 0
	return s.db.Update(func(txn *badger.Txn) error {
		return storage.SetJSON(txn, s.metaKey, m)
	})
}

// Version returns the stored version and checksum. A store that has never
// been synced reports version 0 and an empty checksum.
func (s *Store) Version(ctx context.Context) (models.SkeletonVersion, error) {
	if err := ctx.Err(); err != nil {
		return models.SkeletonVersion{}, err
	}
	m, err := s.loadMeta()
	if err != nil {
		return models.SkeletonVersion{}, err
	}
	return models.SkeletonVersion{Version: m.Version, Checksum: m.Checksum}, nil
}

// ReplaceAll swaps the whole structural set for the given rows and sets
// version and checksum. Rows are validated first: an edge or track whose
// parent is not part of the new set fails with ErrMissingParent and the
// current set is kept.
func (s *Store) ReplaceAll(
	ctx context.Context,
	artists []models.SkeletonArtist,
	albums []models.SkeletonAlbum,
	edges []models.SkeletonAlbumArtist,
	tracks []models.SkeletonTrack,
	version int64,
	checksum string,
) error {
	if err := validateRows(artists, albums, edges, tracks); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	cur, err := s.loadMeta()
	if err != nil {
		return err
	}
	next := cur.Generation + 1

	// Record the pending generation before writing rows into it so a crash
	// mid-write can be cleaned up on the next open.
	marked := cur
	marked.Pending = next
	if err := s.db.Update(func(txn *badger.Txn) error {
		return storage.SetJSON(txn, s.metaKey, marked)
	}); err != nil {
		return fmt.Errorf("mark pending skeleton generation: %w", err)
	}
	if err := s.db.DropPrefix(genPrefix(next)); err != nil {
		return fmt.Errorf("reset skeleton generation %d: %w", next, err)
	}

	if err := s.writeGeneration(ctx, next, artists, albums, edges, tracks); err != nil {
		_ = s.db.DropPrefix(genPrefix(next))
		return err
	}

	flipped := meta{Generation: next, Version: version, Checksum: checksum, Stale: cur.Generation}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return storage.SetJSON(txn, s.metaKey, flipped)
	}); err != nil {
		_ = s.db.DropPrefix(genPrefix(next))
		return fmt.Errorf("commit skeleton generation %d: %w", next, err)
	}

	if err := s.dropLeftovers(flipped); err != nil {
		// Rows of the old generation are invisible; the next open retries.
		logging.Warn().Err(err).Uint64("generation", cur.Generation).Msg("Old skeleton generation not dropped")
	}

	metrics.SkeletonVersion.Set(float64(version))
	s.watchers.notifyAll()

	logging.Info().
		Int64("version", version).
		Int("artists", len(artists)).
		Int("albums", len(albums)).
		Int("tracks", len(tracks)).
		Msg("Skeleton replaced")
	return nil
}

// writeGeneration inserts rows in dependency order: artists, albums,
// edges, tracks.
func (s *Store) writeGeneration(
	ctx context.Context,
	gen uint64,
	artists []models.SkeletonArtist,
	albums []models.SkeletonAlbum,
	edges []models.SkeletonAlbumArtist,
	tracks []models.SkeletonTrack,
) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	var n counts
	seen := make(map[string]struct{})
	once := func(k []byte) bool {
		if _, ok := seen[string(k)]; ok {
			return false
		}
		seen[string(k)] = struct{}{}
		return true
	}

	for _, a := range artists {
		k := rowKey(gen, famArtist, a.ID)
		if once(k) {
			if err := wb.Set(k, nil); err != nil {
				return fmt.Errorf("write artist %s: %w", a.ID, err)
			}
			n.Artists++
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, al := range albums {
		k := rowKey(gen, famAlbum, al.ID)
		if once(k) {
			if err := wb.Set(k, nil); err != nil {
				return fmt.Errorf("write album %s: %w", al.ID, err)
			}
			n.Albums++
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, e := range edges {
		val, err := json.Marshal(edgeValue{OrderIndex: e.OrderIndex, IsAppearsOn: e.IsAppearsOn})
		if err != nil {
			return err
		}
		k := rowKey(gen, famEdgeByArtist, e.ArtistID, e.AlbumID)
		if !once(k) {
			continue
		}
		if err := wb.Set(k, val); err != nil {
			return fmt.Errorf("write edge %s/%s: %w", e.AlbumID, e.ArtistID, err)
		}
		if err := wb.Set(rowKey(gen, famEdgeByAlbum, e.AlbumID, e.ArtistID), val); err != nil {
			return fmt.Errorf("write edge %s/%s: %w", e.AlbumID, e.ArtistID, err)
		}
		n.Edges++
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, t := range tracks {
		k := rowKey(gen, famTrack, t.ID)
		if !once(k) {
			continue
		}
		if err := wb.Set(k, []byte(t.AlbumID)); err != nil {
			return fmt.Errorf("write track %s: %w", t.ID, err)
		}
		if err := wb.Set(rowKey(gen, famAlbumTracks, t.AlbumID, t.ID), nil); err != nil {
			return fmt.Errorf("write track %s: %w", t.ID, err)
		}
		n.Tracks++
	}

	cnt, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := wb.Set(rowKey(gen, famCounts), cnt); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush skeleton generation %d: %w", gen, err)
	}
	return nil
}

func validateRows(
	artists []models.SkeletonArtist,
	albums []models.SkeletonAlbum,
	edges []models.SkeletonAlbumArtist,
	tracks []models.SkeletonTrack,
) error {
	artistSet := make(map[string]struct{}, len(artists))
	for _, a := range artists {
		if a.ID == "" {
			return fmt.Errorf("%w: empty artist id", ErrInvalidChange)
		}
		artistSet[a.ID] = struct{}{}
	}
	albumSet := make(map[string]struct{}, len(albums))
	for _, al := range albums {
		if al.ID == "" {
			return fmt.Errorf("%w: empty album id", ErrInvalidChange)
		}
		albumSet[al.ID] = struct{}{}
	}
	for _, e := range edges {
		if _, ok := albumSet[e.AlbumID]; !ok {
			return fmt.Errorf("%w: edge references album %q", ErrMissingParent, e.AlbumID)
		}
		if _, ok := artistSet[e.ArtistID]; !ok {
			return fmt.Errorf("%w: edge references artist %q", ErrMissingParent, e.ArtistID)
		}
	}
	for _, t := range tracks {
		if t.ID == "" {
			return fmt.Errorf("%w: empty track id", ErrInvalidChange)
		}
		if _, ok := albumSet[t.AlbumID]; !ok {
			return fmt.Errorf("%w: track %q references album %q", ErrMissingParent, t.ID, t.AlbumID)
		}
	}
	return nil
}

// ApplyDelta applies delta in one transaction. Removals run first
// (tracks, albums, artists, each cascading to dependent rows), then
// additions in dependency order (artists, albums with their edges,
// tracks). Any failure discards the transaction, leaving rows, version
// and checksum exactly as they were.
func (s *Store) ApplyDelta(ctx context.Context, delta models.SkeletonDelta) error {
	for _, c := range delta.Changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	var touched map[string]struct{}
	err := s.db.Update(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn)
		if err != nil {
			return err
		}
		if m.Version != delta.FromVersion {
			return fmt.Errorf("%w: local %d, delta from %d", ErrVersionMismatch, m.Version, delta.FromVersion)
		}

		tx, err := newDeltaTxn(txn, m.Generation)
		if err != nil {
			return err
		}
		if err := tx.apply(delta.Changes); err != nil {
			return err
		}
		if err := tx.saveCounts(); err != nil {
			return err
		}

		m.Version = delta.ToVersion
		m.Checksum = delta.Checksum
		touched = tx.touched
		return storage.SetJSON(txn, s.metaKey, m)
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return fmt.Errorf("%w: %d->%d with %d changes: %v",
				ErrDeltaTooLarge, delta.FromVersion, delta.ToVersion, len(delta.Changes), err)
		}
		return err
	}

	metrics.SkeletonVersion.Set(float64(delta.ToVersion))
	metrics.SkeletonChangesApplied.Add(float64(len(delta.Changes)))
	s.watchers.notify(touched)

	logging.Debug().
		Int64("from", delta.FromVersion).
		Int64("to", delta.ToVersion).
		Int("changes", len(delta.Changes)).
		Msg("Skeleton delta applied")
	return nil
}

// Clear drops every structural row and resets meta to version 0.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := s.loadMeta()
	if err != nil {
		return err
	}

	cleared := meta{Generation: cur.Generation + 1, Stale: cur.Generation}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return storage.SetJSON(txn, s.metaKey, cleared)
	}); err != nil {
		return fmt.Errorf("clear skeleton: %w", err)
	}
	if err := s.dropLeftovers(cleared); err != nil {
		logging.Warn().Err(err).Msg("Cleared skeleton rows not dropped")
	}

	metrics.SkeletonVersion.Set(0)
	s.watchers.notifyAll()
	return nil
}

// AlbumIDsForArtist returns the albums linked to artistID, ordered by
// album id.
func (s *Store) AlbumIDsForArtist(ctx context.Context, artistID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn)
		if err != nil {
			return err
		}
		for _, k := range storage.KeysWithPrefix(txn, rowPrefix(m.Generation, famEdgeByArtist, artistID)) {
			ids = append(ids, storage.LastSegment(k))
		}
		return nil
	})
	return ids, err
}

// ArtistIDsForAlbum returns the artists linked to albumID in credit order.
func (s *Store) ArtistIDsForAlbum(ctx context.Context, albumID string) ([]models.SkeletonAlbumArtist, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.SkeletonAlbumArtist
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn)
		if err != nil {
			return err
		}
		prefix := rowPrefix(m.Generation, famEdgeByAlbum, albumID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ev edgeValue
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, models.SkeletonAlbumArtist{
				AlbumID:     albumID,
				ArtistID:    storage.LastSegment(it.Item().Key()),
				OrderIndex:  ev.OrderIndex,
				IsAppearsOn: ev.IsAppearsOn,
			})
		}
		return nil
	})
	sortEdges(out)
	return out, err
}

// TrackIDsForAlbum returns the tracks of albumID, ordered by track id.
func (s *Store) TrackIDsForAlbum(ctx context.Context, albumID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn)
		if err != nil {
			return err
		}
		for _, k := range storage.KeysWithPrefix(txn, rowPrefix(m.Generation, famAlbumTracks, albumID)) {
			ids = append(ids, storage.LastSegment(k))
		}
		return nil
	})
	return ids, err
}

// AlbumForTrack returns the album a track belongs to.
func (s *Store) AlbumForTrack(ctx context.Context, trackID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var albumID string
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn)
		if err != nil {
			return err
		}
		item, err := txn.Get(rowKey(m.Generation, famTrack, trackID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		albumID, found = string(v), true
		return nil
	})
	return albumID, found, err
}

// HasArtist reports whether the artist is in the skeleton.
func (s *Store) HasArtist(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, famArtist, id)
}

// HasAlbum reports whether the album is in the skeleton.
func (s *Store) HasAlbum(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, famAlbum, id)
}

// HasTrack reports whether the track is in the skeleton.
func (s *Store) HasTrack(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, famTrack, id)
}

func (s *Store) exists(ctx context.Context, fam, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn)
		if err != nil {
			return err
		}
		_, err = txn.Get(rowKey(m.Generation, fam, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		ok = err == nil
		return err
	})
	return ok, err
}

// Counts returns the row counts, read from the maintained counter record.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	var n counts
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn)
		if err != nil {
			return err
		}
		err = storage.GetJSON(txn, rowKey(m.Generation, famCounts), &n)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return Counts(n), err
}
