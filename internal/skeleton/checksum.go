// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package skeleton

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/catalogsync/internal/storage"
)

// ChecksumPrefix marks checksums computed with ComputeChecksum's scheme.
const ChecksumPrefix = "sha256:"

// ComputeChecksum hashes the live structural id sets the way the catalog
// server does: SHA-256 over every artist id, then every album id, then
// every track id, each in byte order and followed by a newline.
func (s *Store) ComputeChecksum(ctx context.Context) (string, error) {
	h := sha256.New()
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn)
		if err != nil {
			return err
		}
		for _, fam := range []string{famArtist, famAlbum, famTrack} {
			if err := ctx.Err(); err != nil {
				return err
			}
			hashIDs(h, storage.KeysWithPrefix(txn, rowPrefix(m.Generation, fam)))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ChecksumPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumOf computes the same checksum for an in-memory id set. The
// slices are sorted in place.
func ChecksumOf(artists, albums, tracks []string) string {
	h := sha256.New()
	for _, ids := range [][]string{artists, albums, tracks} {
		slices.Sort(ids)
		for _, id := range ids {
			h.Write([]byte(id))
			h.Write([]byte{'\n'})
		}
	}
	return ChecksumPrefix + hex.EncodeToString(h.Sum(nil))
}

func hashIDs(h hash.Hash, keys [][]byte) {
	for _, k := range keys {
		h.Write([]byte(storage.LastSegment(k)))
		h.Write([]byte{'\n'})
	}
}
