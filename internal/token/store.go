// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package token

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// cacheStoreKey is the single BadgerDB key holding the serialized cache.
// The whole cache is one JSON map, read at startup and rewritten after
// every mutation.
const cacheStoreKey = "token_cache"

// persistedEntry mirrors one cached token on disk.
type persistedEntry struct {
	Token     string  `json:"token"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	AssetID   string  `json:"assetId"`
	Variant   Variant `json:"variant"`
	ImagePath string  `json:"image_path"`
}

// Store persists the token cache in BadgerDB.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

// NewStore creates a store on an open BadgerDB handle. The handle's
// lifecycle belongs to the caller.
func NewStore(db *badger.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// Load reads the persisted cache map. A missing key yields an empty map.
// A corrupt value is treated per the CacheCorruption policy: the stored
// entry is dropped, a warning is logged, and an empty map is returned so
// the caller proceeds uncached.
func (s *Store) Load() (map[string]persistedEntry, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cacheStoreKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get token cache: %w", err)
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return map[string]persistedEntry{}, nil
	}

	entries := map[string]persistedEntry{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.log.Warn().Err(err).Msg("token cache store corrupt, resetting")
		if derr := s.Reset(); derr != nil {
			s.log.Error().Err(derr).Msg("failed to reset corrupt token cache store")
		}
		return map[string]persistedEntry{}, nil
	}
	return entries, nil
}

// Save rewrites the persisted cache map.
func (s *Store) Save(entries map[string]persistedEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal token cache: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cacheStoreKey), data)
	})
}

// Reset deletes the persisted cache entry.
func (s *Store) Reset() error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(cacheStoreKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
