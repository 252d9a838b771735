// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package token

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/metrics"
)

// pendingRequest coordinates concurrent GetToken calls for the same key.
// Exactly one caller performs the authorization; the rest wait on done and
// read the shared result. Result fields are written before done closes.
type pendingRequest struct {
	done  chan struct{}
	token string
	ok    bool
	err   error
}

// Options configures a Cache.
type Options struct {
	// Expiry is the token validity window.
	Expiry time.Duration

	// MaxBytes is the approximate in-memory accounting ceiling. Exceeding
	// it evicts the oldest 30% of entries.
	MaxBytes int64

	// BatchDelay is the debounce window for QueueBatchRequest.
	BatchDelay time.Duration

	// MaxBatchSize bounds items per combined authorization call.
	MaxBatchSize int

	// Clock defaults to real time; tests inject a fake.
	Clock Clock
}

// Cache memoizes access tokens keyed by (assetID, variant). It guarantees at
// most one outstanding authorization request per key, mirrors every mutation
// to the persistent store, and expires entries lazily on read plus via
// SweepExpired.
type Cache struct {
	mu      sync.Mutex
	entries map[string]persistedEntry
	pending map[string]*pendingRequest
	bytes   int64

	auth    Authorizer
	store   *Store
	batcher *Batcher
	clock   Clock

	expiry   time.Duration
	maxBytes int64
	log      zerolog.Logger
}

// NewCache creates a cache backed by the given authorizer and store. The
// persisted map is loaded immediately; expired entries are dropped during
// the load. store may be nil for a purely in-memory cache.
func NewCache(auth Authorizer, store *Store, opts Options, log zerolog.Logger) *Cache {
	if opts.Expiry <= 0 {
		opts.Expiry = 24 * time.Hour
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 << 20
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}

	c := &Cache{
		entries:  map[string]persistedEntry{},
		pending:  map[string]*pendingRequest{},
		auth:     auth,
		store:    store,
		clock:    opts.Clock,
		expiry:   opts.Expiry,
		maxBytes: opts.MaxBytes,
		log:      log,
	}
	c.batcher = NewBatcher(opts.Clock, opts.BatchDelay, opts.MaxBatchSize, c.GetBatchTokens, log)

	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			log.Warn().Err(err).Msg("token cache load failed, starting empty")
		} else {
			now := c.clock.Now()
			for key, e := range loaded {
				if c.validAt(e, now) {
					c.entries[key] = e
					c.bytes += entryBytes(key, e)
				}
			}
			log.Info().Int("entries", len(c.entries)).Msg("token cache loaded")
		}
	}
	return c
}

func entryBytes(key string, e persistedEntry) int64 {
	return int64(len(key)+len(e.Token)+len(e.AssetID)+len(e.Variant)+len(e.ImagePath)) + 48
}

func (c *Cache) validAt(e persistedEntry, now time.Time) bool {
	return e.Token != "" && now.UnixMilli()-e.Timestamp < c.expiry.Milliseconds()
}

// GetToken returns a valid token for (assetID, variant), acquiring one if
// necessary. An in-flight request for the same key is awaited rather than
// duplicated. Application-level denial yields ("", false, nil); the returned
// error covers transport failures only.
func (c *Cache) GetToken(ctx context.Context, assetID string, variant Variant, imagePath string) (string, bool, error) {
	key := CacheKey(assetID, variant)
	if imagePath == "" {
		imagePath = DefaultImagePath(assetID, variant)
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if c.validAt(e, c.clock.Now()) {
			c.mu.Unlock()
			metrics.TokenCacheHits.Inc()
			return e.Token, true, nil
		}
		c.removeLocked(key, "expired")
	}
	if p, ok := c.pending[key]; ok {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.token, p.ok, p.err
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	p := &pendingRequest{done: make(chan struct{})}
	c.pending[key] = p
	c.mu.Unlock()
	metrics.TokenCacheMisses.Inc()

	grant, err := c.auth.Authorize(ctx, assetID, variant, imagePath)

	c.mu.Lock()
	delete(c.pending, key)
	switch {
	case err == nil:
		p.token, p.ok = grant.Token, true
		c.putLocked(assetID, variant, grant, imagePath)
		c.persistLocked()
		metrics.TokenRequests.WithLabelValues("single", "ok").Inc()
	case errors.Is(err, ErrDenied):
		metrics.TokenRequests.WithLabelValues("single", "denied").Inc()
		c.log.Debug().Str("key", key).Err(err).Msg("authorization denied")
	default:
		p.err = err
		metrics.TokenRequests.WithLabelValues("single", "error").Inc()
	}
	c.mu.Unlock()
	close(p.done)

	return p.token, p.ok, p.err
}

// GetBatchTokens resolves tokens for all items, serving cached entries
// immediately and issuing one combined authorization call for the rest.
// Per-item errors in the batch response are logged and the item is simply
// absent from the result.
func (c *Cache) GetBatchTokens(ctx context.Context, items []BatchItem) (map[string]string, error) {
	result := make(map[string]string, len(items))
	var needed []BatchItem
	seen := map[string]bool{}

	c.mu.Lock()
	now := c.clock.Now()
	for _, it := range items {
		key := it.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		if e, ok := c.entries[key]; ok {
			if c.validAt(e, now) {
				result[key] = e.Token
				metrics.TokenCacheHits.Inc()
				continue
			}
			c.removeLocked(key, "expired")
		}
		metrics.TokenCacheMisses.Inc()
		if it.ImagePath == "" {
			it.ImagePath = DefaultImagePath(it.AssetID, it.Variant)
		}
		needed = append(needed, it)
	}
	c.mu.Unlock()

	if len(needed) == 0 {
		return result, nil
	}

	br, err := c.auth.AuthorizeBatch(ctx, needed)
	if err != nil {
		metrics.TokenRequests.WithLabelValues("batch", "error").Inc()
		return result, err
	}
	metrics.TokenRequests.WithLabelValues("batch", "ok").Inc()

	c.mu.Lock()
	for _, it := range needed {
		tok, ok := br.Tokens[it.Key()]
		if !ok || tok == "" {
			continue
		}
		result[it.Key()] = tok
		c.putLocked(it.AssetID, it.Variant, Grant{Token: tok, ImagePath: it.ImagePath}, it.ImagePath)
	}
	c.persistLocked()
	c.mu.Unlock()

	for _, e := range br.Errors {
		c.log.Warn().Str("key", e.Key).Str("message", e.Message).Msg("batch item authorization failed")
	}
	return result, nil
}

// QueueBatchRequest is the debounced batching entry point: cache hits return
// immediately, misses join the next coalesced authorization call.
func (c *Cache) QueueBatchRequest(ctx context.Context, assetID string, variant Variant, imagePath string) (string, bool, error) {
	key := CacheKey(assetID, variant)
	if imagePath == "" {
		imagePath = DefaultImagePath(assetID, variant)
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.validAt(e, c.clock.Now()) {
		c.mu.Unlock()
		metrics.TokenCacheHits.Inc()
		return e.Token, true, nil
	}
	c.mu.Unlock()

	ch := c.batcher.Enqueue(BatchItem{AssetID: assetID, Variant: variant, ImagePath: imagePath})
	select {
	case out := <-ch:
		return out.token, out.ok, out.err
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// RefreshToken bypasses the cache and re-authorizes. Used when the origin
// rejects a previously issued token.
func (c *Cache) RefreshToken(ctx context.Context, assetID string, variant Variant) (string, bool, error) {
	key := CacheKey(assetID, variant)

	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.removeLocked(key, "expired")
		c.persistLocked()
	}
	c.mu.Unlock()

	grant, err := c.auth.Refresh(ctx, assetID, variant)
	if err != nil {
		if errors.Is(err, ErrDenied) {
			metrics.TokenRequests.WithLabelValues("refresh", "denied").Inc()
			return "", false, nil
		}
		metrics.TokenRequests.WithLabelValues("refresh", "error").Inc()
		return "", false, err
	}
	metrics.TokenRequests.WithLabelValues("refresh", "ok").Inc()

	c.mu.Lock()
	c.putLocked(assetID, variant, grant, grant.ImagePath)
	c.persistLocked()
	c.mu.Unlock()
	return grant.Token, true, nil
}

// SweepExpired drops all expired entries and returns how many were removed.
// Runs hourly under the supervision tree.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var removed int
	for key, e := range c.entries {
		if !c.validAt(e, now) {
			c.removeLocked(key, "expired")
			removed++
		}
	}
	if removed > 0 {
		c.persistLocked()
	}
	return removed
}

// ClearAll empties the cache and the persisted store.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for range c.entries {
		metrics.TokenCacheEvictions.WithLabelValues("clear").Inc()
	}
	c.entries = map[string]persistedEntry{}
	c.bytes = 0
	c.persistLocked()
}

// Stats returns a snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	s := Stats{
		Total:   len(c.entries),
		Pending: len(c.pending),
		Queued:  c.batcher.QueuedLen(),
		Bytes:   c.bytes,
	}
	for _, e := range c.entries {
		if c.validAt(e, now) {
			s.Valid++
		} else {
			s.Expired++
		}
	}
	return s
}

// putLocked caches a grant and evicts if the byte ceiling is exceeded.
// Caller holds c.mu.
func (c *Cache) putLocked(assetID string, variant Variant, grant Grant, imagePath string) {
	key := CacheKey(assetID, variant)
	if old, ok := c.entries[key]; ok {
		c.bytes -= entryBytes(key, old)
	}
	path := grant.ImagePath
	if path == "" {
		path = imagePath
	}
	e := persistedEntry{
		Token:     grant.Token,
		Timestamp: c.clock.Now().UnixMilli(),
		AssetID:   assetID,
		Variant:   variant,
		ImagePath: path,
	}
	c.entries[key] = e
	c.bytes += entryBytes(key, e)
	c.evictIfOverLocked()
}

// removeLocked drops one entry and records the eviction reason. Caller
// holds c.mu.
func (c *Cache) removeLocked(key, reason string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.bytes -= entryBytes(key, e)
	delete(c.entries, key)
	metrics.TokenCacheEvictions.WithLabelValues(reason).Inc()
}

// evictIfOverLocked removes the oldest 30% of entries when the byte
// accounting exceeds the ceiling. Caller holds c.mu.
func (c *Cache) evictIfOverLocked() {
	if c.bytes <= c.maxBytes || len(c.entries) == 0 {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].Timestamp < c.entries[keys[j]].Timestamp
	})

	drop := int(math.Ceil(float64(len(keys)) * 0.3))
	for _, key := range keys[:drop] {
		c.removeLocked(key, "capacity")
	}
	c.log.Info().Int("evicted", drop).Int64("bytes", c.bytes).Msg("token cache capacity eviction")
}

// persistLocked mirrors the in-memory map to the store. Persistence
// failures are logged and otherwise ignored; the in-memory cache remains
// authoritative. Caller holds c.mu.
func (c *Cache) persistLocked() {
	if c.store == nil {
		return
	}
	if err := c.store.Save(c.entries); err != nil {
		c.log.Warn().Err(err).Msg("token cache persist failed")
	}
}
