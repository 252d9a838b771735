// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package variant resolves which derived asset to request for an original
// image path. A compressed rendition is preferred when the origin has one;
// otherwise the original path is returned unchanged. Results are memoized
// in a byte-bounded map.
package variant

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/token"
)

// Profile describes the transform applied to one variant server-side. The
// resolver only needs Format to derive the rendition filename; the
// dimensions and quality feed the proxy URL parameters.
type Profile struct {
	MaxWidth  int
	MaxHeight int
	Quality   float64
	Format    string
}

// Profiles indexes the transform profiles by variant.
var Profiles = map[token.Variant]Profile{
	token.VariantPreview:  {MaxWidth: 1200, MaxHeight: 900, Quality: 0.95, Format: "jpeg"},
	token.VariantOriginal: {MaxWidth: 1920, MaxHeight: 1080, Quality: 0.95, Format: "jpeg"},
}

// simpleHash is the 32-bit string hash used for group assignment:
// h = h*31 + c with signed wraparound, absolute value taken at the end.
func simpleHash(s string) int64 {
	var h int32
	for _, c := range []byte(s) {
		h = (h << 5) - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v
}

// GroupNumber returns the deterministic storage group (001-100) for a
// filename that carries no group directory of its own.
func GroupNumber(filename string) string {
	return fmt.Sprintf("%03d", simpleHash(filename)%100+1)
}

// CompressedPath derives the rendition path for an original asset path.
// Preview renditions live under static/preview/<group>/; the group comes
// from the original's wallpaper directory when present, else from the
// filename hash. An empty return means no rendition path can be derived.
func CompressedPath(originalPath string, v token.Variant) string {
	profile, ok := Profiles[v]
	if !ok {
		return ""
	}

	normalized := strings.TrimPrefix(originalPath, "/")
	dir, filename := path.Split(normalized)
	dir = strings.Trim(dir, "/")
	if filename == "" {
		return ""
	}
	name := strings.SplitN(filename, ".", 2)[0]
	rendition := name + "." + profile.Format

	if v == token.VariantPreview {
		group := GroupNumber(filename)
		parts := strings.Split(dir, "/")
		if len(parts) >= 3 && parts[0] == "static" && parts[1] == "wallpapers" {
			group = parts[2]
		}
		return "static/preview/" + group + "/" + rendition
	}

	if dir == "" {
		return rendition
	}
	return dir + "/" + rendition
}

// Resolver checks rendition existence against the asset origin and caches
// the outcome.
type Resolver struct {
	mu    sync.Mutex
	memo  map[string]string
	order []string
	bytes int64

	client   *http.Client
	baseURL  string
	maxBytes int64
	log      zerolog.Logger
}

// NewResolver creates a resolver probing the given origin base URL. A zero
// maxBytes defaults to 50MB of memoized entries.
func NewResolver(baseURL string, timeout time.Duration, maxBytes int64, log zerolog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	return &Resolver{
		memo:     map[string]string{},
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: maxBytes,
		log:      log,
	}
}

// Resolve returns the path to fetch for (originalPath, variant): the
// compressed rendition when the origin has it, the original otherwise.
// Never fails; any probe problem falls back to the original path.
func (r *Resolver) Resolve(ctx context.Context, originalPath string, v token.Variant) string {
	key := originalPath + "_" + string(v)

	r.mu.Lock()
	if cached, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	resolved := originalPath
	if compressed := CompressedPath(originalPath, v); compressed != "" && r.exists(ctx, compressed) {
		resolved = compressed
	}

	r.mu.Lock()
	r.putLocked(key, resolved)
	r.mu.Unlock()
	return resolved
}

// exists probes the origin with a HEAD request. Errors count as absent.
func (r *Resolver) exists(ctx context.Context, assetPath string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.baseURL+"/"+assetPath, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug().Err(err).Str("path", assetPath).Msg("rendition probe failed")
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// putLocked memoizes one resolution, evicting the oldest 30% of entries
// when the byte accounting exceeds the ceiling. Caller holds r.mu.
func (r *Resolver) putLocked(key, value string) {
	if _, ok := r.memo[key]; ok {
		return
	}
	size := int64(len(key) + len(value))
	if r.bytes+size > r.maxBytes {
		r.evictLocked()
	}
	r.memo[key] = value
	r.order = append(r.order, key)
	r.bytes += size
}

func (r *Resolver) evictLocked() {
	drop := int(math.Ceil(float64(len(r.order)) * 0.3))
	for _, key := range r.order[:drop] {
		if v, ok := r.memo[key]; ok {
			r.bytes -= int64(len(key) + len(v))
			delete(r.memo, key)
		}
	}
	r.order = append([]string(nil), r.order[drop:]...)
	r.log.Debug().Int("evicted", drop).Msg("variant memo eviction")
}

// MemoLen reports the memoized entry count.
func (r *Resolver) MemoLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.memo)
}
