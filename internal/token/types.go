// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package token caches short-lived, per-asset access tokens obtained from an
// external authorization endpoint. It supports single-item acquisition with
// in-flight de-duplication, batched acquisition with debounced coalescing,
// and authorized URL construction with an unauthenticated fallback.
package token

import "fmt"

// Variant selects which derived asset a token authorizes.
type Variant string

const (
	VariantPreview  Variant = "preview"
	VariantOriginal Variant = "original"
)

// CacheKey returns the cache key for an (assetID, variant) pair. The same
// key format travels over the batch wire protocol.
func CacheKey(assetID string, variant Variant) string {
	return assetID + "_" + string(variant)
}

// DefaultImagePath builds the conventional asset path when the caller
// supplies none.
func DefaultImagePath(assetID string, variant Variant) string {
	if variant == VariantOriginal {
		return fmt.Sprintf("static/wallpapers/%s/image.jpg", assetID)
	}
	return fmt.Sprintf("static/preview/%s/image.jpeg", assetID)
}

// Grant is a successful authorization result for one asset/variant.
type Grant struct {
	Token     string
	ImagePath string
}

// BatchItem identifies one asset/variant awaiting batched authorization.
type BatchItem struct {
	AssetID   string
	Variant   Variant
	ImagePath string
}

// Key returns the item's cache key.
func (i BatchItem) Key() string {
	return CacheKey(i.AssetID, i.Variant)
}

// BatchItemError is a per-item failure reported inside an otherwise
// successful batch response.
type BatchItemError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// BatchResult carries the merged outcome of one batched authorization call.
type BatchResult struct {
	Tokens map[string]string
	Errors []BatchItemError
}

// Authorization is the outcome of BuildAuthorizedURL. URL is always usable;
// OK reports whether it carries a token or the unauthenticated fallback form.
type Authorization struct {
	URL string
	OK  bool
}

// Fallback reports whether the URL is the unauthenticated path form.
func (a Authorization) Fallback() bool {
	return !a.OK
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	Total   int   `json:"total"`
	Valid   int   `json:"valid"`
	Expired int   `json:"expired"`
	Pending int   `json:"pending"`
	Queued  int   `json:"queued"`
	Bytes   int64 `json:"bytes"`
}
