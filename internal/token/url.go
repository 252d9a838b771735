// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package token

import (
	"context"
	"net/url"
	"strconv"
)

// URLOptions carries the optional transform parameters embedded in a proxy
// URL.
type URLOptions struct {
	ImagePath string
	Quality   int
	Width     int
	Height    int
	Download  bool
}

// URLBuilder constructs image proxy URLs, authorized when a token is
// obtainable and falling back to the raw-path form otherwise.
type URLBuilder struct {
	cache    *Cache
	proxyURL string
}

// NewURLBuilder creates a builder targeting the given proxy endpoint.
func NewURLBuilder(cache *Cache, proxyURL string) *URLBuilder {
	return &URLBuilder{cache: cache, proxyURL: proxyURL}
}

// BuildAuthorizedURL returns a usable proxy URL for the asset. It never
// fails: any token acquisition problem (denial, transport error, timeout)
// degrades to the unauthenticated path form, flagged via the OK field.
func (b *URLBuilder) BuildAuthorizedURL(ctx context.Context, assetID string, variant Variant, opts URLOptions) Authorization {
	path := opts.ImagePath
	if path == "" {
		path = DefaultImagePath(assetID, variant)
	}

	tok, ok, err := b.cache.GetToken(ctx, assetID, variant, path)

	q := url.Values{}
	if err == nil && ok {
		q.Set("token", tok)
	} else {
		q.Set("path", path)
	}
	if opts.Quality > 0 {
		q.Set("quality", strconv.Itoa(opts.Quality))
	}
	if opts.Width > 0 {
		q.Set("w", strconv.Itoa(opts.Width))
	}
	if opts.Height > 0 {
		q.Set("h", strconv.Itoa(opts.Height))
	}
	if opts.Download {
		q.Set("download", "1")
	}

	return Authorization{
		URL: b.proxyURL + "?" + q.Encode(),
		OK:  err == nil && ok,
	}
}
