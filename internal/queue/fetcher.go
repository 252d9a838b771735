// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tomtom215/prefetchd/internal/token"
	"github.com/tomtom215/prefetchd/internal/variant"
)

// Fetcher retrieves the bytes for one registered candidate. The queue
// treats any returned error as a retriable failure.
type Fetcher interface {
	Fetch(ctx context.Context, reg Registration) error
}

// HTTPFetcher resolves the best variant path, builds an authorized proxy
// URL, and downloads the image. Bodies are drained and discarded; the
// engine warms origin and proxy caches, it does not store pixels.
type HTTPFetcher struct {
	client   *http.Client
	urls     *token.URLBuilder
	resolver *variant.Resolver
	baseURL  string
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher. baseURL prefixes relative proxy URLs;
// resolver may be nil to skip rendition resolution.
func NewHTTPFetcher(urls *token.URLBuilder, resolver *variant.Resolver, baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		urls:     urls,
		resolver: resolver,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, reg Registration) error {
	path := reg.RawPath
	if f.resolver != nil && path != "" {
		path = f.resolver.Resolve(ctx, path, reg.Variant)
	}

	opts := token.URLOptions{ImagePath: path}
	if profile, ok := variant.Profiles[reg.Variant]; ok {
		opts.Quality = int(profile.Quality * 100)
		opts.Width = profile.MaxWidth
		opts.Height = profile.MaxHeight
	}
	auth := f.urls.BuildAuthorizedURL(ctx, reg.AssetID, reg.Variant, opts)

	target := auth.URL
	if strings.HasPrefix(target, "/") {
		target = f.baseURL + target
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", reg.ID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetch %s: status %d", reg.ID, resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("fetch %s: read: %w", reg.ID, err)
	}
	return nil
}
