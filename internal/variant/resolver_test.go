// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package variant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/token"
)

func TestCompressedPathPreviewKeepsWallpaperGroup(t *testing.T) {
	got := CompressedPath("static/wallpapers/042/sunset.png", token.VariantPreview)
	want := "static/preview/042/sunset.jpeg"
	if got != want {
		t.Errorf("CompressedPath = %s, want %s", got, want)
	}
}

func TestCompressedPathPreviewHashesUngroupedFiles(t *testing.T) {
	got := CompressedPath("uploads/sunset.png", token.VariantPreview)
	want := "static/preview/" + GroupNumber("sunset.png") + "/sunset.jpeg"
	if got != want {
		t.Errorf("CompressedPath = %s, want %s", got, want)
	}
}

func TestCompressedPathOriginalKeepsDirectory(t *testing.T) {
	got := CompressedPath("static/wallpapers/042/sunset.png", token.VariantOriginal)
	want := "static/wallpapers/042/sunset.jpeg"
	if got != want {
		t.Errorf("CompressedPath = %s, want %s", got, want)
	}
}

func TestCompressedPathNormalizesLeadingSlash(t *testing.T) {
	got := CompressedPath("/static/wallpapers/007/a.png", token.VariantPreview)
	want := "static/preview/007/a.jpeg"
	if got != want {
		t.Errorf("CompressedPath = %s, want %s", got, want)
	}
}

func TestCompressedPathUnknownVariant(t *testing.T) {
	if got := CompressedPath("static/wallpapers/042/a.png", token.Variant("thumb")); got != "" {
		t.Errorf("Expected empty path for unknown variant, got %s", got)
	}
}

func TestGroupNumberDeterministicAndInRange(t *testing.T) {
	names := []string{"sunset.png", "a.jpg", "你好.jpeg", "", "very-long-filename-with-dashes.webp"}
	for _, name := range names {
		first := GroupNumber(name)
		if second := GroupNumber(name); second != first {
			t.Errorf("GroupNumber(%q) not deterministic: %s vs %s", name, first, second)
		}
		n, err := strconv.Atoi(first)
		if err != nil || n < 1 || n > 100 || len(first) != 3 {
			t.Errorf("GroupNumber(%q) = %q, want zero-padded 001-100", name, first)
		}
	}
}

func TestResolvePrefersExistingRendition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Expected HEAD probe, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, time.Second, 0, zerolog.Nop())
	got := r.Resolve(context.Background(), "static/wallpapers/042/sunset.png", token.VariantPreview)
	if got != "static/preview/042/sunset.jpeg" {
		t.Errorf("Expected compressed path, got %s", got)
	}
}

func TestResolveFallsBackWhenRenditionMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, time.Second, 0, zerolog.Nop())
	original := "static/wallpapers/042/sunset.png"
	if got := r.Resolve(context.Background(), original, token.VariantPreview); got != original {
		t.Errorf("Expected fallback to original, got %s", got)
	}
}

func TestResolveFallsBackWhenOriginUnreachable(t *testing.T) {
	r := NewResolver("http://127.0.0.1:1", 100*time.Millisecond, 0, zerolog.Nop())
	original := "static/wallpapers/042/sunset.png"
	if got := r.Resolve(context.Background(), original, token.VariantPreview); got != original {
		t.Errorf("Expected fallback to original, got %s", got)
	}
}

func TestResolveMemoizesOutcome(t *testing.T) {
	var probes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, time.Second, 0, zerolog.Nop())
	for i := 0; i < 3; i++ {
		r.Resolve(context.Background(), "static/wallpapers/042/sunset.png", token.VariantPreview)
	}
	if got := probes.Load(); got != 1 {
		t.Errorf("Expected 1 origin probe for 3 resolves, got %d", got)
	}
	if r.MemoLen() != 1 {
		t.Errorf("Expected 1 memo entry, got %d", r.MemoLen())
	}
}

func TestResolveMemoEviction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	// Ceiling small enough that 20 distinct entries trip evictions.
	r := NewResolver(srv.URL, time.Second, 500, zerolog.Nop())
	for i := 0; i < 20; i++ {
		r.Resolve(context.Background(), "static/wallpapers/042/img-"+strconv.Itoa(i)+".png", token.VariantPreview)
	}
	if r.MemoLen() >= 20 {
		t.Errorf("Expected eviction to cap memo, got %d entries", r.MemoLen())
	}
}
