// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/netquality"
	"github.com/tomtom215/prefetchd/internal/queue"
	"github.com/tomtom215/prefetchd/internal/scrollwatch"
	"github.com/tomtom215/prefetchd/internal/token"
	"github.com/tomtom215/prefetchd/internal/viewport"
)

type nopFetcher struct {
	count atomic.Int64
}

func (n *nopFetcher) Fetch(context.Context, queue.Registration) error {
	n.count.Add(1)
	return nil
}

type stubAuthorizer struct{}

func (stubAuthorizer) Authorize(_ context.Context, assetID string, variant token.Variant, _ string) (token.Grant, error) {
	return token.Grant{Token: "t-" + token.CacheKey(assetID, variant)}, nil
}

func (stubAuthorizer) AuthorizeBatch(_ context.Context, items []token.BatchItem) (token.BatchResult, error) {
	tokens := map[string]string{}
	for _, it := range items {
		tokens[it.Key()] = "t-" + it.Key()
	}
	return token.BatchResult{Tokens: tokens}, nil
}

func (stubAuthorizer) Refresh(_ context.Context, assetID string, variant token.Variant) (token.Grant, error) {
	return token.Grant{Token: "t-" + token.CacheKey(assetID, variant)}, nil
}

func newTestEngine(t *testing.T) (*Engine, *nopFetcher) {
	t.Helper()
	ff := &nopFetcher{}
	cache := token.NewCache(stubAuthorizer{}, nil, token.Options{}, zerolog.Nop())
	q := queue.New(ff, nil, queue.Options{}, zerolog.Nop())
	e := New(q, cache, scrollwatch.NewTracker(), netquality.New(nil, time.Second, zerolog.Nop()), false, zerolog.Nop())
	q.SetStrategyFunc(e.Strategy)
	return e, ff
}

func fullyVisible(id string) viewport.VisibilityEvent {
	return viewport.VisibilityEvent{CandidateID: id, Ratio: 1.0, ViewportHeight: 800, At: time.Now()}
}

func TestStrategyReflectsGate(t *testing.T) {
	e, _ := newTestEngine(t)

	if s := e.Strategy(); s.Paused() {
		t.Fatalf("Expected active strategy while enabled, got %+v", s)
	}

	e.Disable()
	if s := e.Strategy(); !s.Paused() {
		t.Errorf("Expected paused strategy while disabled, got %+v", s)
	}

	e.Enable()
	if s := e.Strategy(); s.Paused() {
		t.Errorf("Expected strategy restored after enable, got %+v", s)
	}
}

func TestDisabledEngineDropsSignals(t *testing.T) {
	e, ff := newTestEngine(t)
	e.Disable()

	e.Observe(queue.Registration{ID: "a", AssetID: "a", Variant: token.VariantPreview})
	e.HandleVisibility(fullyVisible("a"))
	e.HandleScroll(viewport.ScrollEvent{Offset: 100, At: time.Now()})
	e.Queue().ProcessOnce(context.Background())
	time.Sleep(20 * time.Millisecond)

	if got := ff.count.Load(); got != 0 {
		t.Errorf("Expected no fetches while disabled, got %d", got)
	}
	if snap := e.Queue().Snapshot(); snap.Eligible != 0 {
		t.Errorf("Expected dropped visibility signal, got %+v", snap)
	}
	// Registration itself is not gated.
	if snap := e.Queue().Snapshot(); snap.Depth != 1 {
		t.Errorf("Expected candidate registered while disabled, got %+v", snap)
	}
}

func TestEnableResumesPrefetching(t *testing.T) {
	e, ff := newTestEngine(t)
	e.Disable()
	e.Observe(queue.Registration{ID: "a", AssetID: "a", Variant: token.VariantPreview})

	e.Enable()
	e.HandleVisibility(fullyVisible("a"))
	e.Queue().SetStrategyFunc(e.Strategy)
	e.Queue().ProcessOnce(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && e.Queue().Snapshot().Loaded != 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := ff.count.Load(); got != 1 {
		t.Errorf("Expected 1 fetch after enable, got %d", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Observe(queue.Registration{ID: "a", AssetID: "a", Variant: token.VariantPreview})

	st := e.Status()
	if !st.Enabled {
		t.Error("Expected enabled status")
	}
	if st.ScrollClass != scrollwatch.ClassSlow {
		t.Errorf("Expected slow scroll class for idle viewport, got %s", st.ScrollClass)
	}
	if st.NetworkClass != netquality.ClassMedium {
		t.Errorf("Expected medium network class with no signal, got %s", st.NetworkClass)
	}
	if st.Queue.Depth != 1 {
		t.Errorf("Expected queue depth 1, got %d", st.Queue.Depth)
	}
	if st.Strategy.MaxConcurrent <= 0 {
		t.Errorf("Expected active strategy in status, got %+v", st.Strategy)
	}
}

func TestClearTokenCache(t *testing.T) {
	e, _ := newTestEngine(t)

	e.TokenCache().GetToken(context.Background(), "a", token.VariantPreview, "") //nolint:errcheck
	if e.TokenCache().Stats().Total != 1 {
		t.Fatal("Expected warmed cache")
	}

	e.ClearTokenCache()
	if got := e.TokenCache().Stats().Total; got != 0 {
		t.Errorf("Expected empty cache, got %d entries", got)
	}
}
