// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/config"
	"github.com/tomtom215/prefetchd/internal/engine"
	"github.com/tomtom215/prefetchd/internal/netquality"
	"github.com/tomtom215/prefetchd/internal/queue"
	"github.com/tomtom215/prefetchd/internal/scrollwatch"
	"github.com/tomtom215/prefetchd/internal/token"
)

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, queue.Registration) error { return nil }

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

type fixture struct {
	srv    *httptest.Server
	engine *engine.Engine
	queue  *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:  []string{"*"},
			RateLimitReqs:   1000,
			RateLimitWindow: time.Minute,
		},
	}

	cache := token.NewCache(stubAuthorizer{}, nil, token.Options{}, zerolog.Nop())
	q := queue.New(nopFetcher{}, nil, queue.Options{}, zerolog.Nop())
	e := engine.New(q, cache, scrollwatch.NewTracker(), netquality.New(nil, time.Second, zerolog.Nop()), false, zerolog.Nop())
	q.SetStrategyFunc(e.Strategy)

	hub := NewHub(e, zerolog.Nop())
	q.SetOnComplete(hub.BroadcastLoaded)

	h := NewHandler(e, hub, cfg, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(h, cfg))
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, engine: e, queue: q}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) post(t *testing.T, path string, body string) int {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	var body map[string]string
	if code := f.get(t, "/api/v1/health", &body); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected ok status, got %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	var st engine.Status
	if code := f.get(t, "/api/v1/status", &st); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if !st.Enabled {
		t.Error("Expected enabled engine in status")
	}
	if st.NetworkClass != netquality.ClassMedium {
		t.Errorf("Expected medium network class, got %s", st.NetworkClass)
	}
}

func TestEnableDisableEndpoints(t *testing.T) {
	f := newFixture(t)

	if code := f.post(t, "/api/v1/engine/disable", ""); code != http.StatusOK {
		t.Fatalf("Expected 200 from disable, got %d", code)
	}
	if f.engine.Enabled() {
		t.Error("Expected engine disabled")
	}

	if code := f.post(t, "/api/v1/engine/enable", ""); code != http.StatusOK {
		t.Fatalf("Expected 200 from enable, got %d", code)
	}
	if !f.engine.Enabled() {
		t.Error("Expected engine enabled")
	}
}

func TestSignalsEndpointAppliesFrames(t *testing.T) {
	f := newFixture(t)

	payload := `[
		{"type":"observe","id":"42","asset_id":"42","variant":"preview","path":"static/wallpapers/001/a.png"},
		{"type":"visibility","id":"42","ratio":1.0,"viewport_height":800}
	]`
	if code := f.post(t, "/api/v1/signals", payload); code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}

	snap := f.queue.Snapshot()
	if snap.Depth != 1 || snap.Eligible != 1 {
		t.Errorf("Expected observed eligible candidate, got %+v", snap)
	}
}

func TestSignalsEndpointRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	if code := f.post(t, "/api/v1/signals", `{"nope":true}`); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for frame without type, got %d", code)
	}
	if code := f.post(t, "/api/v1/signals", `not json`); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-JSON body, got %d", code)
	}
}

func TestClearCacheEndpoint(t *testing.T) {
	f := newFixture(t)
	f.engine.TokenCache().GetToken(context.Background(), "1", token.VariantPreview, "") //nolint:errcheck

	if code := f.post(t, "/api/v1/cache/clear", ""); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if got := f.engine.TokenCache().Stats().Total; got != 0 {
		t.Errorf("Expected cleared cache, got %d entries", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from metrics, got %d", resp.StatusCode)
	}
}

func TestWebSocketSignalsAndLoadedBroadcast(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/ws"
	header := http.Header{"Origin": []string{"http://gallery.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close() //nolint:errcheck

	frames := []string{
		`{"type":"observe","id":"42","asset_id":"42","variant":"preview","path":"static/wallpapers/001/a.png"}`,
		`{"type":"visibility","id":"42","ratio":1.0,"viewport_height":800}`,
		`{"type":"scroll","offset":1200}`,
	}
	for _, fr := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	// The read loop applies frames asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.queue.Snapshot().Eligible != 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if snap := f.queue.Snapshot(); snap.Eligible != 1 {
		t.Fatalf("Expected eligible candidate from ws frames, got %+v", snap)
	}

	// Admit the fetch; its completion must come back as a loaded frame.
	f.queue.ProcessOnce(context.Background())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var got frame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Type != "loaded" || got.ID != "42" || got.OK == nil || !*got.OK {
		t.Errorf("Expected loaded broadcast for 42, got %+v", got)
	}
}

func TestWebSocketRejectsMissingOrigin(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/ws"
	dialer := websocket.Dialer{}
	_, resp, err := dialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Expected handshake rejection without Origin header")
	}
	if resp != nil {
		resp.Body.Close() //nolint:errcheck
	}
}
