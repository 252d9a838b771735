// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package api exposes the engine over HTTP: a WebSocket signal channel for
// the gallery client, JSON status and control endpoints, and Prometheus
// metrics.
package api

import (
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/config"
	"github.com/tomtom215/prefetchd/internal/engine"
)

// Handler carries the HTTP endpoint implementations.
type Handler struct {
	engine *engine.Engine
	hub    *Hub
	cfg    *config.Config
	log    zerolog.Logger
}

// NewHandler creates the endpoint set.
func NewHandler(e *engine.Engine, hub *Hub, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{engine: e, hub: hub, cfg: cfg, log: log}
}

// respond writes a JSON body. Encoding failures are logged; headers are
// already gone at that point.
func (h *Handler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("response encoding failed")
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns the engine's full introspection snapshot.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, h.engine.Status())
}

// Connection returns the current connection info and classification.
func (h *Handler) Connection(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{
		"connection": h.engine.Estimator().Info(),
		"class":      h.engine.Estimator().Classify(),
	})
}

// Enable turns prefetching on.
func (h *Handler) Enable(w http.ResponseWriter, _ *http.Request) {
	h.engine.Enable()
	h.respond(w, http.StatusOK, map[string]bool{"enabled": true})
}

// Disable pauses prefetching without losing queue or cache state.
func (h *Handler) Disable(w http.ResponseWriter, _ *http.Request) {
	h.engine.Disable()
	h.respond(w, http.StatusOK, map[string]bool{"enabled": false})
}

// ClearCache empties the token cache and its persisted mirror.
func (h *Handler) ClearCache(w http.ResponseWriter, _ *http.Request) {
	h.engine.ClearTokenCache()
	h.respond(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Signals is the HTTP fallback for clients without WebSocket support: a
// POST body carrying one frame or an array of frames.
func (h *Handler) Signals(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable signal payload")
		return
	}

	var frames []frame
	if err := json.Unmarshal(data, &frames); err != nil {
		var single frame
		if err := json.Unmarshal(data, &single); err != nil || single.Type == "" {
			h.respondError(w, http.StatusBadRequest, "malformed signal payload")
			return
		}
		frames = []frame{single}
	}

	for _, f := range frames {
		h.hub.apply(f)
	}
	h.respond(w, http.StatusAccepted, map[string]int{"accepted": len(frames)})
}

// WebSocket upgrades to the signal channel.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.serve(conn)
}

// checkOrigin validates the Origin header against the configured allow
// list. Non-browser clients omitting Origin are rejected.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if h.cfg == nil {
		return true
	}
	for _, allowed := range h.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.log.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respond(w, status, map[string]string{"error": msg})
}
