// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/prefetchd/internal/config"
)

// NewRouter builds the HTTP surface: signal channel, status and control
// endpoints, health, and Prometheus metrics.
func NewRouter(h *Handler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	rateLimit := httprate.Limit(
		cfg.Server.RateLimitReqs,
		cfg.Server.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)

	r.Get("/api/v1/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit)

		r.Get("/status", h.Status)
		r.Get("/connection", h.Connection)
		r.Post("/signals", h.Signals)
		r.Get("/ws", h.WebSocket)

		r.Post("/engine/enable", h.Enable)
		r.Post("/engine/disable", h.Disable)
		r.Post("/cache/clear", h.ClearCache)
	})

	return r
}

// NewServer wraps the router in an http.Server with sane timeouts. The
// WebSocket endpoint needs no WriteTimeout; per-message deadlines handle
// slow clients instead.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
