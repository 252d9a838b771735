// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package main is the entry point for the Prefetchd server.
//
// Prefetchd sits between an image gallery frontend and a token-gated image
// origin. Gallery clients stream viewport signals (element visibility,
// scroll offsets, connection hints) over WebSocket or HTTP; Prefetchd turns
// those signals into a prioritized prefetch schedule, acquires access
// tokens in coalesced batches, and warms the origin's image variants ahead
// of the user's scroll position.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, PREFETCHD_* env vars (Koanf v2)
//  2. Token store: BadgerDB-persisted token cache with batched authorization
//  3. Variant resolver: compressed-path derivation with HEAD existence probes
//  4. Estimators: scroll speed tracker and network quality estimator
//  5. Fetch queue: viewport-priority queue bounded by the active strategy
//  6. Engine: gates signals and composes scroll/network classes into a strategy
//  7. HTTP server: signal ingestion, WebSocket hub, status, and metrics
//
// All long-running work (queue loop, network probe, token sweep, HTTP
// server) runs under a suture supervision tree so a crash in one layer
// restarts only that layer.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - PREFETCHD_* environment variables
//   - Config file (CONFIG_PATH, default config.yaml)
//   - Built-in defaults
//
// The two upstream endpoints are required:
//   - PREFETCHD_AUTHORIZE_URL: token authorization endpoint
//   - PREFETCHD_PROXY_URL: token-gated image proxy endpoint
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections
//   - Waits for in-flight fetches and requests (10s timeout)
//   - Persists the token cache and closes BadgerDB
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/prefetchd/internal/api"
	"github.com/tomtom215/prefetchd/internal/config"
	"github.com/tomtom215/prefetchd/internal/engine"
	"github.com/tomtom215/prefetchd/internal/logging"
	"github.com/tomtom215/prefetchd/internal/netquality"
	"github.com/tomtom215/prefetchd/internal/queue"
	"github.com/tomtom215/prefetchd/internal/scrollwatch"
	"github.com/tomtom215/prefetchd/internal/supervisor"
	"github.com/tomtom215/prefetchd/internal/supervisor/services"
	"github.com/tomtom215/prefetchd/internal/token"
	"github.com/tomtom215/prefetchd/internal/variant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("authorize_url", cfg.Authorize.URL).
		Str("proxy_url", cfg.Proxy.URL).
		Bool("engine_enabled", cfg.Engine.Enabled).
		Msg("Configuration loaded")

	// The origin root hosts the static variant paths probed by the
	// resolver; derive it from the proxy endpoint.
	originBase, err := originRoot(cfg.Proxy.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid proxy URL")
	}

	// Token cache persistence is optional; an empty path runs in-memory.
	var db *badger.DB
	var store *token.Store
	if cfg.Tokens.DBPath != "" {
		opts := badger.DefaultOptions(cfg.Tokens.DBPath)
		opts.Logger = nil // Suppress BadgerDB logs

		db, err = badger.Open(opts)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Tokens.DBPath).Msg("Failed to open token database")
		}
		defer func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing token database")
			}
		}()
		store = token.NewStore(db, logging.With().Str("component", "token-store").Logger())
		logging.Info().Str("path", cfg.Tokens.DBPath).Msg("Token database opened")
	} else {
		logging.Info().Msg("Token persistence disabled (no db_path), running in-memory")
	}

	authClient := token.NewClient(cfg.Authorize.URL, cfg.Authorize.Timeout)
	cache := token.NewCache(authClient, store, token.Options{
		Expiry:       cfg.Tokens.Expiry,
		MaxBytes:     cfg.Tokens.MaxBytes,
		BatchDelay:   cfg.Tokens.BatchDelay,
		MaxBatchSize: cfg.Tokens.MaxBatchSize,
	}, logging.With().Str("component", "token-cache").Logger())

	urls := token.NewURLBuilder(cache, cfg.Proxy.URL)
	resolver := variant.NewResolver(originBase, cfg.Proxy.Timeout, cfg.Tokens.MaxBytes,
		logging.With().Str("component", "variant").Logger())

	tracker := scrollwatch.NewTracker()
	prober := netquality.NewHTTPProber(cfg.Probe.AssetURL, cfg.Probe.Timeout)
	estimator := netquality.New(prober, cfg.Probe.MinInterval, logging.Logger())

	fetcher := queue.NewHTTPFetcher(urls, resolver, originBase, cfg.Queue.FetchTimeout)
	q := queue.New(fetcher, nil, queue.Options{
		FetchTimeout:      cfg.Queue.FetchTimeout,
		ProcessDebounce:   cfg.Queue.ProcessDebounce,
		StrategyRefresh:   cfg.Queue.StrategyRefresh,
		HousekeepInterval: cfg.Queue.HousekeepInterval,
		LoadedKeep:        cfg.Queue.LoadedKeep,
		MaxFailures:       cfg.Queue.MaxFailures,
	}, logging.With().Str("component", "queue").Logger())

	eng := engine.New(q, cache, tracker, estimator, !cfg.Engine.Enabled,
		logging.With().Str("component", "engine").Logger())
	q.SetStrategyFunc(eng.Strategy)

	hub := api.NewHub(eng, logging.With().Str("component", "ws").Logger())
	q.SetOnComplete(hub.BroadcastLoaded)

	handler := api.NewHandler(eng, hub, cfg, logging.With().Str("component", "api").Logger())
	router := api.NewRouter(handler, cfg)
	server := api.NewServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog compatibility.
	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)

	tree.AddEngineService(services.NewQueueService(q))
	tree.AddEngineService(services.NewProbeService(estimator, cfg.Probe.MinInterval))
	tree.AddEngineService(services.NewSweepService(cache, cfg.Tokens.SweepInterval,
		logging.With().Str("component", "sweep").Logger()))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout,
		logging.With().Str("component", "http").Logger()))
	logging.Info().Str("addr", server.Addr).Msg("Services added to supervisor tree")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}

// originRoot strips the path from an endpoint URL, leaving scheme and host.
// Static variant paths are resolved relative to this root.
func originRoot(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q missing scheme or host", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}
