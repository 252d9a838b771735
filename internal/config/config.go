// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package config loads and validates prefetchd configuration.
//
// Configuration is layered: struct defaults first, then an optional YAML
// file, then PREFETCHD_* environment variables. The merged result is
// validated before use.
package config

import (
	"time"
)

// Config is the root configuration for prefetchd.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Authorize AuthorizeConfig `koanf:"authorize"`
	Proxy     ProxyConfig     `koanf:"proxy"`
	Tokens    TokenConfig     `koanf:"tokens"`
	Probe     ProbeConfig     `koanf:"probe"`
	Queue     QueueConfig     `koanf:"queue"`
	Engine    EngineConfig    `koanf:"engine"`
}

// ServerConfig holds the HTTP signal/status server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// AllowedOrigins lists gallery origins permitted by CORS.
	// "*" allows any origin (development only).
	AllowedOrigins []string `koanf:"allowed_origins"`

	// RateLimitReqs / RateLimitWindow bound per-IP request rates on the
	// signal endpoints.
	RateLimitReqs   int           `koanf:"rate_limit_requests" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// AuthorizeConfig points at the external authorization service that issues
// per-asset access tokens.
type AuthorizeConfig struct {
	// URL is the authorize endpoint, e.g. "https://origin.example/api/authorize".
	URL     string        `koanf:"url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout"`
}

// ProxyConfig points at the token-gated image origin.
type ProxyConfig struct {
	// URL is the image proxy endpoint that serves bytes for a token,
	// e.g. "https://origin.example/api/image_proxy".
	URL     string        `koanf:"url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout"`
}

// TokenConfig controls the access token cache.
type TokenConfig struct {
	// DBPath is the BadgerDB directory for the persisted token cache.
	// Empty disables persistence.
	DBPath string `koanf:"db_path"`

	// Expiry is the token validity window. Entries older than this are
	// evicted lazily on read and by the periodic sweep.
	Expiry time.Duration `koanf:"expiry" validate:"gt=0"`

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`

	// MaxBytes is the approximate in-memory accounting ceiling. When
	// exceeded, the oldest 30% of entries are evicted.
	MaxBytes int64 `koanf:"max_bytes" validate:"gt=0"`

	// BatchDelay is the coalescing window for queued token requests.
	BatchDelay time.Duration `koanf:"batch_delay" validate:"gt=0"`

	// MaxBatchSize is the largest number of items per batched
	// authorization call.
	MaxBatchSize int `koanf:"max_batch_size" validate:"gte=1"`
}

// ProbeConfig controls the active network quality probe.
type ProbeConfig struct {
	// AssetURL is a small fixed asset downloaded to measure the network.
	AssetURL string `koanf:"asset_url" validate:"required,url"`

	// MinInterval is the minimum spacing between probes.
	MinInterval time.Duration `koanf:"min_interval" validate:"gt=0"`

	Timeout time.Duration `koanf:"timeout"`
}

// QueueConfig controls the priority fetch queue.
type QueueConfig struct {
	// FetchTimeout bounds each image fetch.
	FetchTimeout time.Duration `koanf:"fetch_timeout" validate:"gt=0"`

	// ProcessDebounce delays queue processing after a burst of
	// intersection changes.
	ProcessDebounce time.Duration `koanf:"process_debounce" validate:"gt=0"`

	// StrategyRefresh is how often the admission width is recomputed.
	StrategyRefresh time.Duration `koanf:"strategy_refresh" validate:"gt=0"`

	// HousekeepInterval is how often loaded bookkeeping is trimmed.
	HousekeepInterval time.Duration `koanf:"housekeep_interval" validate:"gt=0"`

	// LoadedKeep is the number of most recent loaded entries retained.
	LoadedKeep int `koanf:"loaded_keep" validate:"gte=1"`

	// MaxFailures is the consecutive-failure bound after which a
	// candidate is deprioritized.
	MaxFailures int `koanf:"max_failures" validate:"gte=1"`
}

// EngineConfig holds top-level engine settings.
type EngineConfig struct {
	Enabled bool `koanf:"enabled"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8463,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
			RateLimitReqs:   600,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Authorize: AuthorizeConfig{
			URL:     "http://127.0.0.1:8080/api/authorize",
			Timeout: 10 * time.Second,
		},
		Proxy: ProxyConfig{
			URL:     "http://127.0.0.1:8080/api/image_proxy",
			Timeout: 10 * time.Second,
		},
		Tokens: TokenConfig{
			DBPath:        "/data/prefetchd/tokens",
			Expiry:        24 * time.Hour,
			SweepInterval: time.Hour,
			MaxBytes:      50 << 20, // 50MB equivalent units
			BatchDelay:    100 * time.Millisecond,
			MaxBatchSize:  20,
		},
		Probe: ProbeConfig{
			AssetURL:    "http://127.0.0.1:8080/static/icons/probe.svg",
			MinInterval: 30 * time.Second,
			Timeout:     10 * time.Second,
		},
		Queue: QueueConfig{
			FetchTimeout:      10 * time.Second,
			ProcessDebounce:   100 * time.Millisecond,
			StrategyRefresh:   time.Second,
			HousekeepInterval: time.Minute,
			LoadedKeep:        500,
			MaxFailures:       3,
		},
		Engine: EngineConfig{
			Enabled: true,
		},
	}
}
