// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/prefetchd/config.yaml",
	"/etc/prefetchd/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix is the prefix for environment variable overrides, e.g.
// PREFETCHD_SERVER_PORT=9000 sets server.port.
const envPrefix = "PREFETCHD_"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: struct defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional YAML file.
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables, mapped through an explicit table so
	// nested keys with underscores stay unambiguous.
	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile returns the first existing config file path, honoring the
// CONFIG_PATH override. Empty means "run on defaults and env only".
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps PREFETCHD_* environment variables to config keys.
// Unknown variables are dropped (returning "" skips the key).
//
// Examples:
//   - PREFETCHD_SERVER_PORT -> server.port
//   - PREFETCHD_TOKENS_MAX_BATCH_SIZE -> tokens.max_batch_size
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	envMappings := map[string]string{
		"server_host":                "server.host",
		"server_port":                "server.port",
		"server_shutdown_timeout":    "server.shutdown_timeout",
		"server_allowed_origins":     "server.allowed_origins",
		"server_rate_limit_requests": "server.rate_limit_requests",
		"server_rate_limit_window":   "server.rate_limit_window",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		"authorize_url":     "authorize.url",
		"authorize_timeout": "authorize.timeout",
		"proxy_url":         "proxy.url",
		"proxy_timeout":     "proxy.timeout",

		"tokens_db_path":        "tokens.db_path",
		"tokens_expiry":         "tokens.expiry",
		"tokens_sweep_interval": "tokens.sweep_interval",
		"tokens_max_bytes":      "tokens.max_bytes",
		"tokens_batch_delay":    "tokens.batch_delay",
		"tokens_max_batch_size": "tokens.max_batch_size",

		"probe_asset_url":    "probe.asset_url",
		"probe_min_interval": "probe.min_interval",
		"probe_timeout":      "probe.timeout",

		"queue_fetch_timeout":      "queue.fetch_timeout",
		"queue_process_debounce":   "queue.process_debounce",
		"queue_strategy_refresh":   "queue.strategy_refresh",
		"queue_housekeep_interval": "queue.housekeep_interval",
		"queue_loaded_keep":        "queue.loaded_keep",
		"queue_max_failures":       "queue.max_failures",

		"engine_enabled": "engine.enabled",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

// Validate checks structural validity of the configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Env vars can only lower these below defaults, never disable them.
	if c.Tokens.MaxBatchSize > 100 {
		return fmt.Errorf("invalid configuration: tokens.max_batch_size %d exceeds 100", c.Tokens.MaxBatchSize)
	}
	return nil
}
