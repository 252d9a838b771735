// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() with defaults failed: %v", err)
	}

	if cfg.Tokens.Expiry != 24*time.Hour {
		t.Errorf("Expected 24h token expiry, got %v", cfg.Tokens.Expiry)
	}
	if cfg.Tokens.MaxBatchSize != 20 {
		t.Errorf("Expected max batch size 20, got %d", cfg.Tokens.MaxBatchSize)
	}
	if cfg.Tokens.BatchDelay != 100*time.Millisecond {
		t.Errorf("Expected 100ms batch delay, got %v", cfg.Tokens.BatchDelay)
	}
	if cfg.Queue.FetchTimeout != 10*time.Second {
		t.Errorf("Expected 10s fetch timeout, got %v", cfg.Queue.FetchTimeout)
	}
	if cfg.Queue.LoadedKeep != 500 {
		t.Errorf("Expected loaded keep 500, got %d", cfg.Queue.LoadedKeep)
	}
	if cfg.Probe.MinInterval != 30*time.Second {
		t.Errorf("Expected 30s probe interval, got %v", cfg.Probe.MinInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PREFETCHD_SERVER_PORT", "9123")
	t.Setenv("PREFETCHD_TOKENS_MAX_BATCH_SIZE", "10")
	t.Setenv("PREFETCHD_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Port != 9123 {
		t.Errorf("Expected port 9123 from env, got %d", cfg.Server.Port)
	}
	if cfg.Tokens.MaxBatchSize != 10 {
		t.Errorf("Expected batch size 10 from env, got %d", cfg.Tokens.MaxBatchSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug from env, got %s", cfg.Logging.Level)
	}
}

func TestLoadUnknownEnvIgnored(t *testing.T) {
	t.Setenv("PREFETCHD_NOT_A_REAL_KEY", "whatever")

	if _, err := Load(); err != nil {
		t.Fatalf("Unknown env var should be ignored, got error: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for port 0")
	}

	cfg = defaultConfig()
	cfg.Authorize.URL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for malformed authorize URL")
	}

	cfg = defaultConfig()
	cfg.Tokens.MaxBatchSize = 500
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for oversized batch")
	}
}
