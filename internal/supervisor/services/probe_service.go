// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package services wraps long-running components as suture services. Each
// wrapper takes a narrow interface so services stay decoupled from the
// concrete component packages.
package services

import (
	"context"
	"time"
)

// NetworkProber matches netquality.Estimator's active probe entry point.
type NetworkProber interface {
	MaybeProbe(ctx context.Context) bool
}

// ProbeService periodically offers the estimator a chance to run its
// active network probe. The estimator's own rate limiter enforces the
// minimum spacing; the tick here just needs to be at least as frequent.
type ProbeService struct {
	prober   NetworkProber
	interval time.Duration
}

// NewProbeService creates the probe driver.
func NewProbeService(prober NetworkProber, interval time.Duration) *ProbeService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ProbeService{prober: prober, interval: interval}
}

// Serve implements suture.Service.
func (s *ProbeService) Serve(ctx context.Context) error {
	// Probe once at startup so the first classification doesn't wait a
	// full interval.
	s.prober.MaybeProbe(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.prober.MaybeProbe(ctx)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *ProbeService) String() string {
	return "network-probe"
}
