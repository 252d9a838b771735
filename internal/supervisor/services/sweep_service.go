// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ExpirySweeper matches token.Cache's sweep entry point.
type ExpirySweeper interface {
	SweepExpired() int
}

// SweepService periodically drops expired token cache entries.
type SweepService struct {
	sweeper  ExpirySweeper
	interval time.Duration
	log      zerolog.Logger
}

// NewSweepService creates the sweep driver.
func NewSweepService(sweeper ExpirySweeper, interval time.Duration, log zerolog.Logger) *SweepService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SweepService{sweeper: sweeper, interval: interval, log: log}
}

// Serve implements suture.Service.
func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := s.sweeper.SweepExpired(); removed > 0 {
				s.log.Info().Int("removed", removed).Msg("token cache sweep")
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *SweepService) String() string {
	return "token-sweep"
}
