// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package strategy maps (scroll class, network class) to a prefetch
// strategy. Select is a pure function: it is called on every strategy
// refresh tick (~1/s) and must stay side-effect free.
package strategy

import (
	"math"
	"time"

	"github.com/tomtom215/prefetchd/internal/netquality"
	"github.com/tomtom215/prefetchd/internal/scrollwatch"
)

// Strategy is the immutable tuple governing prefetch aggressiveness. It is
// recomputed and replaced wholesale, never mutated in place.
type Strategy struct {
	// MaxConcurrent bounds overlapping in-flight fetches.
	MaxConcurrent int `json:"max_concurrent"`

	// PrefetchDistancePx is how far ahead of the viewport candidates are
	// eligible for prefetch (the observer margin).
	PrefetchDistancePx int `json:"prefetch_distance_px"`

	// BatchSize bounds items per coalesced token batch.
	BatchSize int `json:"batch_size"`

	// InterBatchDelay spaces successive batches.
	InterBatchDelay time.Duration `json:"inter_batch_delay"`

	// PrefetchCount is how many upcoming items are worth prefetching.
	PrefetchCount int `json:"prefetch_count"`
}

// Paused reports whether the strategy admits no work (offline).
func (s Strategy) Paused() bool {
	return s.MaxConcurrent == 0
}

// base table indexed by scroll class.
var baseStrategies = map[scrollwatch.Class]Strategy{
	scrollwatch.ClassSlow: {
		MaxConcurrent:      3,
		PrefetchDistancePx: 1000,
		BatchSize:          3,
		InterBatchDelay:    100 * time.Millisecond,
		PrefetchCount:      8,
	},
	scrollwatch.ClassMedium: {
		MaxConcurrent:      4,
		PrefetchDistancePx: 1500,
		BatchSize:          4,
		InterBatchDelay:    50 * time.Millisecond,
		PrefetchCount:      12,
	},
	scrollwatch.ClassFast: {
		MaxConcurrent:      6,
		PrefetchDistancePx: 2000,
		BatchSize:          6,
		InterBatchDelay:    30 * time.Millisecond,
		PrefetchCount:      16,
	},
}

// Select returns the strategy for the given scroll and network classes.
// Unexpected class values fall back to the medium/medium strategy.
func Select(scroll scrollwatch.Class, network netquality.Class) Strategy {
	s, ok := baseStrategies[scroll]
	if !ok {
		s = baseStrategies[scrollwatch.ClassMedium]
	}

	switch network {
	case netquality.ClassSlow:
		s.MaxConcurrent = atLeast(s.MaxConcurrent/2, 1)
		s.BatchSize = atLeast(s.BatchSize/2, 1)
		s.InterBatchDelay *= 2
		s.PrefetchCount /= 2
	case netquality.ClassMedium:
		s.MaxConcurrent = atLeast(scale(s.MaxConcurrent, 0.75), 1)
		s.InterBatchDelay = time.Duration(float64(s.InterBatchDelay) * 1.5)
		s.PrefetchCount = scale(s.PrefetchCount, 0.75)
	case netquality.ClassFast:
		// No scaling.
	case netquality.ClassOffline:
		// Pause admission without disturbing queued state.
		s.MaxConcurrent = 0
		s.BatchSize = 0
		s.PrefetchCount = 0
	default:
		// Unexpected network class: treat as medium.
		s.MaxConcurrent = atLeast(scale(s.MaxConcurrent, 0.75), 1)
		s.InterBatchDelay = time.Duration(float64(s.InterBatchDelay) * 1.5)
		s.PrefetchCount = scale(s.PrefetchCount, 0.75)
	}

	return s
}

func scale(n int, factor float64) int {
	return int(math.Floor(float64(n) * factor))
}

func atLeast(n, floor int) int {
	if n < floor {
		return floor
	}
	return n
}
