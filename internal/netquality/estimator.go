// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package netquality classifies the client's network as slow, medium, fast,
// or offline by combining passive connection metadata reported by the
// gallery with an active timed download probe. The probe result overrides
// the passive signal; offline is forced by the client's online/offline
// signal and suppresses all prefetching.
package netquality

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/prefetchd/internal/metrics"
)

// Class is a network quality classification.
type Class string

const (
	ClassSlow    Class = "slow"
	ClassMedium  Class = "medium"
	ClassFast    Class = "fast"
	ClassOffline Class = "offline"
)

// Classification thresholds.
const (
	// fastDownlinkMbps is the passive downlink threshold above which the
	// network is considered fast regardless of effective type.
	fastDownlinkMbps = 1.5

	// probeSlowThreshold / probeMediumThreshold classify the timed probe.
	probeSlowThreshold   = 2000 * time.Millisecond
	probeMediumThreshold = 800 * time.Millisecond
)

// ConnectionInfo is the passive connection metadata a client reports.
type ConnectionInfo struct {
	Type          string  `json:"type"`
	EffectiveType string  `json:"effective_type"`
	DownlinkMbps  float64 `json:"downlink_mbps"`
	RTTMs         float64 `json:"rtt_ms"`
}

// Estimator combines passive and probed signals into a Class.
//
// The zero signal state classifies as medium: with nothing known it is
// safer to prefetch moderately than to stall or to flood a slow link.
type Estimator struct {
	mu           sync.RWMutex
	online       bool
	passiveClass Class
	probeClass   Class
	probed       bool
	info         ConnectionInfo

	prober  Prober
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New creates an estimator. The prober may be nil, in which case only
// passive signals are used. minProbeInterval enforces the spacing between
// probes; callers may invoke MaybeProbe as often as they like.
func New(prober Prober, minProbeInterval time.Duration, log zerolog.Logger) *Estimator {
	if minProbeInterval <= 0 {
		minProbeInterval = 30 * time.Second
	}
	return &Estimator{
		online:       true,
		passiveClass: ClassMedium,
		prober:       prober,
		limiter:      rate.NewLimiter(rate.Every(minProbeInterval), 1),
		log:          log.With().Str("component", "netquality").Logger(),
	}
}

// Classify returns the current network classification.
func (e *Estimator) Classify() Class {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.classifyLocked()
}

func (e *Estimator) classifyLocked() Class {
	if !e.online {
		return ClassOffline
	}
	if e.probed {
		return e.probeClass
	}
	return e.passiveClass
}

// SetOnline records the platform online/offline signal. Offline overrides
// every other signal until cleared.
func (e *Estimator) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	class := e.classifyLocked()
	e.mu.Unlock()

	metrics.SetNetworkClass(string(class))
	e.log.Info().Bool("online", online).Str("class", string(class)).Msg("online state changed")
}

// ReportConnection records passive connection metadata from a client.
func (e *Estimator) ReportConnection(info ConnectionInfo) {
	class := classifyConnection(info)

	e.mu.Lock()
	e.info = info
	e.passiveClass = class
	current := e.classifyLocked()
	e.mu.Unlock()

	metrics.SetNetworkClass(string(current))
	e.log.Debug().
		Str("effective_type", info.EffectiveType).
		Float64("downlink_mbps", info.DownlinkMbps).
		Str("class", string(current)).
		Msg("connection metadata reported")
}

// Info returns the most recent connection metadata snapshot.
func (e *Estimator) Info() ConnectionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info
}

// classifyConnection maps effective type and downlink to a class.
func classifyConnection(info ConnectionInfo) Class {
	switch info.EffectiveType {
	case "slow-2g", "2g":
		return ClassSlow
	case "3g":
		return ClassMedium
	case "4g":
		return ClassFast
	}
	if info.DownlinkMbps > fastDownlinkMbps {
		return ClassFast
	}
	return ClassMedium
}

// classifyElapsed maps a probe download duration to a class.
func classifyElapsed(elapsed time.Duration) Class {
	switch {
	case elapsed > probeSlowThreshold:
		return ClassSlow
	case elapsed > probeMediumThreshold:
		return ClassMedium
	default:
		return ClassFast
	}
}
