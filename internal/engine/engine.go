// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package engine composes the estimators, strategy selection, token cache,
// and fetch queue into one addressable unit with an enable/disable gate and
// a status surface.
package engine

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/netquality"
	"github.com/tomtom215/prefetchd/internal/queue"
	"github.com/tomtom215/prefetchd/internal/scrollwatch"
	"github.com/tomtom215/prefetchd/internal/strategy"
	"github.com/tomtom215/prefetchd/internal/token"
	"github.com/tomtom215/prefetchd/internal/viewport"
)

// Engine is the prefetch engine facade. It implements viewport.Sink so the
// transport layer feeds it directly; signals are dropped while disabled.
type Engine struct {
	enabled atomic.Bool

	queue     *queue.Queue
	cache     *token.Cache
	tracker   *scrollwatch.Tracker
	estimator *netquality.Estimator
	signals   *viewport.Dispatcher
	log       zerolog.Logger
}

var _ viewport.Sink = (*Engine)(nil)

// New composes an engine. The engine starts enabled unless startDisabled.
func New(q *queue.Queue, cache *token.Cache, tracker *scrollwatch.Tracker, estimator *netquality.Estimator, startDisabled bool, log zerolog.Logger) *Engine {
	signals := viewport.NewDispatcher()
	signals.Register(q)
	signals.Register(tracker)

	e := &Engine{
		queue:     q,
		cache:     cache,
		tracker:   tracker,
		estimator: estimator,
		signals:   signals,
		log:       log,
	}
	e.enabled.Store(!startDisabled)
	return e
}

// Strategy returns the strategy for the current scroll and network
// classes. A disabled engine reports a paused strategy so the queue admits
// nothing without losing its state.
func (e *Engine) Strategy() strategy.Strategy {
	s := strategy.Select(e.tracker.Classify(), e.estimator.Classify())
	if !e.enabled.Load() {
		s.MaxConcurrent = 0
		s.BatchSize = 0
		s.PrefetchCount = 0
	}
	return s
}

// Enable turns prefetching on.
func (e *Engine) Enable() {
	if e.enabled.CompareAndSwap(false, true) {
		e.log.Info().Msg("prefetch engine enabled")
		e.queue.Kick()
	}
}

// Disable pauses prefetching. Queue state and the token cache are kept; a
// later Enable resumes where things left off.
func (e *Engine) Disable() {
	if e.enabled.CompareAndSwap(true, false) {
		e.log.Info().Msg("prefetch engine disabled")
	}
}

// Enabled reports the gate state.
func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// Observe registers a candidate regardless of the gate; admission is what
// the gate controls.
func (e *Engine) Observe(reg queue.Registration) {
	e.queue.Observe(reg)
}

// Unobserve stops tracking a candidate.
func (e *Engine) Unobserve(id string) {
	e.queue.Unobserve(id)
}

// HandleVisibility implements viewport.Sink.
func (e *Engine) HandleVisibility(ev viewport.VisibilityEvent) {
	if !e.enabled.Load() {
		return
	}
	e.signals.HandleVisibility(ev)
}

// HandleScroll implements viewport.Sink.
func (e *Engine) HandleScroll(ev viewport.ScrollEvent) {
	if !e.enabled.Load() {
		return
	}
	e.signals.HandleScroll(ev)
}

// Status is the engine's introspection snapshot.
type Status struct {
	Enabled      bool                      `json:"enabled"`
	ScrollClass  scrollwatch.Class         `json:"scroll_class"`
	ScrollSpeed  float64                   `json:"scroll_speed_px_ms"`
	NetworkClass netquality.Class          `json:"network_class"`
	Connection   netquality.ConnectionInfo `json:"connection"`
	Strategy     strategy.Strategy         `json:"strategy"`
	Queue        queue.Snapshot            `json:"queue"`
	TokenCache   token.Stats               `json:"token_cache"`
}

// Status returns a point-in-time view across all components.
func (e *Engine) Status() Status {
	return Status{
		Enabled:      e.enabled.Load(),
		ScrollClass:  e.tracker.Classify(),
		ScrollSpeed:  e.tracker.AverageSpeed(),
		NetworkClass: e.estimator.Classify(),
		Connection:   e.estimator.Info(),
		Strategy:     e.Strategy(),
		Queue:        e.queue.Snapshot(),
		TokenCache:   e.cache.Stats(),
	}
}

// ClearTokenCache empties the token cache and its persisted mirror.
func (e *Engine) ClearTokenCache() {
	e.cache.ClearAll()
	e.log.Info().Msg("token cache cleared")
}

// Queue exposes the underlying queue for service wiring.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// TokenCache exposes the underlying cache for service wiring.
func (e *Engine) TokenCache() *token.Cache {
	return e.cache
}

// Estimator exposes the network estimator for service wiring.
func (e *Engine) Estimator() *netquality.Estimator {
	return e.estimator
}
