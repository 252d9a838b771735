// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package queue schedules image fetches. It tracks registered candidates,
// scores them from viewport visibility signals, and admits the highest
// priority work up to the active strategy's concurrency budget.
package queue

import (
	"time"

	"github.com/tomtom215/prefetchd/internal/token"
	"github.com/tomtom215/prefetchd/internal/viewport"
)

// Registration identifies one image placeholder supplied by the gallery.
type Registration struct {
	ID      string
	AssetID string
	Variant token.Variant
	RawPath string
}

// candidateState is a candidate's fetch lifecycle position. loaded is
// terminal; a loaded candidate is never re-admitted.
type candidateState int

const (
	stateQueued candidateState = iota
	stateLoading
	stateLoaded
)

func (s candidateState) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateLoaded:
		return "loaded"
	default:
		return "queued"
	}
}

type candidate struct {
	reg          Registration
	registeredAt time.Time

	state    candidateState
	priority float64
	visible  bool
	failures int
}

// prefetchWindow is how many viewport heights below/above the fold a
// candidate stays eligible for prefetch.
const prefetchWindow = 3.0

// priorityFor scores a visibility event. Visible candidates land in
// 100-200 scaled by intersection ratio; near-viewport candidates decay
// linearly from 99 toward 1 with distance; beyond the window the score is
// 0 and the candidate is ineligible.
func priorityFor(ev viewport.VisibilityEvent) float64 {
	if ev.Ratio > 0 {
		return 100 + ev.Ratio*100
	}
	if ev.ViewportHeight <= 0 {
		return 0
	}
	distance := ev.Top
	if distance < 0 {
		distance = -distance
	}
	window := prefetchWindow * ev.ViewportHeight
	if distance > window {
		return 0
	}
	p := 100 * (1 - distance/window)
	if p < 1 {
		return 1
	}
	return p
}

// effectivePriority folds the failure backoff in: a candidate past the
// consecutive-failure bound scores 0 until it turns visible again.
func (c *candidate) effectivePriority(maxFailures int) float64 {
	if maxFailures > 0 && c.failures >= maxFailures {
		return 0
	}
	return c.priority
}

// better orders candidates for admission: visible before invisible, then
// higher priority, then earliest registration.
func better(a, b *candidate, maxFailures int) bool {
	if a.visible != b.visible {
		return a.visible
	}
	ap, bp := a.effectivePriority(maxFailures), b.effectivePriority(maxFailures)
	if ap != bp {
		return ap > bp
	}
	return a.registeredAt.Before(b.registeredAt)
}
