// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package viewport defines the signal types flowing from the gallery client
// into the engine, and the Sink interface components implement to receive
// them. The transport layer (WebSocket/HTTP) is just one producer; tests
// drive sinks directly with synthetic events.
package viewport

import (
	"sync"
	"time"
)

// VisibilityEvent describes an intersection change for one candidate
// placeholder.
type VisibilityEvent struct {
	// CandidateID identifies the placeholder in the queue's bookkeeping.
	CandidateID string

	// Ratio is the intersection ratio, 0..1. Zero means not visible.
	Ratio float64

	// Top is the bounding-rect top in pixels relative to the viewport.
	// Negative when the element is above the viewport.
	Top float64

	// ViewportHeight is the client's viewport height in pixels.
	ViewportHeight float64

	At time.Time
}

// Visible reports whether any portion of the element intersects the viewport.
func (e VisibilityEvent) Visible() bool {
	return e.Ratio > 0
}

// ScrollEvent describes a viewport scroll sample.
type ScrollEvent struct {
	// Offset is the vertical scroll offset in pixels.
	Offset float64

	At time.Time
}

// Sink receives viewport signals. Implementations must not block; signal
// handlers run on the transport's read path.
type Sink interface {
	HandleVisibility(VisibilityEvent)
	HandleScroll(ScrollEvent)
}

// Dispatcher fans viewport signals out to registered sinks. It implements
// Sink itself so it can be handed to the transport layer as a single target.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register adds a sink. Sinks receive events in registration order.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// HandleVisibility forwards the event to all sinks.
func (d *Dispatcher) HandleVisibility(ev VisibilityEvent) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, s := range sinks {
		s.HandleVisibility(ev)
	}
}

// HandleScroll forwards the event to all sinks.
func (d *Dispatcher) HandleScroll(ev ScrollEvent) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, s := range sinks {
		s.HandleScroll(ev)
	}
}
