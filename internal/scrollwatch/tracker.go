// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package scrollwatch tracks viewport scroll velocity and classifies it as
// slow, medium, or fast. Velocity samples (px/ms) are kept in a fixed ring
// buffer and the classification uses the buffer mean, so single flings don't
// whipsaw the prefetch strategy.
package scrollwatch

import (
	"math"
	"sync"
	"time"

	"github.com/tomtom215/prefetchd/internal/viewport"
)

// Class is a scroll speed classification.
type Class string

const (
	ClassSlow   Class = "slow"
	ClassMedium Class = "medium"
	ClassFast   Class = "fast"
)

const (
	// sampleHistory is the ring buffer length.
	sampleHistory = 10

	// frameInterval coalesces scroll events: at most one velocity sample
	// is computed per interval, mirroring animation-frame batching.
	frameInterval = 16 * time.Millisecond

	// slowThreshold / mediumThreshold classify the mean velocity in px/ms.
	slowThreshold   = 0.1
	mediumThreshold = 0.5
)

// Tracker maintains the rolling scroll velocity. It implements
// viewport.Sink; visibility events are ignored.
type Tracker struct {
	mu      sync.Mutex
	samples [sampleHistory]float64
	count   int
	next    int

	lastOffset float64
	lastAt     time.Time
	primed     bool
}

// NewTracker creates a tracker with an empty sample buffer. An idle viewport
// classifies as slow.
func NewTracker() *Tracker {
	return &Tracker{}
}

// HandleScroll records a velocity sample from a scroll event. Events closer
// together than one frame interval are dropped.
func (t *Tracker) HandleScroll(ev viewport.ScrollEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.primed {
		t.lastOffset = ev.Offset
		t.lastAt = ev.At
		t.primed = true
		return
	}

	elapsed := ev.At.Sub(t.lastAt)
	if elapsed < frameInterval {
		return
	}

	speed := math.Abs(ev.Offset-t.lastOffset) / float64(elapsed.Milliseconds())
	t.samples[t.next] = speed
	t.next = (t.next + 1) % sampleHistory
	if t.count < sampleHistory {
		t.count++
	}

	t.lastOffset = ev.Offset
	t.lastAt = ev.At
}

// HandleVisibility implements viewport.Sink; visibility changes carry no
// velocity information.
func (t *Tracker) HandleVisibility(viewport.VisibilityEvent) {}

// AverageSpeed returns the mean of the buffered samples in px/ms.
func (t *Tracker) AverageSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < t.count; i++ {
		sum += t.samples[i]
	}
	return sum / float64(t.count)
}

// Classify returns the current scroll speed classification.
func (t *Tracker) Classify() Class {
	avg := t.AverageSpeed()
	switch {
	case avg < slowThreshold:
		return ClassSlow
	case avg < mediumThreshold:
		return ClassMedium
	default:
		return ClassFast
	}
}
