// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package token

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/metrics"
)

// Clock abstracts timer scheduling so the batcher's debounce window is
// testable without real time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the subset of *time.Timer the batcher needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// RealClock delegates to the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// batchState is the debounce state machine position.
//
//	Idle -> Collecting: first enqueue starts the delay timer
//	Collecting -> Collecting: further enqueues restart the timer
//	Collecting -> Flushing: timer fires, up to maxBatch entries drain
//	Flushing -> Collecting: entries remain after the drain
//	Flushing -> Idle: queue empty
type batchState int

const (
	stateIdle batchState = iota
	stateCollecting
	stateFlushing
)

// outcome is delivered to each waiter after its batch flushes. ok is false
// for application-level denials; err is set only for transport failures.
type outcome struct {
	token string
	ok    bool
	err   error
}

type waiter struct {
	item BatchItem
	ch   chan outcome
}

// flushFunc performs one combined authorization call for the drained items.
type flushFunc func(ctx context.Context, items []BatchItem) (map[string]string, error)

// Batcher coalesces near-simultaneous token requests into few combined
// authorization calls. Enqueues during a flush accumulate for the next
// round; a flush that leaves entries behind schedules another window.
type Batcher struct {
	mu    sync.Mutex
	state batchState
	queue []waiter
	timer Timer

	clock    Clock
	delay    time.Duration
	maxBatch int
	flush    flushFunc
	log      zerolog.Logger
}

// NewBatcher creates a batcher. delay is the debounce window, maxBatch the
// per-flush drain bound.
func NewBatcher(clock Clock, delay time.Duration, maxBatch int, flush flushFunc, log zerolog.Logger) *Batcher {
	if clock == nil {
		clock = RealClock{}
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 20
	}
	return &Batcher{
		clock:    clock,
		delay:    delay,
		maxBatch: maxBatch,
		flush:    flush,
		log:      log,
	}
}

// Enqueue appends an item to the pending queue and (re)starts the debounce
// timer. The returned channel receives exactly one outcome.
func (b *Batcher) Enqueue(item BatchItem) <-chan outcome {
	ch := make(chan outcome, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = append(b.queue, waiter{item: item, ch: ch})
	switch b.state {
	case stateIdle:
		b.state = stateCollecting
		b.startTimerLocked()
	case stateCollecting:
		b.startTimerLocked()
	case stateFlushing:
		// The post-flush transition picks these up.
	}
	return ch
}

// startTimerLocked arms or restarts the debounce timer. Caller holds b.mu.
func (b *Batcher) startTimerLocked() {
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.delay, b.fire)
		return
	}
	b.timer.Reset(b.delay)
}

// fire drains up to maxBatch entries, flushes them in one call, delivers
// each waiter's outcome, and reschedules if entries remain.
func (b *Batcher) fire() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.state = stateIdle
		b.mu.Unlock()
		return
	}
	b.state = stateFlushing

	n := len(b.queue)
	if n > b.maxBatch {
		n = b.maxBatch
	}
	batch := b.queue[:n]
	b.queue = append([]waiter(nil), b.queue[n:]...)
	b.mu.Unlock()

	items := make([]BatchItem, 0, len(batch))
	for _, w := range batch {
		items = append(items, w.item)
	}
	metrics.TokenBatchSize.Observe(float64(len(items)))

	tokens, err := b.flush(context.Background(), items)
	for _, w := range batch {
		if err != nil {
			w.ch <- outcome{err: err}
			continue
		}
		tok, ok := tokens[w.item.Key()]
		w.ch <- outcome{token: tok, ok: ok && tok != ""}
	}
	if err != nil {
		b.log.Warn().Err(err).Int("items", len(items)).Msg("batch flush failed")
	}

	b.mu.Lock()
	if len(b.queue) > 0 {
		b.state = stateCollecting
		b.startTimerLocked()
	} else {
		b.state = stateIdle
	}
	b.mu.Unlock()
}

// QueuedLen reports how many items await the next flush.
func (b *Batcher) QueuedLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
