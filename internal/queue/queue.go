// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/metrics"
	"github.com/tomtom215/prefetchd/internal/strategy"
	"github.com/tomtom215/prefetchd/internal/viewport"
)

// Options configures queue timing and bounds.
type Options struct {
	// FetchTimeout bounds one image fetch.
	FetchTimeout time.Duration

	// ProcessDebounce delays admission after a visibility change so a burst
	// of intersection callbacks produces one processing pass.
	ProcessDebounce time.Duration

	// StrategyRefresh is how often the active strategy is re-selected.
	StrategyRefresh time.Duration

	// HousekeepInterval is how often loaded bookkeeping is trimmed.
	HousekeepInterval time.Duration

	// LoadedKeep bounds the loaded set; oldest entries are trimmed first.
	LoadedKeep int

	// MaxFailures is the consecutive-failure bound after which a candidate
	// is deprioritized until it turns visible again.
	MaxFailures int
}

func (o *Options) applyDefaults() {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.ProcessDebounce <= 0 {
		o.ProcessDebounce = 100 * time.Millisecond
	}
	if o.StrategyRefresh <= 0 {
		o.StrategyRefresh = time.Second
	}
	if o.HousekeepInterval <= 0 {
		o.HousekeepInterval = 60 * time.Second
	}
	if o.LoadedKeep <= 0 {
		o.LoadedKeep = 500
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
}

// StrategyFunc supplies the current prefetch strategy.
type StrategyFunc func() strategy.Strategy

// CompletionFunc observes fetch outcomes, err nil on success.
type CompletionFunc func(reg Registration, err error)

// Snapshot is a point-in-time view of queue state.
type Snapshot struct {
	Depth    int               `json:"depth"`
	Eligible int               `json:"eligible"`
	Loading  int               `json:"loading"`
	Loaded   int               `json:"loaded"`
	Strategy strategy.Strategy `json:"strategy"`
}

// Queue is the admission-controlled fetch scheduler. It implements
// viewport.Sink: visibility events re-score candidates and kick a debounced
// processing pass.
type Queue struct {
	mu          sync.Mutex
	candidates  map[string]*candidate
	loaded      map[string]struct{}
	loadedOrder []string
	inFlight    int
	strat       strategy.Strategy

	strategyFn StrategyFunc
	fetcher    Fetcher
	onComplete CompletionFunc
	opts       Options
	kick       chan struct{}
	log        zerolog.Logger
}

var _ viewport.Sink = (*Queue)(nil)

// New creates a queue. strategyFn is consulted on every refresh tick; the
// initial strategy is taken immediately.
func New(fetcher Fetcher, strategyFn StrategyFunc, opts Options, log zerolog.Logger) *Queue {
	opts.applyDefaults()
	q := &Queue{
		candidates: map[string]*candidate{},
		loaded:     map[string]struct{}{},
		strategyFn: strategyFn,
		fetcher:    fetcher,
		opts:       opts,
		kick:       make(chan struct{}, 1),
		log:        log,
	}
	if strategyFn != nil {
		q.strat = strategyFn()
	}
	return q
}

// SetOnComplete registers the fetch outcome callback. Must be called before
// Run.
func (q *Queue) SetOnComplete(fn CompletionFunc) {
	q.onComplete = fn
}

// SetStrategyFunc wires the strategy provider after construction; the queue
// and the strategy source reference each other, so one side is wired late.
// Must be called before Run. The new provider is consulted immediately.
func (q *Queue) SetStrategyFunc(fn StrategyFunc) {
	q.strategyFn = fn
	q.refreshStrategy()
}

// Observe begins tracking a candidate. Re-observing a loaded candidate is a
// no-op beyond bookkeeping; it will not be fetched again.
func (q *Queue) Observe(reg Registration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.candidates[reg.ID]; ok {
		return
	}
	c := &candidate{reg: reg, registeredAt: time.Now()}
	if _, done := q.loaded[reg.ID]; done {
		c.state = stateLoaded
	}
	q.candidates[reg.ID] = c
	metrics.QueueDepth.Set(float64(len(q.candidates)))
}

// Unobserve stops tracking a candidate. An in-flight fetch for it is not
// canceled; its completion settles against the loaded set only.
func (q *Queue) Unobserve(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.candidates, id)
	metrics.QueueDepth.Set(float64(len(q.candidates)))
}

// HandleVisibility implements viewport.Sink: re-scores the candidate and
// kicks a debounced processing pass. Turning visible resets the failure
// count so a previously deprioritized candidate gets another chance.
func (q *Queue) HandleVisibility(ev viewport.VisibilityEvent) {
	q.mu.Lock()
	c, ok := q.candidates[ev.CandidateID]
	if ok {
		visible := ev.Visible()
		if visible && !c.visible {
			c.failures = 0
		}
		c.visible = visible
		c.priority = priorityFor(ev)
	}
	q.mu.Unlock()

	if ok {
		q.Kick()
	}
}

// HandleScroll implements viewport.Sink; scroll velocity feeds the strategy
// through the tracker, not the queue.
func (q *Queue) HandleScroll(viewport.ScrollEvent) {}

// Kick requests a processing pass. Non-blocking; coalesces with a pending
// kick.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// refreshStrategy re-selects the strategy and publishes the admission width.
func (q *Queue) refreshStrategy() {
	if q.strategyFn == nil {
		return
	}
	s := q.strategyFn()
	q.mu.Lock()
	q.strat = s
	q.mu.Unlock()
	metrics.QueueMaxConcurrent.Set(float64(s.MaxConcurrent))
}

// pickLocked returns the best eligible candidate or nil. Caller holds q.mu.
func (q *Queue) pickLocked() *candidate {
	var best *candidate
	for _, c := range q.candidates {
		if c.state != stateQueued {
			continue
		}
		if c.effectivePriority(q.opts.MaxFailures) <= 0 {
			continue
		}
		if best == nil || better(c, best, q.opts.MaxFailures) {
			best = c
		}
	}
	return best
}

// ProcessOnce runs one admission pass: while the in-flight count is under
// the strategy budget, dispatch the highest-priority eligible candidate.
// An offline strategy (zero budget) admits nothing and leaves all state
// untouched.
func (q *Queue) ProcessOnce(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.inFlight < q.strat.MaxConcurrent {
		c := q.pickLocked()
		if c == nil {
			return
		}
		c.state = stateLoading
		q.inFlight++
		metrics.QueueAdmissions.Inc()
		metrics.FetchesInFlight.Set(float64(q.inFlight))
		go q.dispatch(ctx, c.reg)
	}
}

// dispatch fetches one candidate. The budget release and state settlement
// run in a deferred block so the in-flight count can never leak.
func (q *Queue) dispatch(ctx context.Context, reg Registration) {
	start := time.Now()
	fctx, cancel := context.WithTimeout(ctx, q.opts.FetchTimeout)
	defer cancel()

	var err error
	defer func() {
		q.settle(reg, err, time.Since(start))
	}()
	err = q.fetcher.Fetch(fctx, reg)
}

// settle records one fetch outcome, releases the admission slot, and kicks
// the next pass.
func (q *Queue) settle(reg Registration, err error, elapsed time.Duration) {
	metrics.FetchDuration.Observe(elapsed.Seconds())

	q.mu.Lock()
	q.inFlight--
	metrics.FetchesInFlight.Set(float64(q.inFlight))

	c := q.candidates[reg.ID]
	if err == nil {
		metrics.FetchesTotal.WithLabelValues("success").Inc()
		if _, done := q.loaded[reg.ID]; !done {
			q.loaded[reg.ID] = struct{}{}
			q.loadedOrder = append(q.loadedOrder, reg.ID)
		}
		if c != nil {
			c.state = stateLoaded
			c.failures = 0
		}
	} else {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.FetchesTotal.WithLabelValues(outcome).Inc()
		if c != nil {
			c.state = stateQueued
			c.failures++
			if c.failures == q.opts.MaxFailures {
				q.log.Warn().
					Str("id", reg.ID).
					Int("failures", c.failures).
					Msg("candidate deprioritized after consecutive failures")
			}
		}
		q.log.Debug().Err(err).Str("id", reg.ID).Dur("elapsed", elapsed).Msg("fetch failed")
	}
	q.mu.Unlock()

	if q.onComplete != nil {
		q.onComplete(reg, err)
	}
	q.Kick()
}

// Housekeep trims the loaded bookkeeping to the configured bound. Dropping
// an entry is harmless: a re-fetch of an already-rendered image is a no-op
// for the client.
func (q *Queue) Housekeep() {
	q.mu.Lock()
	defer q.mu.Unlock()

	excess := len(q.loadedOrder) - q.opts.LoadedKeep
	if excess <= 0 {
		return
	}
	for _, id := range q.loadedOrder[:excess] {
		delete(q.loaded, id)
	}
	q.loadedOrder = append([]string(nil), q.loadedOrder[excess:]...)
	q.log.Debug().Int("trimmed", excess).Msg("loaded bookkeeping trimmed")
}

// Snapshot returns current queue occupancy and the active strategy.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		Depth:    len(q.candidates),
		Loading:  q.inFlight,
		Loaded:   len(q.loaded),
		Strategy: q.strat,
	}
	for _, c := range q.candidates {
		if c.state == stateQueued && c.effectivePriority(q.opts.MaxFailures) > 0 {
			s.Eligible++
		}
	}
	return s
}

// Run drives the queue: debounced processing after kicks, periodic strategy
// refresh, and housekeeping. Returns when the context is canceled.
func (q *Queue) Run(ctx context.Context) error {
	q.refreshStrategy()

	strategyTick := time.NewTicker(q.opts.StrategyRefresh)
	defer strategyTick.Stop()
	houseTick := time.NewTicker(q.opts.HousekeepInterval)
	defer houseTick.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.kick:
			if debounce == nil {
				debounce = time.NewTimer(q.opts.ProcessDebounce)
				debounceC = debounce.C
			}
		case <-debounceC:
			debounce = nil
			debounceC = nil
			q.ProcessOnce(ctx)
		case <-strategyTick.C:
			q.refreshStrategy()
			q.ProcessOnce(ctx)
		case <-houseTick.C:
			q.Housekeep()
		}
	}
}
