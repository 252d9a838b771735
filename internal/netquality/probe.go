// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package netquality

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tomtom215/prefetchd/internal/metrics"
)

// Prober measures how long a small fixed download takes.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber downloads a small asset over HTTP and reports the elapsed time.
type HTTPProber struct {
	client *http.Client
	url    string
}

// NewHTTPProber creates a prober for the given asset URL. The timeout bounds
// the whole download; a timed-out probe is a failed probe, not a slow one.
func NewHTTPProber(assetURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		url:    assetURL,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	// Cache-busting query param so intermediaries don't answer for the
	// origin and skew the measurement.
	url := fmt.Sprintf("%s?t=%d", p.url, time.Now().UnixNano())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe download: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, fmt.Errorf("probe read: %w", err)
	}
	return time.Since(start), nil
}

// MaybeProbe runs the active probe if one is due (at least the configured
// interval since the last probe). Probe failures are swallowed: the previous
// classification is kept, and the failure is logged at warn level.
//
// Returns true if a probe was attempted.
func (e *Estimator) MaybeProbe(ctx context.Context) bool {
	if e.prober == nil {
		return false
	}
	if !e.limiter.Allow() {
		return false
	}

	elapsed, err := e.prober.Probe(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("network probe failed")
		return true
	}

	class := classifyElapsed(elapsed)
	metrics.ProbeDuration.Observe(elapsed.Seconds())

	e.mu.Lock()
	e.probed = true
	e.probeClass = class
	current := e.classifyLocked()
	e.mu.Unlock()

	metrics.SetNetworkClass(string(current))
	e.log.Info().
		Dur("elapsed", elapsed).
		Str("class", string(class)).
		Msg("network probe completed")
	return true
}
