// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

// Package metrics provides Prometheus collectors for prefetchd observability.
//
// Metrics are exposed at the /metrics endpoint in Prometheus text format.
// Collectors are registered via promauto at package load; components record
// through the exported variables.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fetch metrics

	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_fetches_total",
			Help: "Total image fetches by outcome",
		},
		[]string{"outcome"}, // "success", "error", "timeout"
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prefetch_fetch_duration_seconds",
			Help:    "Image fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	FetchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefetch_fetches_in_flight",
			Help: "Current number of in-flight image fetches",
		},
	)

	// Queue metrics

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefetch_queue_depth",
			Help: "Candidates currently tracked by the priority queue",
		},
	)

	QueueAdmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_queue_admissions_total",
			Help: "Total candidates admitted for fetching",
		},
	)

	QueueMaxConcurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefetch_queue_max_concurrent",
			Help: "Admission width from the active strategy",
		},
	)

	// Token cache metrics

	TokenCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_token_cache_hits_total",
			Help: "Total token cache hits",
		},
	)

	TokenCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetch_token_cache_misses_total",
			Help: "Total token cache misses",
		},
	)

	TokenCacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_token_cache_evictions_total",
			Help: "Total token cache evictions",
		},
		[]string{"reason"}, // "expired", "capacity", "clear"
	)

	TokenRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_token_requests_total",
			Help: "Authorization requests by mode and outcome",
		},
		[]string{"mode", "outcome"}, // mode: "single", "batch", "refresh"; outcome: "ok", "denied", "error"
	)

	TokenBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prefetch_token_batch_size",
			Help:    "Items per batched authorization call",
			Buckets: []float64{1, 2, 5, 10, 15, 20},
		},
	)

	// Network estimator metrics

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prefetch_probe_duration_seconds",
			Help:    "Network probe download duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 0.8, 1.5, 2, 3, 5},
		},
	)

	NetworkClass = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prefetch_network_class",
			Help: "Current network classification (1 = active class)",
		},
		[]string{"class"}, // "slow", "medium", "fast", "offline"
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prefetch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_circuit_breaker_requests_total",
			Help: "Circuit breaker requests by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	// Signal transport metrics

	SignalEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefetch_signal_events_total",
			Help: "Viewport signal events received by type",
		},
		[]string{"type"}, // "visibility", "scroll", "observe", "unobserve", "connection", "online"
	)

	SignalClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefetch_signal_clients",
			Help: "Connected WebSocket signal clients",
		},
	)
)

// SetNetworkClass flips the labeled network class gauge so exactly one
// class reports 1.
func SetNetworkClass(active string) {
	for _, class := range []string{"slow", "medium", "fast", "offline"} {
		v := 0.0
		if class == active {
			v = 1.0
		}
		NetworkClass.WithLabelValues(class).Set(v)
	}
}
