// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

type countingProber struct {
	calls atomic.Int32
}

func (p *countingProber) MaybeProbe(_ context.Context) bool {
	p.calls.Add(1)
	return true
}

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) SweepExpired() int {
	s.calls.Add(1)
	return 2
}

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestServiceInterfaces(t *testing.T) {
	var _ suture.Service = (*ProbeService)(nil)
	var _ suture.Service = (*SweepService)(nil)
	var _ suture.Service = (*QueueService)(nil)
	var _ suture.Service = (*HTTPServerService)(nil)
}

func TestProbeServiceProbesAtStartupAndOnTick(t *testing.T) {
	prober := &countingProber{}
	svc := NewProbeService(prober, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for prober.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}

	// One startup probe plus at least two ticks.
	if got := prober.calls.Load(); got < 3 {
		t.Errorf("expected at least 3 probes, got %d", got)
	}
}

func TestProbeServiceDefaultsInterval(t *testing.T) {
	svc := NewProbeService(&countingProber{}, 0)
	if svc.interval != 30*time.Second {
		t.Errorf("expected 30s default interval, got %v", svc.interval)
	}
}

func TestSweepServiceRunsSweeps(t *testing.T) {
	sweeper := &countingSweeper{}
	svc := NewSweepService(sweeper, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := sweeper.calls.Load(); got < 2 {
		t.Errorf("expected at least 2 sweeps, got %d", got)
	}
}

func TestQueueServiceDelegatesRun(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{})}
	svc := NewQueueService(runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop never started")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

func TestHTTPServerServiceShutsDownOnCancel(t *testing.T) {
	server := &http.Server{
		Addr:              "127.0.0.1:0",
		Handler:           http.NotFoundHandler(),
		ReadHeaderTimeout: time.Second,
	}
	svc := NewHTTPServerService(server, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	// Give the listener a moment to bind before canceling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after cancel")
	}
}

func TestHTTPServerServiceReturnsListenError(t *testing.T) {
	server := &http.Server{
		Addr:              "256.256.256.256:1",
		Handler:           http.NotFoundHandler(),
		ReadHeaderTimeout: time.Second,
	}
	svc := NewHTTPServerService(server, time.Second, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected listen error, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not surface listen error")
	}
}

func TestServiceNames(t *testing.T) {
	if got := NewProbeService(&countingProber{}, time.Second).String(); got != "network-probe" {
		t.Errorf("probe name = %q", got)
	}
	if got := NewSweepService(&countingSweeper{}, time.Second, zerolog.Nop()).String(); got != "token-sweep" {
		t.Errorf("sweep name = %q", got)
	}
	if got := NewQueueService(&blockingRunner{started: make(chan struct{})}).String(); got != "fetch-queue" {
		t.Errorf("queue name = %q", got)
	}
	if got := NewHTTPServerService(&http.Server{}, time.Second, zerolog.Nop()).String(); got != "http-server" {
		t.Errorf("http name = %q", got)
	}
}
