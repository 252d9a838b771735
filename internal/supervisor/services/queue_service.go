// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package services

import "context"

// QueueRunner matches queue.Queue's run loop.
type QueueRunner interface {
	Run(ctx context.Context) error
}

// QueueService supervises the fetch queue's run loop.
type QueueService struct {
	queue QueueRunner
}

// NewQueueService wraps the queue as a supervised service.
func NewQueueService(q QueueRunner) *QueueService {
	return &QueueService{queue: q}
}

// Serve implements suture.Service.
func (s *QueueService) Serve(ctx context.Context) error {
	return s.queue.Run(ctx)
}

// String implements fmt.Stringer for suture logging.
func (s *QueueService) String() string {
	return "fetch-queue"
}
