// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// AcceleratorGate serializes access to a device accelerator.
//
// # Description
//
// Local detectors need an exclusive GPU/NPU execution context; running
// two inferences at once overcommits accelerator memory. The gate is a
// weighted semaphore of size 1 per accelerator, shared by every local
// backend bound to that accelerator.
//
// Acquire blocks until the accelerator is free or ctx is done, so a
// cancelled request releases its place in line immediately.
type AcceleratorGate struct {
	sem *semaphore.Weighted
}

// NewAcceleratorGate creates a gate admitting one holder at a time.
func NewAcceleratorGate() *AcceleratorGate {
	return &AcceleratorGate{sem: semaphore.NewWeighted(1)}
}

// Acquire takes the accelerator, blocking until free or ctx done.
func (g *AcceleratorGate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire accelerator: %w", err)
	}
	return nil
}

// Release returns the accelerator.
func (g *AcceleratorGate) Release() {
	g.sem.Release(1)
}

// CloudGate bounds outbound cloud usage.
//
// # Description
//
// Two independent limits: a concurrency cap (semaphore) bounding in-flight
// requests, and a sustained request rate (token bucket). Both are
// process-wide; the cloud backend holds a slot for the duration of each
// call.
type CloudGate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewCloudGate creates a gate with the given concurrency cap and
// sustained requests-per-second rate. burst is the token bucket size.
func NewCloudGate(maxConcurrent int64, rps float64, burst int) *CloudGate {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 4
	}
	return &CloudGate{
		sem:     semaphore.NewWeighted(maxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Acquire waits for both a concurrency slot and a rate token.
func (g *CloudGate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire cloud slot: %w", err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.sem.Release(1)
		return fmt.Errorf("cloud rate limit: %w", err)
	}
	return nil
}

// Release returns the concurrency slot.
func (g *CloudGate) Release() {
	g.sem.Release(1)
}
