// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides content-addressable memoization of analysis
// results with request coalescing.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/HazardHawk/services/vision/datatypes"
)

// ResultCache memoizes analysis results keyed by (fingerprint, work type).
//
// # Description
//
// Fixed-capacity LRU store with TTL expiry measured from entry creation.
// Concurrent callers for the same key are coalesced through singleflight:
// at most one computation runs per key, and every waiter receives the same
// outcome, success or failure. A cache hit bypasses strategy selection and
// the fallback chain entirely.
//
// # Cancellation
//
// A caller that cancels its context stops waiting, but the in-flight
// computation is not cancelled: it runs on a detached context so it can
// still satisfy the other waiters and populate the entry.
//
// # Thread Safety
//
// Safe for concurrent use. Entry map and LRU list are guarded by a mutex;
// computation deduplication is handled by singleflight.Group.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*resultEntry
	lru     *list.List
	flight  singleflight.Group
	options Options

	// Stats
	hits      int64
	misses    int64
	evictions int64
	computes  int64
	errors    int64
}

// resultEntry is one cached analysis result.
type resultEntry struct {
	key string

	// result is shared with every caller the entry was returned to; the
	// cache is the sole mutator of entry metadata and never mutates the
	// result itself.
	result *datatypes.AnalysisResult

	createdAtMilli  int64
	lastAccessMilli int64

	lruElement *list.Element
}

// Options configures a ResultCache.
type Options struct {
	// Capacity is the maximum number of cached results.
	// Default: 256
	Capacity int

	// TTL is how long an entry stays valid, measured from creation
	// regardless of access. Default: 4 hours.
	TTL time.Duration

	// OnCoalesced, when set, is called once for each caller that joined
	// an in-flight computation instead of starting its own.
	OnCoalesced func()
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Capacity: 256,
		TTL:      4 * time.Hour,
	}
}

// Option is a functional option for configuring a ResultCache.
type Option func(*Options)

// WithCapacity sets the maximum number of cached results.
func WithCapacity(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Capacity = n
		}
	}
}

// WithTTL sets the entry time-to-live.
func WithTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.TTL = d
		}
	}
}

// WithCoalesceHook registers a callback fired once per coalesced caller.
func WithCoalesceHook(fn func()) Option {
	return func(o *Options) {
		o.OnCoalesced = fn
	}
}

// New creates a ResultCache.
func New(opts ...Option) *ResultCache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &ResultCache{
		entries: make(map[string]*resultEntry),
		lru:     list.New(),
		options: options,
	}
}

// ComputeFunc computes an analysis result on a cache miss.
type ComputeFunc func(ctx context.Context) (*datatypes.AnalysisResult, error)

// Get returns the cached result for key, if present and unexpired.
//
// Expired entries are removed and reported as misses; an entry is never
// returned after it has been evicted or expired.
func (c *ResultCache) Get(key string) (*datatypes.AnalysisResult, bool) {
	result, ok := c.peek(key)
	if ok {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	return result, ok
}

// peek is Get without stats accounting. The in-flight double-check uses
// it so a cold key counts one miss per caller, not two.
func (c *ResultCache) peek(key string) (*datatypes.AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.isExpiredLocked(entry) {
		c.removeLocked(entry)
		return nil, false
	}
	entry.lastAccessMilli = time.Now().UnixMilli()
	c.lru.MoveToFront(entry.lruElement)
	return entry.result, true
}

// GetOrCompute returns the cached result for key, or runs compute once and
// caches its result.
//
// # Description
//
// If a computation for key is already in flight, the caller joins it
// instead of starting a second one. All waiters see the same result or the
// same error. Failed computations are never cached.
//
// # Inputs
//
//   - ctx: Governs this caller's wait, not the computation itself.
//   - key: Cache key, (fingerprint, work type) from the request.
//   - compute: Invoked on a detached context when no entry exists.
//
// # Outputs
//
//   - *datatypes.AnalysisResult: Cached or freshly computed result.
//   - bool: True when served from cache without invoking compute.
//   - error: Computation error, or ctx.Err() if this caller gave up.
func (c *ResultCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*datatypes.AnalysisResult, bool, error) {
	if result, ok := c.Get(key); ok {
		return result, true, nil
	}

	// The closure runs only for the caller that starts the flight, so a
	// false flag after the wait marks this caller as a joiner.
	var ran atomic.Bool

	ch := c.flight.DoChan(key, func() (interface{}, error) {
		ran.Store(true)

		// Double-check: another flight may have populated the entry
		// between our miss and this execution.
		if result, ok := c.peek(key); ok {
			return result, nil
		}

		// Detached from the initiating caller so its cancellation cannot
		// starve the remaining waiters.
		result, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			atomic.AddInt64(&c.errors, 1)
			return nil, err
		}

		c.put(key, result)
		atomic.AddInt64(&c.computes, 1)
		return result, nil
	})

	select {
	case res := <-ch:
		if !ran.Load() && c.options.OnCoalesced != nil {
			c.options.OnCoalesced()
		}
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*datatypes.AnalysisResult), false, nil
	case <-ctx.Done():
		// This caller stops waiting; the flight continues for the rest.
		return nil, false, ctx.Err()
	}
}

// put inserts a freshly computed result, evicting the LRU entry at
// capacity.
func (c *ResultCache) put(key string, result *datatypes.AnalysisResult) {
	now := time.Now().UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		return
	}

	for len(c.entries) >= c.options.Capacity {
		if !c.evictLRULocked() {
			break
		}
	}

	entry := &resultEntry{
		key:             key,
		result:          result,
		createdAtMilli:  now,
		lastAccessMilli: now,
	}
	entry.lruElement = c.lru.PushFront(key)
	c.entries[key] = entry
}

// isExpiredLocked checks TTL from creation time (must hold mu).
func (c *ResultCache) isExpiredLocked(entry *resultEntry) bool {
	if c.options.TTL == 0 {
		return false
	}
	return time.Since(time.UnixMilli(entry.createdAtMilli)) > c.options.TTL
}

// removeLocked drops an entry (must hold mu).
func (c *ResultCache) removeLocked(entry *resultEntry) {
	if entry.lruElement != nil {
		c.lru.Remove(entry.lruElement)
	}
	delete(c.entries, entry.key)
}

// evictLRULocked evicts the least recently used entry (must hold mu).
func (c *ResultCache) evictLRULocked() bool {
	elem := c.lru.Back()
	if elem == nil {
		return false
	}
	key := elem.Value.(string)
	entry, ok := c.entries[key]
	if !ok {
		c.lru.Remove(elem)
		return false
	}
	c.removeLocked(entry)
	atomic.AddInt64(&c.evictions, 1)
	return true
}

// Invalidate removes a specific key.
func (c *ResultCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.removeLocked(entry)
	}
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*resultEntry)
	c.lru.Init()
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats contains cache counters since construction.
type Stats struct {
	EntryCount int
	Hits       int64
	Misses     int64
	Evictions  int64
	Computes   int64
	Errors     int64
	Capacity   int
	TTL        time.Duration
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats returns a snapshot of cache counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	entryCount := len(c.entries)
	c.mu.Unlock()

	return Stats{
		EntryCount: entryCount,
		Hits:       atomic.LoadInt64(&c.hits),
		Misses:     atomic.LoadInt64(&c.misses),
		Evictions:  atomic.LoadInt64(&c.evictions),
		Computes:   atomic.LoadInt64(&c.computes),
		Errors:     atomic.LoadInt64(&c.errors),
		Capacity:   c.options.Capacity,
		TTL:        c.options.TTL,
	}
}
