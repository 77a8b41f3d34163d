// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache memoizes oracle responses by canonical request fingerprint.
//
// Retried or resumed runs must never re-spend on a call the oracle has
// already answered. The cache guarantees at-most-one concurrent
// computation per fingerprint: concurrent callers for the same key block
// on the first in-flight computation instead of issuing duplicate
// external calls.
//
// Tiered lookup: in-memory map (run lifetime) → optional BadgerDB store
// (cross-run) → compute.
//
// # Thread Safety
//
// ResultCache is safe for concurrent use.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the value for a fingerprint on cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Stats is a snapshot of cache activity.
type Stats struct {
	// Hits counts lookups served from memory.
	Hits int64

	// StoreHits counts lookups served from the persistent store.
	StoreHits int64

	// Misses counts lookups that required computation.
	Misses int64

	// Computations counts underlying compute invocations. Under
	// concurrent access this is at most one per distinct fingerprint.
	Computations int64
}

// ResultCache memoizes computed results keyed by fingerprint.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
	flight  singleflight.Group
	store   Store
	onHit   func(tier string)

	hits         atomic.Int64
	storeHits    atomic.Int64
	misses       atomic.Int64
	computations atomic.Int64
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithStore attaches a persistent backing store consulted on memory miss
// and written through after computation. A nil store is ignored.
func WithStore(store Store) Option {
	return func(c *ResultCache) {
		c.store = store
	}
}

// WithHitHook registers a callback invoked on every cache hit with the
// serving tier, "memory" or "store". The callback must be safe for
// concurrent use. A nil callback is ignored.
func WithHitHook(fn func(tier string)) Option {
	return func(c *ResultCache) {
		c.onHit = fn
	}
}

// New creates an empty ResultCache.
func New(opts ...Option) *ResultCache {
	c := &ResultCache{
		entries: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCompute returns the cached value for fingerprint, computing it
// at most once across concurrent callers.
//
// Description:
//
//	Lookup order is memory, then the persistent store (if configured),
//	then fn. All callers that arrive while a computation for the same
//	fingerprint is in flight receive that computation's result.
//	Computation errors are not cached; a later call retries.
//
// Inputs:
//
//	ctx - Context for cancellation. Cancellation of one waiter does not
//	      cancel the shared computation.
//	fingerprint - Canonical, order-independent request key.
//	fn - The computation to run on miss.
//
// Outputs:
//
//	[]byte - The cached or freshly computed value.
//	error - Non-nil if the computation failed.
func (c *ResultCache) GetOrCompute(ctx context.Context, fingerprint string, fn ComputeFunc) ([]byte, error) {
	c.mu.RLock()
	val, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		c.hit("memory")
		return val, nil
	}

	result, err, _ := c.flight.Do(fingerprint, func() (interface{}, error) {
		// Re-check memory: a previous flight may have completed between
		// the read lock and Do.
		c.mu.RLock()
		val, ok := c.entries[fingerprint]
		c.mu.RUnlock()
		if ok {
			c.hits.Add(1)
			c.hit("memory")
			return val, nil
		}

		if c.store != nil {
			stored, found, err := c.store.Get(fingerprint)
			if err == nil && found {
				c.storeHits.Add(1)
				c.hit("store")
				c.remember(fingerprint, stored)
				return stored, nil
			}
		}

		c.misses.Add(1)
		c.computations.Add(1)
		computed, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		c.remember(fingerprint, computed)
		if c.store != nil {
			// Write-through failures are non-fatal; the value is
			// already in memory for this run.
			_ = c.store.Set(fingerprint, computed)
		}
		return computed, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// hit invokes the hit hook, if one is registered.
func (c *ResultCache) hit(tier string) {
	if c.onHit != nil {
		c.onHit(tier)
	}
}

// remember stores a value in the in-memory tier.
func (c *ResultCache) remember(fingerprint string, val []byte) {
	c.mu.Lock()
	c.entries[fingerprint] = val
	c.mu.Unlock()
}

// Len returns the number of in-memory entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters.
func (c *ResultCache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		StoreHits:    c.storeHits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computations.Load(),
	}
}

// GetOrComputeJSON memoizes a typed value through cache c, using JSON as
// the storage encoding.
func GetOrComputeJSON[T any](ctx context.Context, c *ResultCache, fingerprint string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	raw, err := c.GetOrCompute(ctx, fingerprint, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode cached value: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode cached value for %q: %w", fingerprint, err)
	}
	return out, nil
}
