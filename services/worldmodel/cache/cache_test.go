// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResultCache_HitAfterCompute(t *testing.T) {
	c := New()
	ctx := context.Background()

	var computes int32
	fn := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&computes, 1)
		return []byte("value"), nil
	}

	first, err := c.GetOrCompute(ctx, "fp", fn)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := c.GetOrCompute(ctx, "fp", fn)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if string(first) != "value" || string(second) != "value" {
		t.Errorf("unexpected values: %q, %q", first, second)
	}
	if computes != 1 {
		t.Errorf("expected 1 computation, got %d", computes)
	}
	if c.Stats().Hits != 1 {
		t.Errorf("expected 1 hit, got %d", c.Stats().Hits)
	}
}

func TestResultCache_ConcurrentCallersSingleComputation(t *testing.T) {
	c := New()
	ctx := context.Background()

	var computes int32
	started := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&computes, 1)
		<-started
		return []byte("shared"), nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(ctx, "same-fingerprint", fn)
		}(i)
	}

	// Give all goroutines time to pile onto the flight, then release.
	time.Sleep(20 * time.Millisecond)
	close(started)
	wg.Wait()

	if got := atomic.LoadInt32(&computes); got != 1 {
		t.Fatalf("expected exactly 1 computation for %d concurrent callers, got %d", n, got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Errorf("caller %d got %q", i, results[i])
		}
	}
}

func TestResultCache_ErrorNotCached(t *testing.T) {
	c := New()
	ctx := context.Background()

	var calls int32
	fn := func(ctx context.Context) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}

	if _, err := c.GetOrCompute(ctx, "fp", fn); err == nil {
		t.Fatal("expected first call to fail")
	}
	val, err := c.GetOrCompute(ctx, "fp", fn)
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if string(val) != "ok" {
		t.Errorf("unexpected value %q", val)
	}
}

func TestResultCache_DistinctFingerprints(t *testing.T) {
	c := New()
	ctx := context.Background()

	var computes int32
	fn := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&computes, 1)
		return []byte("v"), nil
	}

	for _, fp := range []string{"a|b", "a|c", "b|c"} {
		if _, err := c.GetOrCompute(ctx, fp, fn); err != nil {
			t.Fatalf("compute %q: %v", fp, err)
		}
	}

	if computes != 3 {
		t.Errorf("expected 3 computations, got %d", computes)
	}
	if c.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", c.Len())
	}
}

func TestGetOrComputeJSON_RoundTrip(t *testing.T) {
	type verdict struct {
		Answer     string  `json:"answer"`
		Confidence float64 `json:"confidence"`
	}

	c := New()
	ctx := context.Background()

	var computes int32
	fn := func(ctx context.Context) (verdict, error) {
		atomic.AddInt32(&computes, 1)
		return verdict{Answer: "A", Confidence: 0.8}, nil
	}

	first, err := GetOrComputeJSON(ctx, c, "fp", fn)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := GetOrComputeJSON(ctx, c, "fp", fn)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if first != second {
		t.Errorf("expected identical values, got %+v and %+v", first, second)
	}
	if computes != 1 {
		t.Errorf("expected 1 computation, got %d", computes)
	}
}

func TestResultCache_BadgerStoreTier(t *testing.T) {
	store, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	var computes int32
	fn := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&computes, 1)
		return []byte("persisted"), nil
	}

	// First cache instance computes and writes through.
	c1 := New(WithStore(store))
	if _, err := c1.GetOrCompute(ctx, "fp", fn); err != nil {
		t.Fatalf("c1 compute: %v", err)
	}

	// A fresh cache over the same store resolves without computing,
	// simulating a resumed run.
	c2 := New(WithStore(store))
	val, err := c2.GetOrCompute(ctx, "fp", fn)
	if err != nil {
		t.Fatalf("c2 lookup: %v", err)
	}
	if string(val) != "persisted" {
		t.Errorf("unexpected value %q", val)
	}
	if computes != 1 {
		t.Errorf("expected 1 computation across runs, got %d", computes)
	}
	if c2.Stats().StoreHits != 1 {
		t.Errorf("expected 1 store hit, got %d", c2.Stats().StoreHits)
	}
}

func TestResultCache_HitHookReportsTier(t *testing.T) {
	store, err := OpenBadger(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	fn := func(ctx context.Context) ([]byte, error) {
		return []byte("value"), nil
	}

	var (
		mu    sync.Mutex
		tiers []string
	)
	hook := func(tier string) {
		mu.Lock()
		tiers = append(tiers, tier)
		mu.Unlock()
	}

	c1 := New(WithStore(store), WithHitHook(hook))
	if _, err := c1.GetOrCompute(ctx, "fp", fn); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if _, err := c1.GetOrCompute(ctx, "fp", fn); err != nil {
		t.Fatalf("memory hit: %v", err)
	}

	c2 := New(WithStore(store), WithHitHook(hook))
	if _, err := c2.GetOrCompute(ctx, "fp", fn); err != nil {
		t.Fatalf("store hit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tiers) != 2 || tiers[0] != "memory" || tiers[1] != "store" {
		t.Errorf("hook tiers = %v, want [memory store]", tiers)
	}
}
