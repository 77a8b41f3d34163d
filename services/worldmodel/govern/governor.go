// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package govern provides the bounded-admission gate and retry policy that
// wraps every outbound call to the reasoning and judging oracles.
//
// One Governor instance is shared by the proposal and verification phases
// so that both compete for a single concurrency budget representing the
// external service's rate limit. Admission (semaphore slot plus optional
// request-rate token) happens per attempt; the slot is released during
// backoff so retrying callers do not starve fresh work.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package govern

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/causeway/services/worldmodel/telemetry"
)

var tracer = otel.Tracer("causeway.govern")

// Config configures the governor's admission budget and retry policy.
type Config struct {
	// MaxConcurrent is the maximum in-flight external calls.
	// Default: 8
	MaxConcurrent int

	// MaxAttempts is the maximum attempts per call, including the first.
	// Default: 5
	MaxAttempts int

	// BackoffBase is the first retry delay; subsequent delays grow by
	// BackoffFactor. Default: 2s
	BackoffBase time.Duration

	// BackoffFactor is the exponential growth factor. Default: 2.0
	BackoffFactor float64

	// MaxBackoff caps the exponential delay before jitter. Default: 60s
	MaxBackoff time.Duration

	// JitterMax is the ceiling of the random jitter added to every
	// backoff delay, preventing synchronized retry storms when many
	// edges hit a rate limit together. Default: 5s
	JitterMax time.Duration

	// AttemptTimeout bounds each individual attempt. Default: 2m
	AttemptTimeout time.Duration

	// RatePerSecond is an optional request-rate ceiling on top of the
	// concurrency budget. Zero disables rate limiting.
	RatePerSecond float64

	// Breaker configures the circuit breaker. Zero values use defaults.
	Breaker CircuitBreakerConfig

	// Logger for retry and breaker events. If nil, uses slog.Default().
	Logger *slog.Logger

	// Metrics receives per-attempt call and retry counters. Nil
	// disables metric recording.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns sensible defaults matching the external oracle's
// observed rate-limit behavior.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  8,
		MaxAttempts:    5,
		BackoffBase:    2 * time.Second,
		BackoffFactor:  2.0,
		MaxBackoff:     60 * time.Second,
		JitterMax:      5 * time.Second,
		AttemptTimeout: 2 * time.Minute,
		Breaker:        DefaultCircuitBreakerConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return ErrInvalidConfig
	}
	if c.MaxAttempts < 1 {
		return ErrInvalidConfig
	}
	if c.BackoffBase <= 0 {
		return ErrInvalidConfig
	}
	if c.BackoffFactor < 1.0 {
		return ErrInvalidConfig
	}
	if c.MaxBackoff < c.BackoffBase {
		return ErrInvalidConfig
	}
	if c.JitterMax < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Stats is a snapshot of governor activity counters.
type Stats struct {
	// Calls is the number of Execute invocations.
	Calls int64

	// Attempts is the number of underlying attempts made.
	Attempts int64

	// Retries is the number of attempts beyond the first.
	Retries int64

	// RateLimitHits is the number of attempts that failed with a
	// rate-limit classification.
	RateLimitHits int64

	// Exhausted is the number of calls that exhausted all attempts.
	Exhausted int64

	// InFlight is the current number of admitted attempts.
	InFlight int64
}

// Governor is the single chokepoint for outbound oracle calls.
//
// It combines a counting semaphore (concurrency budget), an optional
// token-bucket rate limiter, jittered exponential retry, and a circuit
// breaker. Calls through the governor must be idempotent from the
// caller's perspective, or protected by the result cache, so retried
// calls cannot double-count side effects.
//
// Thread Safety: Safe for concurrent use.
type Governor struct {
	config  Config
	slots   chan struct{}
	limiter *rate.Limiter
	breaker *CircuitBreaker
	logger  *slog.Logger

	calls         atomic.Int64
	attempts      atomic.Int64
	retries       atomic.Int64
	rateLimitHits atomic.Int64
	exhausted     atomic.Int64
	inFlight      atomic.Int64
}

// New creates a Governor.
//
// Inputs:
//
//	config - Governor configuration. Zero values are replaced by defaults
//	         before validation.
//
// Outputs:
//
//	*Governor - The configured governor.
//	error - ErrInvalidConfig if the (defaulted) configuration is invalid.
func New(config Config) (*Governor, error) {
	defaults := DefaultConfig()
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.BackoffFactor == 0 {
		config.BackoffFactor = defaults.BackoffFactor
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.AttemptTimeout == 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.MaxConcurrent)
	}

	return &Governor{
		config:  config,
		slots:   make(chan struct{}, config.MaxConcurrent),
		limiter: limiter,
		breaker: NewCircuitBreaker(config.Breaker),
		logger:  config.Logger,
	}, nil
}

// Execute runs fn under the governor's admission and retry policy.
//
// Description:
//
//	Each attempt acquires a semaphore slot (and a rate token when rate
//	limiting is enabled), runs fn with a per-attempt timeout, and
//	releases the slot before any backoff wait. Retryable failures are
//	retried with jittered exponential backoff up to MaxAttempts; a
//	rate-limit signal escalates through the same schedule. Errors
//	marked Permanent and context cancellation return immediately.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked before admission and between
//	      attempts, never mid-call.
//	op - Operation name for diagnostics, e.g. "judge.evaluate".
//	fn - The external call. Must be idempotent or cache-protected.
//
// Outputs:
//
//	error - nil on success; *TransientServiceError after exhausting
//	        attempts; ErrCircuitOpen when the breaker rejects the call;
//	        the classified error itself for permanent failures.
func (g *Governor) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "govern.Execute")
	span.SetAttributes(attribute.String("op", op))
	defer span.End()

	g.calls.Add(1)

	var lastErr error
	backoff := g.config.BackoffBase

	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return err
		}

		if !g.breaker.Allow() {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}

		start := time.Now()
		err := g.attempt(ctx, fn)
		if err == nil {
			g.breaker.RecordSuccess()
			g.config.Metrics.RecordOracleCall(ctx, op, "ok", time.Since(start).Seconds())
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		}
		g.config.Metrics.RecordOracleCall(ctx, op, "error", time.Since(start).Seconds())

		lastErr = err
		g.breaker.RecordFailure()

		if IsRateLimit(err) {
			g.rateLimitHits.Add(1)
		}

		if !IsRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "permanent failure")
			return err
		}

		// Don't wait after the last attempt.
		if attempt == g.config.MaxAttempts {
			break
		}

		wait := g.jittered(backoff)
		g.logger.Debug("governed call failed, backing off",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Bool("rate_limited", IsRateLimit(err)),
			slog.String("error", err.Error()),
		)
		g.retries.Add(1)
		g.config.Metrics.RecordRetry(ctx, op)

		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "cancelled during backoff")
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * g.config.BackoffFactor)
		if backoff > g.config.MaxBackoff {
			backoff = g.config.MaxBackoff
		}
	}

	g.exhausted.Add(1)
	tse := &TransientServiceError{Op: op, Attempts: g.config.MaxAttempts, LastErr: lastErr}
	span.RecordError(tse)
	span.SetStatus(codes.Error, "retries exhausted")
	return tse
}

// attempt admits and runs a single attempt.
func (g *Governor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slots }()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	g.attempts.Add(1)
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	attemptCtx, cancel := context.WithTimeout(ctx, g.config.AttemptTimeout)
	defer cancel()

	return fn(attemptCtx)
}

// jittered adds the random jitter component to a backoff delay.
func (g *Governor) jittered(backoff time.Duration) time.Duration {
	if g.config.JitterMax <= 0 {
		return backoff
	}
	return backoff + time.Duration(rand.Int63n(int64(g.config.JitterMax)))
}

// Stats returns a snapshot of activity counters.
func (g *Governor) Stats() Stats {
	return Stats{
		Calls:         g.calls.Load(),
		Attempts:      g.attempts.Load(),
		Retries:       g.retries.Load(),
		RateLimitHits: g.rateLimitHits.Load(),
		Exhausted:     g.exhausted.Load(),
		InFlight:      g.inFlight.Load(),
	}
}

// BreakerState returns the circuit breaker's current state.
func (g *Governor) BreakerState() CircuitState {
	return g.breaker.State()
}
