// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package govern

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for governor operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open and
	// calls are being rejected without reaching the external service.
	ErrCircuitOpen = errors.New("circuit breaker is open, external calls blocked")

	// ErrInvalidConfig is returned when governor configuration fails
	// validation.
	ErrInvalidConfig = errors.New("invalid governor configuration")
)

// TransientServiceError is returned after the retry budget is exhausted.
//
// It carries the attempt count and the last underlying error so callers
// can attach a precise failure reason to the edge or pair under
// consideration instead of a generic "call failed".
type TransientServiceError struct {
	// Op names the governed operation, e.g. "propose.pairwise".
	Op string

	// Attempts is the number of attempts made, including the first.
	Attempts int

	// LastErr is the error from the final attempt.
	LastErr error
}

// Error implements the error interface.
func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("%s: service unavailable after %d attempts: %v", e.Op, e.Attempts, e.LastErr)
}

// Unwrap returns the last underlying error.
func (e *TransientServiceError) Unwrap() error {
	return e.LastErr
}

// errClass classifies an external-service error for retry decisions.
type errClass int

const (
	classRetryable errClass = iota
	classRateLimit
	classPermanent
)

// classifiedError wraps an error with a retry classification.
type classifiedError struct {
	err   error
	class errClass
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

// RateLimited marks err as a rate-limit signal from the external service.
//
// The governor keeps retrying rate-limited calls on the same jittered
// exponential schedule; it never uses a fixed wait for them.
func RateLimited(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: classRateLimit}
}

// Permanent marks err as non-retryable. The governor returns it to the
// caller immediately without consuming further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: classPermanent}
}

// IsRateLimit reports whether err carries a rate-limit classification.
func IsRateLimit(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && ce.class == classRateLimit
}

// IsRetryable reports whether err should trigger another attempt.
//
// Context cancellation and errors marked Permanent are not retried;
// everything else, including rate-limit signals, is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *classifiedError
	if errors.As(err, &ce) && ce.class == classPermanent {
		return false
	}
	return true
}
