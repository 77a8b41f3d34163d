// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the edge-discovery service.
//
// Description:
//
//	Provides counters and histograms for oracle calls, proposal and
//	verification outcomes, and graph admissions. All metrics use the
//	"causeway_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// OracleCallsTotal counts oracle calls by operation and status.
	OracleCallsTotal metric.Int64Counter

	// OracleCallDuration records oracle call duration in seconds.
	OracleCallDuration metric.Float64Histogram

	// OracleRetriesTotal counts governed retries by operation.
	OracleRetriesTotal metric.Int64Counter

	// ProposalsTotal counts proposal verdicts by outcome.
	ProposalsTotal metric.Int64Counter

	// VerificationsTotal counts verification terminals by state.
	VerificationsTotal metric.Int64Counter

	// VerificationIterations records retrieve+judge rounds per edge.
	VerificationIterations metric.Int64Histogram

	// AdmissionsTotal counts graph admissions by outcome.
	AdmissionsTotal metric.Int64Counter

	// CacheHitsTotal counts result-cache hits by tier.
	CacheHitsTotal metric.Int64Counter
}

// NewMetrics registers all discovery metrics with the provided meter.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all instruments initialized.
//	error - Non-nil if metric registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OracleCallsTotal, err = meter.Int64Counter(
		"causeway_oracle_calls_total",
		metric.WithDescription("Total oracle calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_calls_total: %w", err)
	}

	m.OracleCallDuration, err = meter.Float64Histogram(
		"causeway_oracle_call_duration_seconds",
		metric.WithDescription("Oracle call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_call_duration: %w", err)
	}

	m.OracleRetriesTotal, err = meter.Int64Counter(
		"causeway_oracle_retries_total",
		metric.WithDescription("Total governed retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create oracle_retries_total: %w", err)
	}

	m.ProposalsTotal, err = meter.Int64Counter(
		"causeway_proposals_total",
		metric.WithDescription("Total proposal verdicts"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create proposals_total: %w", err)
	}

	m.VerificationsTotal, err = meter.Int64Counter(
		"causeway_verifications_total",
		metric.WithDescription("Total verification terminals"),
		metric.WithUnit("{edge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verifications_total: %w", err)
	}

	m.VerificationIterations, err = meter.Int64Histogram(
		"causeway_verification_iterations",
		metric.WithDescription("Retrieve and judge rounds per edge"),
		metric.WithUnit("{iteration}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create verification_iterations: %w", err)
	}

	m.AdmissionsTotal, err = meter.Int64Counter(
		"causeway_admissions_total",
		metric.WithDescription("Total graph admission attempts"),
		metric.WithUnit("{edge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create admissions_total: %w", err)
	}

	m.CacheHitsTotal, err = meter.Int64Counter(
		"causeway_cache_hits_total",
		metric.WithDescription("Total result cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_hits_total: %w", err)
	}

	return m, nil
}

// All recording methods are nil-safe so components can hold an optional
// *Metrics and record unconditionally.

// RecordOracleCall records one governed attempt's outcome and duration.
func (m *Metrics) RecordOracleCall(ctx context.Context, op, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	)
	m.OracleCallsTotal.Add(ctx, 1, attrs)
	m.OracleCallDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("op", op)))
}

// RecordRetry records one governed retry.
func (m *Metrics) RecordRetry(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.OracleRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// AddProposalVerdicts records n proposal-stage verdicts of one outcome.
func (m *Metrics) AddProposalVerdicts(ctx context.Context, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ProposalsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordVerificationTerminal records one edge's terminal state and how
// many retrieve+judge rounds it took.
func (m *Metrics) RecordVerificationTerminal(ctx context.Context, state string, iterations int) {
	if m == nil {
		return
	}
	m.VerificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	m.VerificationIterations.Record(ctx, int64(iterations))
}

// RecordAdmission records one graph-admission attempt by outcome;
// "committed" marks success, rejection reasons everything else.
func (m *Metrics) RecordAdmission(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCacheHit records one result-cache hit by serving tier.
func (m *Metrics) RecordCacheHit(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}
