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
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestRunTelemetryCounters(t *testing.T) {
	run := NewRun()
	run.SetVariableCount(5)
	run.RecordProposal(ProposalStats{
		Proposed:             4,
		NoRelationship:       3,
		ParseFailures:        1,
		NormalizedRecoveries: 2,
		OracleCalls:          10,
	})

	for i := 0; i < 4; i++ {
		run.RecordVerificationSubmitted()
	}
	run.RecordGrounded()
	run.RecordGrounded()
	run.RecordVerificationDrop("exhausted_refinements")
	run.RecordVerificationDrop("judge_failed")
	run.RecordVerdictConfidence(0.8)
	run.RecordVerdictConfidence(0.6)

	run.RecordAdmission("")
	run.RecordAdmission("cycle_detected")
	run.RecordDropout("a->b", StageAdmit, "cycle_detected", "path exists from b to a")

	s := run.Snapshot()
	if s.RunID == "" {
		t.Error("expected a non-empty run ID")
	}
	if s.Variables != 5 {
		t.Errorf("variables = %d", s.Variables)
	}
	if s.Proposal.Proposed != 4 || s.Proposal.ParseFailures != 1 {
		t.Errorf("proposal stats = %+v", s.Proposal)
	}
	if s.Proposal.NormalizedRecoveries != 2 {
		t.Errorf("normalized recoveries = %d, want 2", s.Proposal.NormalizedRecoveries)
	}
	if s.Verification.Submitted != 4 || s.Verification.Grounded != 2 {
		t.Errorf("verification stats = %+v", s.Verification)
	}
	if s.Verification.ExhaustedRefinements != 1 || s.Verification.JudgeFailures != 1 {
		t.Errorf("drop buckets = %+v", s.Verification)
	}
	if s.AvgVerdictConfidence != 0.7 {
		t.Errorf("avg confidence = %v, want 0.7", s.AvgVerdictConfidence)
	}
	if s.Admission.Committed != 1 || s.Admission.CycleDetected != 1 {
		t.Errorf("admission stats = %+v", s.Admission)
	}
	if len(s.Dropouts) != 1 || s.Dropouts[0].Reason != "cycle_detected" {
		t.Errorf("dropouts = %+v", s.Dropouts)
	}
}

func TestRunTelemetryConcurrent(t *testing.T) {
	run := NewRun()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run.RecordVerificationSubmitted()
			run.RecordGrounded()
			run.RecordDropout("x->y", StageVerify, "judge_failed", "")
		}()
	}
	wg.Wait()

	s := run.Snapshot()
	if s.Verification.Submitted != 50 || s.Verification.Grounded != 50 {
		t.Errorf("lost updates: %+v", s.Verification)
	}
	if len(s.Dropouts) != 50 {
		t.Errorf("dropouts = %d, want 50", len(s.Dropouts))
	}
}

func TestDumpWritesJSON(t *testing.T) {
	run := NewRun()
	run.StageStart(StagePropose)
	run.StageEnd(StagePropose)
	run.RecordDropout("a->b", StagePropose, "parse_failure", "")

	path := filepath.Join(t.TempDir(), "nested", "telemetry.json")
	abs, err := run.Dump(path)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	var decoded Summary
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("dump is not valid JSON: %v", err)
	}
	if len(decoded.Dropouts) != 1 {
		t.Errorf("dropouts = %+v", decoded.Dropouts)
	}
	if _, ok := decoded.StageSeconds[StagePropose]; !ok {
		t.Error("stage duration missing from dump")
	}
}

func TestNewMetricsRegisters(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.OracleCallsTotal == nil || m.AdmissionsTotal == nil {
		t.Error("instruments not initialized")
	}
}

func TestRunTelemetryCancelledBucket(t *testing.T) {
	run := NewRun()
	for i := 0; i < 3; i++ {
		run.RecordVerificationSubmitted()
	}
	run.RecordGrounded()
	run.RecordVerificationCancelled()
	run.RecordVerificationCancelled()

	s := run.Snapshot()
	v := s.Verification
	if v.Cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", v.Cancelled)
	}
	if v.Grounded+v.Rejected+v.Cancelled != v.Submitted {
		t.Errorf("accounting open on a cut-short run: %+v", v)
	}
}

// Components hold an optional *Metrics; every recording method must be a
// no-op on nil and must not panic with real instruments either.
func TestMetricsRecordingNilSafe(t *testing.T) {
	ctx := context.Background()

	var nilMetrics *Metrics
	nilMetrics.RecordOracleCall(ctx, "judge.evaluate", "ok", 0.25)
	nilMetrics.RecordRetry(ctx, "judge.evaluate")
	nilMetrics.AddProposalVerdicts(ctx, "proposed", 3)
	nilMetrics.RecordVerificationTerminal(ctx, "GROUNDED", 2)
	nilMetrics.RecordAdmission(ctx, "committed")
	nilMetrics.RecordCacheHit(ctx, "memory")

	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordOracleCall(ctx, "propose.pair", "error", 1.5)
	m.RecordRetry(ctx, "propose.pair")
	m.AddProposalVerdicts(ctx, "no_relationship", 2)
	m.AddProposalVerdicts(ctx, "parse_failure", 0)
	m.RecordVerificationTerminal(ctx, "REJECTED", 1)
	m.RecordAdmission(ctx, "cycle_detected")
	m.RecordCacheHit(ctx, "store")
}
