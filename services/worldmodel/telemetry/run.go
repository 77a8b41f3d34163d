// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry records per-run accounting for edge discovery.
//
// RunTelemetry is a lightweight, non-destructive record of one discovery
// run: stage durations, proposal and verification counters, and the edge
// dropout ledger. It exists so a post-hoc analysis can identify exactly
// where time went and where edges were lost. Long-lived service metrics
// go through the otel instruments in Metrics instead.
//
// # Thread Safety
//
// All RunTelemetry methods are safe for concurrent use.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage names used across the pipeline.
const (
	StagePropose = "propose"
	StageVerify  = "verify"
	StageResolve = "resolve"
	StageAdmit   = "admit"
)

// DropoutEntry records why one edge did not reach the final graph.
type DropoutEntry struct {
	// Edge is the "from->to" identity.
	Edge string `json:"edge"`

	// Stage names where the edge was lost.
	Stage string `json:"stage"`

	// Reason is the machine-readable drop reason.
	Reason string `json:"reason"`

	// Detail carries free-text context.
	Detail string `json:"detail,omitempty"`
}

// ProposalStats counts proposal-stage outcomes.
type ProposalStats struct {
	Proposed             int `json:"proposed"`
	NoRelationship       int `json:"no_relationship"`
	ParseFailures        int `json:"parse_failures"`
	NormalizedRecoveries int `json:"normalized_recoveries"`
	OracleCalls          int `json:"oracle_calls"`
}

// VerificationStats counts verification-stage outcomes.
type VerificationStats struct {
	Submitted            int       `json:"submitted"`
	Grounded             int       `json:"grounded"`
	Rejected             int       `json:"rejected"`
	ExhaustedIterations  int       `json:"exhausted_iterations"`
	ExhaustedRefinements int       `json:"exhausted_refinements"`
	JudgeFailures        int       `json:"judge_failures"`
	RetrievalFailures    int       `json:"retrieval_failures"`
	Cancelled            int       `json:"cancelled"`
	AdversarialCalls     int       `json:"adversarial_calls"`
	AdversarialDowngrades int      `json:"adversarial_downgrades"`
	VerdictConfidences   []float64 `json:"-"`
}

// AdmissionStats counts graph-admission outcomes.
type AdmissionStats struct {
	Submitted        int `json:"submitted"`
	Committed        int `json:"committed"`
	UnknownVariable  int `json:"unknown_variable"`
	CycleDetected    int `json:"cycle_detected"`
	DuplicateEdge    int `json:"duplicate_edge"`
}

// RunTelemetry accumulates counters and the dropout ledger for one run.
type RunTelemetry struct {
	mu sync.Mutex

	runID          string
	startedAt      time.Time
	stageStarts    map[string]time.Time
	stageDurations map[string]time.Duration

	variables    int
	proposal     ProposalStats
	verification VerificationStats
	admission    AdmissionStats
	dropouts     []DropoutEntry
}

// NewRun starts a fresh telemetry record with a unique run ID.
func NewRun() *RunTelemetry {
	return &RunTelemetry{
		runID:          uuid.NewString(),
		startedAt:      time.Now(),
		stageStarts:    make(map[string]time.Time),
		stageDurations: make(map[string]time.Duration),
	}
}

// RunID returns the unique identifier for this run.
func (t *RunTelemetry) RunID() string {
	return t.runID
}

// StageStart marks the beginning of a pipeline stage.
func (t *RunTelemetry) StageStart(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stageStarts[stage] = time.Now()
}

// StageEnd records the stage's elapsed time.
func (t *RunTelemetry) StageEnd(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if start, ok := t.stageStarts[stage]; ok {
		t.stageDurations[stage] = time.Since(start)
	}
}

// SetVariableCount records how many variables entered the run.
func (t *RunTelemetry) SetVariableCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.variables = n
}

// RecordProposal folds in proposal-stage counters.
func (t *RunTelemetry) RecordProposal(stats ProposalStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proposal.Proposed += stats.Proposed
	t.proposal.NoRelationship += stats.NoRelationship
	t.proposal.ParseFailures += stats.ParseFailures
	t.proposal.NormalizedRecoveries += stats.NormalizedRecoveries
	t.proposal.OracleCalls += stats.OracleCalls
}

// RecordVerificationSubmitted counts an edge entering verification.
func (t *RunTelemetry) RecordVerificationSubmitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verification.Submitted++
}

// RecordVerdictConfidence tracks judge confidence for the summary.
func (t *RunTelemetry) RecordVerdictConfidence(confidence float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verification.VerdictConfidences = append(t.verification.VerdictConfidences, confidence)
}

// RecordGrounded counts an accepted verification.
func (t *RunTelemetry) RecordGrounded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verification.Grounded++
}

// RecordVerificationDrop counts a verification terminal that did not
// accept the edge, bucketed by reason.
func (t *RunTelemetry) RecordVerificationDrop(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verification.Rejected++
	switch reason {
	case "max_iterations":
		t.verification.ExhaustedIterations++
	case "exhausted_refinements":
		t.verification.ExhaustedRefinements++
	case "judge_failed":
		t.verification.JudgeFailures++
	case "retrieval_failed":
		t.verification.RetrievalFailures++
	}
}

// RecordVerificationCancelled counts a submitted edge whose loop never
// reached a terminal state before cancellation. With this bucket the
// invariant Submitted == Grounded + Rejected + Cancelled holds for
// every run, cut short or not.
func (t *RunTelemetry) RecordVerificationCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verification.Cancelled++
}

// RecordAdversarial counts an adversarial pass and whether it downgraded.
func (t *RunTelemetry) RecordAdversarial(downgraded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.verification.AdversarialCalls++
	if downgraded {
		t.verification.AdversarialDowngrades++
	}
}

// RecordAdmission counts a graph-admission attempt and its outcome.
func (t *RunTelemetry) RecordAdmission(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.admission.Submitted++
	switch reason {
	case "":
		t.admission.Committed++
	case "unknown_variable":
		t.admission.UnknownVariable++
	case "cycle_detected":
		t.admission.CycleDetected++
	case "duplicate_edge":
		t.admission.DuplicateEdge++
	}
}

// RecordDropout appends one entry to the dropout ledger.
func (t *RunTelemetry) RecordDropout(edge, stage, reason, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropouts = append(t.dropouts, DropoutEntry{Edge: edge, Stage: stage, Reason: reason, Detail: detail})
}

// Dropouts returns a copy of the dropout ledger.
func (t *RunTelemetry) Dropouts() []DropoutEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DropoutEntry, len(t.dropouts))
	copy(out, t.dropouts)
	return out
}

// Summary is the serializable roll-up of one run.
type Summary struct {
	RunID               string             `json:"run_id"`
	StartedAt           time.Time          `json:"started_at"`
	TotalSeconds        float64            `json:"total_seconds"`
	StageSeconds        map[string]float64 `json:"stage_seconds"`
	Variables           int                `json:"variables"`
	Proposal            ProposalStats      `json:"proposal"`
	Verification        VerificationStats  `json:"verification"`
	AvgVerdictConfidence float64           `json:"avg_verdict_confidence"`
	Admission           AdmissionStats     `json:"admission"`
	Dropouts            []DropoutEntry     `json:"dropouts"`
}

// Snapshot builds the run summary.
func (t *RunTelemetry) Snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	stages := make(map[string]float64, len(t.stageDurations))
	for stage, d := range t.stageDurations {
		stages[stage] = d.Seconds()
	}

	var avg float64
	if n := len(t.verification.VerdictConfidences); n > 0 {
		for _, c := range t.verification.VerdictConfidences {
			avg += c
		}
		avg /= float64(n)
	}

	dropouts := make([]DropoutEntry, len(t.dropouts))
	copy(dropouts, t.dropouts)

	return Summary{
		RunID:                t.runID,
		StartedAt:            t.startedAt,
		TotalSeconds:         time.Since(t.startedAt).Seconds(),
		StageSeconds:         stages,
		Variables:            t.variables,
		Proposal:             t.proposal,
		Verification:         t.verification,
		AvgVerdictConfidence: avg,
		Admission:            t.admission,
		Dropouts:             dropouts,
	}
}

// Dump writes the full run summary to a JSON file, creating parent
// directories as needed. Returns the absolute path written.
func (t *RunTelemetry) Dump(path string) (string, error) {
	return t.Snapshot().Dump(path)
}

// Dump writes the summary to a JSON file, creating parent directories
// as needed. Returns the absolute path written.
func (s Summary) Dump(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("telemetry: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("telemetry: create output dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("telemetry: marshal summary: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("telemetry: write summary: %w", err)
	}
	return abs, nil
}
