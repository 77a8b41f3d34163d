// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/causeway/services/worldmodel/cache"
	"github.com/AleutianAI/causeway/services/worldmodel/causal"
	"github.com/AleutianAI/causeway/services/worldmodel/govern"
	"github.com/AleutianAI/causeway/services/worldmodel/judge"
	"github.com/AleutianAI/causeway/services/worldmodel/retrieve"
)

type stubRetriever struct {
	calls atomic.Int64
	err   error
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, limit int) (*causal.EvidenceBundle, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &causal.EvidenceBundle{
		Query: query,
		Supporting: []causal.Snippet{
			{Content: "evidence for: " + query, Source: causal.SnippetSource{DocID: "doc-1"}},
		},
	}, nil
}

func (s *stubRetriever) Ready(ctx context.Context) error { return s.err }

type stubJudge struct {
	calls    atomic.Int64
	evaluate func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error)
	adv      *causal.AdversarialVerdict
	advCalls atomic.Int64
}

func (s *stubJudge) Evaluate(ctx context.Context, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
	call := int(s.calls.Add(1))
	return s.evaluate(call, edge, evidence)
}

func (s *stubJudge) EvaluateAdversarial(ctx context.Context, edge causal.CandidateEdge, quote string) (*causal.AdversarialVerdict, error) {
	s.advCalls.Add(1)
	if s.adv == nil {
		return nil, fmt.Errorf("no adversarial verdict scripted")
	}
	return s.adv, nil
}

func testGovernor(t *testing.T) *govern.Governor {
	t.Helper()
	g, err := govern.New(govern.Config{
		MaxConcurrent: 2,
		MaxAttempts:   2,
		BackoffBase:   time.Millisecond,
		JitterMax:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	return g
}

func newTestAgent(t *testing.T, r retrieve.Retriever, j judge.Judge, config Config) *Agent {
	t.Helper()
	a, err := NewAgent(r, j, testGovernor(t), cache.New(), config)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return a
}

var testEdge = causal.CandidateEdge{
	From:       "ad_spend",
	To:         "signups",
	Mechanism:  "advertising reaches prospects who then sign up",
	Provenance: causal.ProvenancePairwise,
}

func groundedVerdict(confidence float64) *causal.VerificationVerdict {
	return &causal.VerificationVerdict{
		IsGrounded:      true,
		SupportType:     causal.SupportDirectCausal,
		SupportingQuote: "ads drive signups",
		Confidence:      confidence,
	}
}

func TestVerifyGroundedFirstIteration(t *testing.T) {
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			return groundedVerdict(0.8), nil
		},
	}
	agent := newTestAgent(t, &stubRetriever{}, j, Config{})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State != StateGrounded || !report.Grounded {
		t.Fatalf("state = %v, want GROUNDED", report.State)
	}
	if report.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", report.Iterations)
	}
	if report.Confidence != 0.8 {
		t.Errorf("confidence = %v", report.Confidence)
	}
	if len(report.EvidenceRefs) != 1 || report.EvidenceRefs[0] != "doc-1" {
		t.Errorf("evidence refs = %v", report.EvidenceRefs)
	}
	if len(report.Verdicts) != 1 {
		t.Errorf("verdict history = %d entries, want 1", len(report.Verdicts))
	}
}

func TestVerifyLowConfidenceNotAccepted(t *testing.T) {
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			v := groundedVerdict(0.4)
			return v, nil
		},
	}
	agent := newTestAgent(t, &stubRetriever{}, j, Config{ConfidenceThreshold: 0.6})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State == StateGrounded {
		t.Fatal("verdict below the confidence threshold must not be accepted")
	}
}

// A judge that keeps proposing fresh refinement queries must be stopped
// by the iteration cap.
func TestVerifyAlwaysRefineHitsIterationCap(t *testing.T) {
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			return &causal.VerificationVerdict{
				IsGrounded:               false,
				SupportType:              causal.SupportIrrelevant,
				RejectionReason:          "not found yet",
				Confidence:               0.3,
				SuggestedRefinementQuery: fmt.Sprintf("refined query number %d", call),
			}, nil
		},
	}
	agent := newTestAgent(t, &stubRetriever{}, j, Config{MaxIterations: 3})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State != StateExhausted {
		t.Fatalf("state = %v, want EXHAUSTED", report.State)
	}
	if report.RejectionReason != ReasonMaxIterations {
		t.Errorf("reason = %q, want %q", report.RejectionReason, ReasonMaxIterations)
	}
	if report.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", report.Iterations)
	}
	if len(report.Verdicts) != 3 {
		t.Errorf("verdict history = %d entries, want 3", len(report.Verdicts))
	}
}

// A judge that re-suggests an already-attempted query (modulo case and
// whitespace) ends the loop with exhausted_refinements.
func TestVerifyRepeatedRefinementRejected(t *testing.T) {
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			return &causal.VerificationVerdict{
				IsGrounded:               false,
				SupportType:              causal.SupportCorrelationOnly,
				Confidence:               0.3,
				SuggestedRefinementQuery: "  Advertising reaches prospects who then SIGN UP ",
			}, nil
		},
	}
	agent := newTestAgent(t, &stubRetriever{}, j, Config{MaxIterations: 5})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State != StateRejected {
		t.Fatalf("state = %v, want REJECTED", report.State)
	}
	if report.RejectionReason != ReasonExhaustedRefinements {
		t.Errorf("reason = %q, want %q", report.RejectionReason, ReasonExhaustedRefinements)
	}
	if report.Iterations != 1 {
		t.Errorf("iterations = %d, want 1 (refinement equals the initial query)", report.Iterations)
	}
}

func TestVerifyRejectedWithJudgeReason(t *testing.T) {
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			return &causal.VerificationVerdict{
				IsGrounded:      false,
				SupportType:     causal.SupportCorrelationOnly,
				RejectionReason: "only co-occurrence, no mechanism",
				Confidence:      0.7,
			}, nil
		},
	}
	agent := newTestAgent(t, &stubRetriever{}, j, Config{})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State != StateRejected {
		t.Fatalf("state = %v, want REJECTED", report.State)
	}
	if report.RejectionReason != "only co-occurrence, no mechanism" {
		t.Errorf("reason = %q", report.RejectionReason)
	}
}

func TestVerifyJudgeFailureTerminatesLoop(t *testing.T) {
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			return nil, fmt.Errorf("%w: schema violations", judge.ErrJudgeFailed)
		},
	}
	agent := newTestAgent(t, &stubRetriever{}, j, Config{})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State != StateExhausted {
		t.Fatalf("state = %v, want EXHAUSTED", report.State)
	}
	if report.RejectionReason != ReasonJudgeFailed {
		t.Errorf("reason = %q, want %q", report.RejectionReason, ReasonJudgeFailed)
	}
}

func TestVerifyRetrievalFailureTerminatesLoop(t *testing.T) {
	r := &stubRetriever{err: retrieve.ErrUnavailable}
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			t.Fatal("judge must not run when retrieval fails")
			return nil, nil
		},
	}
	agent := newTestAgent(t, r, j, Config{})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State != StateExhausted {
		t.Fatalf("state = %v, want EXHAUSTED", report.State)
	}
	if report.RejectionReason != ReasonRetrievalFailed {
		t.Errorf("reason = %q, want %q", report.RejectionReason, ReasonRetrievalFailed)
	}
	// The governor retried the unavailable retriever before giving up.
	if r.calls.Load() != 2 {
		t.Errorf("retriever calls = %d, want 2", r.calls.Load())
	}
}

func TestVerifyAdversarialDowngrade(t *testing.T) {
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			return groundedVerdict(0.92), nil
		},
		adv: &causal.AdversarialVerdict{
			StillGrounded:           false,
			AlternativeExplanations: []string{"seasonality drives both"},
			Confidence:              0.3,
		},
	}
	agent := newTestAgent(t, &stubRetriever{}, j, Config{Adversarial: true})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State != StateGrounded {
		t.Fatalf("state = %v, want GROUNDED (adversarial pass never reopens the loop)", report.State)
	}
	if report.Strength != causal.StrengthWeak {
		t.Errorf("strength = %v, want weak after downgrade", report.Strength)
	}
	if report.Adversarial == nil || len(report.Adversarial.AlternativeExplanations) != 1 {
		t.Error("adversarial annotation missing")
	}
	if j.advCalls.Load() != 1 {
		t.Errorf("adversarial calls = %d, want 1", j.advCalls.Load())
	}
}

func TestVerifyAdversarialSkippedBelowStrong(t *testing.T) {
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			return groundedVerdict(0.7), nil
		},
	}
	agent := newTestAgent(t, &stubRetriever{}, j, Config{Adversarial: true})

	report, err := agent.Verify(context.Background(), testEdge)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.State != StateGrounded {
		t.Fatalf("state = %v, want GROUNDED", report.State)
	}
	if j.advCalls.Load() != 0 {
		t.Errorf("adversarial calls = %d, want 0 for non-strong evidence", j.advCalls.Load())
	}
}

func TestVerifyIterationsAreCached(t *testing.T) {
	r := &stubRetriever{}
	j := &stubJudge{
		evaluate: func(call int, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
			return groundedVerdict(0.8), nil
		},
	}
	agent := newTestAgent(t, r, j, Config{})

	for i := 0; i < 3; i++ {
		if _, err := agent.Verify(context.Background(), testEdge); err != nil {
			t.Fatalf("Verify #%d: %v", i, err)
		}
	}
	if r.calls.Load() != 1 {
		t.Errorf("retriever calls = %d, want 1 (iterations cached by edge+query)", r.calls.Load())
	}
	if j.calls.Load() != 1 {
		t.Errorf("judge calls = %d, want 1", j.calls.Load())
	}
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct{ in, want string }{
		{"  Ad Spend drives  Signups ", "ad spend drives signups"},
		{"ad spend drives signups", "ad spend drives signups"},
		{"AD\nSPEND\tdrives signups", "ad spend drives signups"},
	}
	for _, tt := range tests {
		if got := NormalizeQuery(tt.in); got != tt.want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
