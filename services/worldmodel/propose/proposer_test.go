// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package propose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/causeway/services/worldmodel/cache"
	"github.com/AleutianAI/causeway/services/worldmodel/causal"
	"github.com/AleutianAI/causeway/services/worldmodel/govern"
	"github.com/AleutianAI/causeway/services/worldmodel/llm"
)

// stubOracle scripts structured responses keyed by prompt content.
type stubOracle struct {
	calls   atomic.Int64
	respond func(req *llm.Request) (string, error)
}

func (s *stubOracle) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return s.CompleteStructured(ctx, req, nil)
}

func (s *stubOracle) CompleteStructured(ctx context.Context, req *llm.Request, _ *llm.ResponseSchema) (*llm.Response, error) {
	s.calls.Add(1)
	content, err := s.respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: content}, nil
}

func (s *stubOracle) Name() string  { return "stub" }
func (s *stubOracle) Model() string { return "stub-model" }

func testGovernor(t *testing.T) *govern.Governor {
	t.Helper()
	g, err := govern.New(govern.Config{
		MaxConcurrent: 4,
		MaxAttempts:   2,
		BackoffBase:   time.Millisecond,
		JitterMax:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	return g
}

func pairwiseJSON(answer, mechanism string) string {
	b, _ := json.Marshal(pairwiseReply{Answer: answer, Mechanism: mechanism})
	return string(b)
}

func TestNormalizeAnswer(t *testing.T) {
	tests := []struct {
		raw  string
		want Verdict
	}{
		{"A", VerdictForward},
		{"A.", VerdictForward},
		{"A\n", VerdictForward},
		{"Option A", VerdictForward},
		{"The answer is A", VerdictForward},
		{"first", VerdictForward},
		{"b", VerdictReverse},
		{"B)", VerdictReverse},
		{"Second", VerdictReverse},
		{"C", VerdictNone},
		{"none", VerdictNone},
		{"Neither.", VerdictNone},
		{"No relationship", VerdictNone},
		{"unrelated", VerdictNone},
		{"", VerdictParseFailure},
		{"banana", VerdictParseFailure},
		{"it depends", VerdictParseFailure},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.raw), func(t *testing.T) {
			if got := NormalizeAnswer(tt.raw); got != tt.want {
				t.Errorf("NormalizeAnswer(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

// promptNames extracts the two variable names from a pairwise prompt.
func promptNames(prompt string) (string, string) {
	var a, b string
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "Variable A: "); ok {
			a, _, _ = strings.Cut(rest, " - ")
		}
		if rest, ok := strings.CutPrefix(line, "Variable B: "); ok {
			b, _, _ = strings.Cut(rest, " - ")
		}
	}
	return a, b
}

func TestPairwisePropose(t *testing.T) {
	variables := []causal.Variable{
		{ID: "ad_spend", Name: "Ad Spend"},
		{ID: "churn", Name: "Churn"},
		{ID: "revenue", Name: "Revenue"},
		{ID: "signups", Name: "Signups"},
	}

	oracle := &stubOracle{
		respond: func(req *llm.Request) (string, error) {
			a, b := promptNames(req.Prompt)
			switch a + "|" + b {
			case "Ad Spend|Signups":
				return pairwiseJSON("A", "more ads bring more signups"), nil
			case "Churn|Revenue":
				return pairwiseJSON("Option A", "churn erodes recurring revenue"), nil
			case "Revenue|Signups":
				return pairwiseJSON("B.", "signups convert into paying revenue"), nil
			case "Ad Spend|Churn":
				return pairwiseJSON("maybe", ""), nil
			default:
				return pairwiseJSON("C", ""), nil
			}
		},
	}

	proposer, err := NewPairwiseProposer(oracle, testGovernor(t), cache.New(), PairwiseConfig{})
	if err != nil {
		t.Fatalf("NewPairwiseProposer: %v", err)
	}

	result, err := proposer.Propose(context.Background(), variables)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if got := oracle.calls.Load(); got != 6 {
		t.Errorf("oracle calls = %d, want 6 (one per unordered pair)", got)
	}
	if result.OracleCalls != 6 {
		t.Errorf("OracleCalls = %d, want 6", result.OracleCalls)
	}
	if result.ParseFailures != 1 {
		t.Errorf("ParseFailures = %d, want 1", result.ParseFailures)
	}
	if result.NoRelationship != 2 {
		t.Errorf("NoRelationship = %d, want 2", result.NoRelationship)
	}
	if result.NormalizedRecoveries != 2 {
		t.Errorf("NormalizedRecoveries = %d, want 2 (\"Option A\" and \"B.\")", result.NormalizedRecoveries)
	}

	wantEdges := map[string]string{
		"ad_spend->signups": "more ads bring more signups",
		"churn->revenue":    "churn erodes recurring revenue",
		"signups->revenue":  "signups convert into paying revenue",
	}
	if len(result.Edges) != len(wantEdges) {
		t.Fatalf("edges = %d, want %d: %+v", len(result.Edges), len(wantEdges), result.Edges)
	}
	for _, e := range result.Edges {
		mechanism, ok := wantEdges[e.Key()]
		if !ok {
			t.Errorf("unexpected edge %s", e.Key())
			continue
		}
		if e.Mechanism != mechanism {
			t.Errorf("edge %s mechanism = %q, want %q", e.Key(), e.Mechanism, mechanism)
		}
		if e.Provenance != causal.ProvenancePairwise {
			t.Errorf("edge %s provenance = %q", e.Key(), e.Provenance)
		}
	}
}

func TestPairwiseProposeCachesVerdicts(t *testing.T) {
	variables := []causal.Variable{
		{ID: "a", Name: "A Var"},
		{ID: "b", Name: "B Var"},
		{ID: "c", Name: "C Var"},
	}
	oracle := &stubOracle{
		respond: func(req *llm.Request) (string, error) {
			return pairwiseJSON("C", ""), nil
		},
	}
	proposer, err := NewPairwiseProposer(oracle, testGovernor(t), cache.New(), PairwiseConfig{})
	if err != nil {
		t.Fatalf("NewPairwiseProposer: %v", err)
	}

	if _, err := proposer.Propose(context.Background(), variables); err != nil {
		t.Fatalf("first Propose: %v", err)
	}
	result, err := proposer.Propose(context.Background(), variables)
	if err != nil {
		t.Fatalf("second Propose: %v", err)
	}

	if got := oracle.calls.Load(); got != 3 {
		t.Errorf("oracle calls = %d, want 3 (second run served from cache)", got)
	}
	if result.OracleCalls != 0 {
		t.Errorf("second run OracleCalls = %d, want 0", result.OracleCalls)
	}
	if result.NoRelationship != 3 {
		t.Errorf("NoRelationship = %d, want 3", result.NoRelationship)
	}
}

func TestRankedPropose(t *testing.T) {
	variables := []causal.Variable{
		{ID: "ad_spend", Name: "Ad Spend"},
		{ID: "revenue", Name: "Revenue"},
		{ID: "signups", Name: "Signups"},
	}

	oracle := &stubOracle{
		respond: func(req *llm.Request) (string, error) {
			switch {
			case strings.Contains(req.Prompt, "Target variable: Revenue"):
				return `{"causes":[{"name":"Signups","mechanism":"signups convert to revenue"},{"name":"Market Mood","mechanism":"not a known variable"}]}`, nil
			case strings.Contains(req.Prompt, "Target variable: Signups"):
				return `{"causes":[{"name":"Ad Spend","mechanism":"ads drive signups"}]}`, nil
			default:
				return `{"causes":[]}`, nil
			}
		},
	}

	proposer, err := NewRankedProposer(oracle, testGovernor(t), cache.New(), RankedConfig{TopK: 3})
	if err != nil {
		t.Fatalf("NewRankedProposer: %v", err)
	}

	result, err := proposer.Propose(context.Background(), variables)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if got := oracle.calls.Load(); got != 3 {
		t.Errorf("oracle calls = %d, want 3 (one per variable)", got)
	}
	if result.ParseFailures != 1 {
		t.Errorf("ParseFailures = %d, want 1 (unresolvable cause name)", result.ParseFailures)
	}
	if result.NoRelationship != 1 {
		t.Errorf("NoRelationship = %d, want 1 (empty cause list)", result.NoRelationship)
	}

	wantEdges := map[string]bool{
		"signups->revenue":  true,
		"ad_spend->signups": true,
	}
	if len(result.Edges) != len(wantEdges) {
		t.Fatalf("edges = %d, want %d: %+v", len(result.Edges), len(wantEdges), result.Edges)
	}
	for _, e := range result.Edges {
		if !wantEdges[e.Key()] {
			t.Errorf("unexpected edge %s", e.Key())
		}
		if e.Provenance != causal.ProvenanceRanked {
			t.Errorf("edge %s provenance = %q", e.Key(), e.Provenance)
		}
	}
}

func TestRankedProposeTruncatesToTopK(t *testing.T) {
	variables := []causal.Variable{
		{ID: "x1", Name: "X One"},
		{ID: "x2", Name: "X Two"},
		{ID: "x3", Name: "X Three"},
		{ID: "y", Name: "Y"},
	}
	oracle := &stubOracle{
		respond: func(req *llm.Request) (string, error) {
			if strings.Contains(req.Prompt, "Target variable: Y") {
				return `{"causes":[
					{"name":"X One","mechanism":"m1"},
					{"name":"X Two","mechanism":"m2"},
					{"name":"X Three","mechanism":"m3"}]}`, nil
			}
			return `{"causes":[]}`, nil
		},
	}
	proposer, err := NewRankedProposer(oracle, testGovernor(t), cache.New(), RankedConfig{TopK: 2})
	if err != nil {
		t.Fatalf("NewRankedProposer: %v", err)
	}
	result, err := proposer.Propose(context.Background(), variables)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	var yEdges int
	for _, e := range result.Edges {
		if e.To == "y" {
			yEdges++
		}
	}
	if yEdges != 2 {
		t.Errorf("edges into y = %d, want 2 (truncated to top-K)", yEdges)
	}
}

func TestPairwiseProposeSurvivesTerminalPairFailure(t *testing.T) {
	variables := []causal.Variable{
		{ID: "ad_spend", Name: "Ad Spend"},
		{ID: "churn", Name: "Churn"},
		{ID: "revenue", Name: "Revenue"},
	}

	oracle := &stubOracle{
		respond: func(req *llm.Request) (string, error) {
			a, b := promptNames(req.Prompt)
			if a == "Churn" && b == "Revenue" {
				return "", govern.Permanent(fmt.Errorf("content policy rejection"))
			}
			return pairwiseJSON("A", a+" drives "+b), nil
		},
	}

	proposer, err := NewPairwiseProposer(oracle, testGovernor(t), cache.New(), PairwiseConfig{})
	if err != nil {
		t.Fatalf("NewPairwiseProposer: %v", err)
	}

	result, err := proposer.Propose(context.Background(), variables)
	if err != nil {
		t.Fatalf("Propose: %v (one bad pair must not kill the sweep)", err)
	}

	if len(result.Edges) != 2 {
		t.Errorf("edges = %d, want 2 (the surviving pairs)", len(result.Edges))
	}
	if len(result.CallFailures) != 1 {
		t.Fatalf("CallFailures = %+v, want exactly one", result.CallFailures)
	}
	failure := result.CallFailures[0]
	if failure.Key != causal.PairFingerprint("churn", "revenue") {
		t.Errorf("failure key = %q, want fingerprint of the failed pair", failure.Key)
	}
	if !strings.Contains(failure.Detail, "content policy rejection") {
		t.Errorf("failure detail = %q, want the oracle error", failure.Detail)
	}
}

func TestRankedProposeSurvivesTerminalTargetFailure(t *testing.T) {
	variables := []causal.Variable{
		{ID: "ad_spend", Name: "Ad Spend"},
		{ID: "revenue", Name: "Revenue"},
		{ID: "signups", Name: "Signups"},
	}

	oracle := &stubOracle{
		respond: func(req *llm.Request) (string, error) {
			switch {
			case strings.Contains(req.Prompt, "Target variable: Revenue"):
				return "", govern.Permanent(fmt.Errorf("oracle rejected target"))
			case strings.Contains(req.Prompt, "Target variable: Signups"):
				return `{"causes":[{"name":"Ad Spend","mechanism":"ads drive signups"}]}`, nil
			default:
				return `{"causes":[]}`, nil
			}
		},
	}

	proposer, err := NewRankedProposer(oracle, testGovernor(t), cache.New(), RankedConfig{TopK: 3})
	if err != nil {
		t.Fatalf("NewRankedProposer: %v", err)
	}

	result, err := proposer.Propose(context.Background(), variables)
	if err != nil {
		t.Fatalf("Propose: %v (one bad target must not kill the sweep)", err)
	}

	if len(result.Edges) != 1 {
		t.Errorf("edges = %d, want 1: %+v", len(result.Edges), result.Edges)
	}
	if len(result.CallFailures) != 1 {
		t.Fatalf("CallFailures = %+v, want exactly one", result.CallFailures)
	}
	if result.CallFailures[0].Key != "revenue" {
		t.Errorf("failure key = %q, want the failed target ID", result.CallFailures[0].Key)
	}
}
