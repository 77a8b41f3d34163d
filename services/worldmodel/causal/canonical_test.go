// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package causal

import "testing"

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple lowercase", input: "revenue", want: "revenue"},
		{name: "mixed case", input: "Marketing Spend", want: "marketing_spend"},
		{name: "surrounding whitespace", input: "  Churn Rate  ", want: "churn_rate"},
		{name: "punctuation collapses", input: "Customer-Acquisition (Cost)", want: "customer_acquisition_cost"},
		{name: "repeated separators", input: "a  --  b", want: "a_b"},
		{name: "trailing separator dropped", input: "price!", want: "price"},
		{name: "leading separator dropped", input: "-price", want: "price"},
		{name: "digits preserved", input: "Q3 Revenue", want: "q3_revenue"},
		{name: "empty", input: "", want: ""},
		{name: "only separators", input: "---", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalID(tt.input); got != tt.want {
				t.Errorf("CanonicalID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCanonicalID_Idempotent(t *testing.T) {
	inputs := []string{"Marketing Spend", "  churn-rate ", "A/B Test Uplift"}
	for _, in := range inputs {
		once := CanonicalID(in)
		twice := CanonicalID(once)
		if once != twice {
			t.Errorf("CanonicalID not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestPairFingerprint_OrderIndependent(t *testing.T) {
	if PairFingerprint("a", "b") != PairFingerprint("b", "a") {
		t.Error("fingerprint should not depend on argument order")
	}
	if PairFingerprint("a", "b") == PairFingerprint("a", "c") {
		t.Error("distinct pairs should produce distinct fingerprints")
	}
}

func TestEvidenceBundle_Refs(t *testing.T) {
	b := &EvidenceBundle{
		Query: "q",
		Supporting: []Snippet{
			{Content: "x", Source: SnippetSource{DocID: "doc-1"}},
			{Content: "y", Source: SnippetSource{DocID: "doc-1"}},
		},
		Refuting: []Snippet{
			{Content: "z", Source: SnippetSource{DocID: "doc-2"}},
			{Content: "w"},
		},
	}

	refs := b.Refs()
	if len(refs) != 2 {
		t.Fatalf("expected 2 distinct refs, got %d: %v", len(refs), refs)
	}
	if refs[0] != "doc-1" || refs[1] != "doc-2" {
		t.Errorf("unexpected refs order: %v", refs)
	}
}

func TestStrengthForConfidence(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       EvidenceStrength
	}{
		{name: "at strong threshold", confidence: 0.85, want: StrengthStrong},
		{name: "above strong threshold", confidence: 0.95, want: StrengthStrong},
		{name: "midpoint is moderate", confidence: 0.75, want: StrengthModerate},
		{name: "just above grounding", confidence: 0.62, want: StrengthWeak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StrengthForConfidence(tt.confidence, 0.6, 0.85)
			if got != tt.want {
				t.Errorf("StrengthForConfidence(%v) = %v, want %v", tt.confidence, got, tt.want)
			}
		})
	}
}
