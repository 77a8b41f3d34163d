// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package propose generates candidate causal edges from a variable set.
//
// Two strategies are provided. PairwiseProposer submits every unordered
// variable pair as an independent governed oracle call. RankedProposer
// asks the oracle, once per variable, for its top-K plausible causes,
// cutting call volume from quadratic to linear in the variable count.
//
// All oracle answers pass through NormalizeAnswer before comparison;
// unparseable answers are counted as parse failures, never silently
// treated as "no relationship".
//
// # Thread Safety
//
// Proposers are safe for concurrent use. Per-pair work runs in parallel
// bounded by the shared governor's admission budget.
package propose

import (
	"context"
	"strings"
	"unicode"

	"github.com/AleutianAI/causeway/services/worldmodel/causal"
)

// Verdict is the normalized outcome of one pairwise oracle question.
type Verdict string

const (
	// VerdictForward means the first variable causes the second.
	VerdictForward Verdict = "forward"

	// VerdictReverse means the second variable causes the first.
	VerdictReverse Verdict = "reverse"

	// VerdictNone means no causal relationship in either direction.
	VerdictNone Verdict = "none"

	// VerdictParseFailure means the answer could not be normalized to
	// any accepted token.
	VerdictParseFailure Verdict = "parse_failure"
)

// CallFailure identifies one pair or target whose governed oracle call
// failed terminally, either with a permanent error or past the retry
// budget. The failure is terminal for that pair only; the sweep
// continues and the orchestrator ledgers the loss.
type CallFailure struct {
	// Key names the pair fingerprint or target the call was for.
	Key string

	// Detail is the final error text.
	Detail string
}

// Result is the output of one proposal run, with dropout accounting.
type Result struct {
	// Edges are the proposed candidate edges.
	Edges []causal.CandidateEdge

	// ParseFailures counts answers that could not be normalized.
	ParseFailures int

	// NoRelationship counts explicit "no relationship" verdicts.
	NoRelationship int

	// OracleCalls counts calls that actually reached the oracle
	// (cache hits excluded).
	OracleCalls int

	// ParseFailureKeys identifies the pairs or cause names behind each
	// parse failure, for the dropout ledger.
	ParseFailureKeys []string

	// NormalizedRecoveries counts answers that parsed only after
	// normalization, like "Option A" for "A". A rising count is an
	// early signal of oracle drift.
	NormalizedRecoveries int

	// CallFailures lists pairs or targets whose oracle call failed
	// terminally, for the dropout ledger.
	CallFailures []CallFailure
}

// Proposer generates candidate edges for a variable set.
type Proposer interface {
	Propose(ctx context.Context, variables []causal.Variable) (*Result, error)
}

// fillerTokens are skipped when locating the first significant token of
// an oracle answer, so "Option A" and "answer: b" normalize cleanly.
var fillerTokens = map[string]bool{
	"option": true,
	"answer": true,
	"choice": true,
	"the":    true,
	"my":     true,
	"is":     true,
}

// NormalizeAnswer reduces a raw oracle answer to a Verdict.
//
// Description:
//
//	Lower-cases the answer, strips punctuation, skips filler words,
//	and matches the first significant token against the accepted set.
//	"A.", "A\n", and "Option A" all normalize to the forward verdict;
//	anything unrecognized is a parse failure, which callers must count
//	separately from "no relationship".
func NormalizeAnswer(raw string) Verdict {
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range fields {
		if fillerTokens[tok] {
			continue
		}
		switch tok {
		case "a", "first":
			return VerdictForward
		case "b", "second":
			return VerdictReverse
		case "c", "none", "neither", "no", "unrelated":
			return VerdictNone
		default:
			return VerdictParseFailure
		}
	}
	return VerdictParseFailure
}

// exactToken reports whether a raw answer is already one of the exact
// answer tokens, needing no normalization.
func exactToken(raw string) bool {
	return raw == "A" || raw == "B" || raw == "C"
}
