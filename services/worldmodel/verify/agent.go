// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify runs the evidence-grounding loop for candidate edges.
//
// Each edge moves through a small state machine: RETRIEVE fetches
// evidence for the current query, JUDGE evaluates it, and REFINE swaps
// in the judge's suggested query for another pass. The loop terminates
// in GROUNDED, REJECTED, or EXHAUSTED; every terminal report keeps the
// full ordered verdict history, so no edge is ever dropped without a
// recorded reason.
//
// Refinement queries are normalized and deduplicated per edge: a judge
// that suggests a query the loop already tried ends the edge with
// exhausted_refinements rather than rephrasing forever.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/causeway/services/worldmodel/cache"
	"github.com/AleutianAI/causeway/services/worldmodel/causal"
	"github.com/AleutianAI/causeway/services/worldmodel/govern"
	"github.com/AleutianAI/causeway/services/worldmodel/judge"
	"github.com/AleutianAI/causeway/services/worldmodel/retrieve"
)

var tracer = otel.Tracer("causeway.verify")

// State is a node in the verification state machine.
type State string

const (
	StateRetrieve  State = "RETRIEVE"
	StateJudge     State = "JUDGE"
	StateRefine    State = "REFINE"
	StateGrounded  State = "GROUNDED"
	StateRejected  State = "REJECTED"
	StateExhausted State = "EXHAUSTED"
)

// Terminal rejection reasons produced by the loop itself, as opposed to
// reasons quoted from a judge verdict.
const (
	ReasonExhaustedRefinements = "exhausted_refinements"
	ReasonMaxIterations        = "max_iterations"
	ReasonJudgeFailed          = "judge_failed"
	ReasonRetrievalFailed      = "retrieval_failed"
)

// errRetrievalFailed tags retrieval failures inside an iteration so the
// terminal reason can be recovered after cache-layer wrapping.
var errRetrievalFailed = errors.New(ReasonRetrievalFailed)

// Report is the terminal record for one edge's verification loop.
type Report struct {
	// Edge is the candidate that was verified, unmodified.
	Edge causal.CandidateEdge `json:"edge"`

	// State is the terminal state: GROUNDED, REJECTED, or EXHAUSTED.
	State State `json:"state"`

	// Grounded is true only for GROUNDED.
	Grounded bool `json:"grounded"`

	// Confidence is the accepting verdict's confidence, 0 otherwise.
	Confidence float64 `json:"confidence"`

	// Strength buckets the evidence quality for accepted edges; the
	// adversarial pass may downgrade it.
	Strength causal.EvidenceStrength `json:"strength,omitempty"`

	// RejectionReason explains non-grounded terminals.
	RejectionReason string `json:"rejection_reason,omitempty"`

	// SupportingQuote is the accepting verdict's verbatim quote.
	SupportingQuote string `json:"supporting_quote,omitempty"`

	// EvidenceRefs are the distinct document IDs consulted.
	EvidenceRefs []string `json:"evidence_refs,omitempty"`

	// Verdicts is the ordered verdict history across iterations.
	Verdicts []causal.VerificationVerdict `json:"verdicts"`

	// Adversarial is the devil's-advocate verdict, if that pass ran.
	Adversarial *causal.AdversarialVerdict `json:"adversarial,omitempty"`

	// Iterations is how many retrieve+judge rounds ran.
	Iterations int `json:"iterations"`

	// QueriesTried lists the normalized retrieval queries in order.
	QueriesTried []string `json:"queries_tried"`
}

// Config configures the verification agent.
type Config struct {
	// MaxIterations caps retrieve+judge rounds per edge. Default: 3
	MaxIterations int

	// ConfidenceThreshold is the minimum judge confidence to accept a
	// grounded verdict. Default: 0.6
	ConfidenceThreshold float64

	// StrongEvidenceThreshold is the confidence at which evidence is
	// classified strong, gating the adversarial pass. Default: 0.85
	StrongEvidenceThreshold float64

	// RetrievalTopK bounds snippets per retrieval. Default: 5
	RetrievalTopK int

	// Adversarial enables the post-acceptance devil's-advocate pass
	// for strong edges.
	Adversarial bool

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.StrongEvidenceThreshold == 0 {
		c.StrongEvidenceThreshold = 0.85
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// iterationResult is the cached outcome of one retrieve+judge round.
type iterationResult struct {
	Verdict      causal.VerificationVerdict `json:"verdict"`
	EvidenceRefs []string                   `json:"evidence_refs,omitempty"`
}

// Agent runs verification loops.
//
// Thread Safety: safe for concurrent use; independent edges verify in
// parallel without coordination.
type Agent struct {
	retriever retrieve.Retriever
	judge     judge.Judge
	governor  *govern.Governor
	results   *cache.ResultCache
	config    Config
}

// NewAgent creates a verification agent.
//
// Inputs:
//   - retriever: Grounding retriever. Must not be nil.
//   - j: Grounding judge. Must not be nil.
//   - governor: Shared concurrency governor. Must not be nil.
//   - results: Result cache. Must not be nil.
//   - config: Loop configuration; zero values take defaults.
//
// Outputs:
//   - *Agent: Configured agent
//   - error: Non-nil if a required collaborator is nil
func NewAgent(retriever retrieve.Retriever, j judge.Judge, governor *govern.Governor, results *cache.ResultCache, config Config) (*Agent, error) {
	if retriever == nil {
		return nil, fmt.Errorf("verify: retriever is required")
	}
	if j == nil {
		return nil, fmt.Errorf("verify: judge is required")
	}
	if governor == nil {
		return nil, fmt.Errorf("verify: governor is required")
	}
	if results == nil {
		return nil, fmt.Errorf("verify: result cache is required")
	}
	config.applyDefaults()
	return &Agent{retriever: retriever, judge: j, governor: governor, results: results, config: config}, nil
}

// Verify runs the grounding loop for one edge.
//
// Description:
//
//	Starts from the edge's mechanism description as the initial query
//	and iterates retrieve→judge→refine until a terminal state. Failure
//	of a retrieval or judge call past the governor's retry budget
//	terminates the loop in EXHAUSTED with retrieval_failed or
//	judge_failed; only context cancellation propagates as an error.
//
// Outputs:
//   - *Report: Terminal report with full verdict history. Non-nil
//     whenever error is nil.
//   - error: Non-nil only on context cancellation.
func (a *Agent) Verify(ctx context.Context, edge causal.CandidateEdge) (*Report, error) {
	ctx, span := tracer.Start(ctx, "verify.edge",
		trace.WithAttributes(attribute.String("verify.edge", edge.Key())))
	defer span.End()

	report := &Report{Edge: edge}
	attempted := make(map[string]bool)
	query := edge.Mechanism

	for iter := 1; iter <= a.config.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		norm := NormalizeQuery(query)
		attempted[norm] = true
		report.QueriesTried = append(report.QueriesTried, norm)
		report.Iterations = iter

		outcome, err := a.iterate(ctx, edge, query)
		if err != nil {
			return a.terminateOnError(span, report, err)
		}

		verdict := outcome.Verdict
		report.Verdicts = append(report.Verdicts, verdict)
		report.EvidenceRefs = mergeRefs(report.EvidenceRefs, outcome.EvidenceRefs)

		if verdict.IsGrounded && verdict.Confidence >= a.config.ConfidenceThreshold {
			a.accept(ctx, report, verdict)
			span.SetAttributes(attribute.String("verify.state", string(report.State)))
			return report, nil
		}

		if verdict.SuggestedRefinementQuery != "" {
			next := NormalizeQuery(verdict.SuggestedRefinementQuery)
			if attempted[next] {
				report.State = StateRejected
				report.RejectionReason = ReasonExhaustedRefinements
				a.logTerminal(report)
				return report, nil
			}
			query = verdict.SuggestedRefinementQuery
			continue
		}

		report.State = StateRejected
		report.RejectionReason = verdict.RejectionReason
		if report.RejectionReason == "" {
			report.RejectionReason = "evidence does not support the claim"
		}
		a.logTerminal(report)
		return report, nil
	}

	report.State = StateExhausted
	report.RejectionReason = ReasonMaxIterations
	a.logTerminal(report)
	return report, nil
}

// iterate runs one retrieve+judge round through the result cache.
func (a *Agent) iterate(ctx context.Context, edge causal.CandidateEdge, query string) (*iterationResult, error) {
	fingerprint := iterationFingerprint(edge, query)
	result, err := cache.GetOrComputeJSON(ctx, a.results, fingerprint, func(ctx context.Context) (iterationResult, error) {
		var bundle *causal.EvidenceBundle
		err := a.governor.Execute(ctx, "verify.retrieve", func(ctx context.Context) error {
			var rerr error
			bundle, rerr = a.retriever.Retrieve(ctx, query, a.config.RetrievalTopK)
			return rerr
		})
		if err != nil {
			return iterationResult{}, fmt.Errorf("%w: %w", errRetrievalFailed, err)
		}

		verdict, err := a.judge.Evaluate(ctx, edge, bundle)
		if err != nil {
			return iterationResult{}, err
		}
		return iterationResult{Verdict: *verdict, EvidenceRefs: bundle.Refs()}, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// accept finalizes a GROUNDED report and optionally runs the
// adversarial pass for strong evidence.
func (a *Agent) accept(ctx context.Context, report *Report, verdict causal.VerificationVerdict) {
	report.State = StateGrounded
	report.Grounded = true
	report.Confidence = verdict.Confidence
	report.SupportingQuote = verdict.SupportingQuote
	report.Strength = causal.StrengthForConfidence(
		verdict.Confidence, a.config.ConfidenceThreshold, a.config.StrongEvidenceThreshold)

	if a.config.Adversarial && report.Strength == causal.StrengthStrong {
		adv, err := a.judge.EvaluateAdversarial(ctx, report.Edge, verdict.SupportingQuote)
		if err != nil {
			// Acceptance stands; the pass only annotates.
			a.config.Logger.Warn("adversarial pass failed",
				slog.String("edge", report.Edge.Key()),
				slog.String("error", err.Error()))
		} else {
			report.Adversarial = adv
			if !adv.StillGrounded {
				report.Strength = causal.StrengthWeak
			}
		}
	}
	a.logTerminal(report)
}

// terminateOnError maps infrastructure failures onto EXHAUSTED
// terminals. Context cancellation is the only propagated error.
func (a *Agent) terminateOnError(span trace.Span, report *Report, err error) (*Report, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	span.RecordError(err)

	report.State = StateExhausted
	switch {
	case errors.Is(err, errRetrievalFailed):
		report.RejectionReason = ReasonRetrievalFailed
	default:
		report.RejectionReason = ReasonJudgeFailed
	}
	a.config.Logger.Warn("verification loop terminated on failure",
		slog.String("edge", report.Edge.Key()),
		slog.String("reason", report.RejectionReason),
		slog.String("error", err.Error()))
	return report, nil
}

func (a *Agent) logTerminal(report *Report) {
	a.config.Logger.Info("verification terminal",
		slog.String("edge", report.Edge.Key()),
		slog.String("state", string(report.State)),
		slog.Float64("confidence", report.Confidence),
		slog.Int("iterations", report.Iterations),
		slog.String("rejection_reason", report.RejectionReason))
}

// NormalizeQuery case-folds and collapses whitespace so refinement
// queries compare by content, not formatting.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// iterationFingerprint keys one retrieve+judge round by edge identity
// plus query text.
func iterationFingerprint(edge causal.CandidateEdge, query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return fmt.Sprintf("verify:%s:%s", edge.Key(), hex.EncodeToString(sum[:8]))
}

func mergeRefs(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r] = true
	}
	for _, r := range extra {
		if !seen[r] {
			seen[r] = true
			existing = append(existing, r)
		}
	}
	return existing
}
