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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/causeway/services/worldmodel/cache"
	"github.com/AleutianAI/causeway/services/worldmodel/causal"
	"github.com/AleutianAI/causeway/services/worldmodel/govern"
	"github.com/AleutianAI/causeway/services/worldmodel/llm"
)

var tracer = otel.Tracer("causeway.propose")

const pairwiseSystemPrompt = `You are a careful causal reasoning assistant.
Given two variables from a business domain, decide which causal relationship
is most plausible. Answer with exactly one of: A, B, or C.`

const pairwiseUserPrompt = `Variable A: %s - %s
Variable B: %s - %s

Which is most plausible?
A) Variable A causally influences Variable B.
B) Variable B causally influences Variable A.
C) No direct causal relationship in either direction.

If you answer A or B, describe the causal mechanism in one sentence.`

// pairwiseSchema constrains the oracle to an answer token plus an
// optional mechanism sentence.
var pairwiseSchema = &llm.ResponseSchema{
	Name: "pairwise_causal_verdict",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"answer": {"type": "string", "enum": ["A", "B", "C"]},
			"mechanism": {"type": "string"}
		},
		"required": ["answer", "mechanism"],
		"additionalProperties": false
	}`),
}

// pairwiseReply is the oracle's structured pairwise answer. The answer
// field still passes through NormalizeAnswer because lax providers echo
// tokens like "Option A" even under a schema.
type pairwiseReply struct {
	Answer    string `json:"answer"`
	Mechanism string `json:"mechanism"`
}

// pairOutcome is the cached per-pair result, stored with the pair in
// canonical (sorted-ID) order so the fingerprint's order independence
// carries over to the stored orientation.
type pairOutcome struct {
	FirstID  string  `json:"first_id"`
	SecondID string  `json:"second_id"`
	Verdict  Verdict `json:"verdict"`
	Mechanism string `json:"mechanism,omitempty"`

	// Normalized marks an answer that parsed only after normalization.
	Normalized bool `json:"normalized,omitempty"`
	FromCache  bool `json:"-"`
}

// PairwiseConfig configures the pairwise proposer.
type PairwiseConfig struct {
	// Temperature for oracle calls. Low values keep verdicts stable
	// across retries.
	Temperature float64

	// MaxTokens limits each oracle response.
	MaxTokens int

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// PairwiseProposer proposes edges by querying every unordered pair.
type PairwiseProposer struct {
	oracle   llm.Client
	governor *govern.Governor
	results  *cache.ResultCache
	config   PairwiseConfig
}

// NewPairwiseProposer creates a pairwise proposer.
//
// Inputs:
//   - oracle: Reasoning oracle client. Must not be nil.
//   - governor: Shared concurrency governor. Must not be nil.
//   - results: Result cache. Must not be nil.
//   - config: Proposer configuration.
//
// Outputs:
//   - *PairwiseProposer: Configured proposer
//   - error: Non-nil if a required collaborator is nil
func NewPairwiseProposer(oracle llm.Client, governor *govern.Governor, results *cache.ResultCache, config PairwiseConfig) (*PairwiseProposer, error) {
	if oracle == nil {
		return nil, fmt.Errorf("propose: oracle client is required")
	}
	if governor == nil {
		return nil, fmt.Errorf("propose: governor is required")
	}
	if results == nil {
		return nil, fmt.Errorf("propose: result cache is required")
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 256
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &PairwiseProposer{oracle: oracle, governor: governor, results: results, config: config}, nil
}

// Propose queries every unordered pair and returns the candidate edges.
//
// Description:
//
//	Pairs run in parallel; the governor bounds how many oracle calls
//	are in flight at once. Each pair's verdict is cached under an
//	order-independent fingerprint, so re-runs and retries cannot
//	double-count. A governed call that fails terminally is terminal
//	for that pair alone: it is reported in CallFailures and the sweep
//	continues. Only context cancellation aborts the run.
func (p *PairwiseProposer) Propose(ctx context.Context, variables []causal.Variable) (*Result, error) {
	ctx, span := tracer.Start(ctx, "propose.pairwise",
		trace.WithAttributes(attribute.Int("propose.variables", len(variables))))
	defer span.End()

	sorted := make([]causal.Variable, len(variables))
	copy(sorted, variables)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]causal.Variable, len(sorted))
	for _, v := range sorted {
		byID[v.ID] = v
	}

	var (
		mu       sync.Mutex
		outcomes []pairOutcome
		failures []CallFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			first, second := sorted[i], sorted[j]
			g.Go(func() error {
				outcome, err := p.classifyPair(gctx, first, second)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					// Terminal for this pair only; the sweep goes on.
					p.config.Logger.Warn("pair dropped after terminal oracle failure",
						slog.String("pair", causal.PairFingerprint(first.ID, second.ID)),
						slog.String("error", err.Error()))
					mu.Lock()
					failures = append(failures, CallFailure{
						Key:    causal.PairFingerprint(first.ID, second.ID),
						Detail: err.Error(),
					})
					mu.Unlock()
					return nil
				}
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Deterministic output order regardless of goroutine completion.
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].FirstID != outcomes[j].FirstID {
			return outcomes[i].FirstID < outcomes[j].FirstID
		}
		return outcomes[i].SecondID < outcomes[j].SecondID
	})
	sort.Slice(failures, func(i, j int) bool { return failures[i].Key < failures[j].Key })

	result := &Result{CallFailures: failures}
	for _, o := range outcomes {
		if !o.FromCache {
			result.OracleCalls++
		}
		if o.Normalized {
			result.NormalizedRecoveries++
		}
		switch o.Verdict {
		case VerdictForward:
			result.Edges = append(result.Edges, causal.CandidateEdge{
				From:       o.FirstID,
				To:         o.SecondID,
				Mechanism:  o.Mechanism,
				Provenance: causal.ProvenancePairwise,
			})
		case VerdictReverse:
			result.Edges = append(result.Edges, causal.CandidateEdge{
				From:       o.SecondID,
				To:         o.FirstID,
				Mechanism:  o.Mechanism,
				Provenance: causal.ProvenancePairwise,
			})
		case VerdictNone:
			result.NoRelationship++
		case VerdictParseFailure:
			result.ParseFailures++
			result.ParseFailureKeys = append(result.ParseFailureKeys,
				causal.PairFingerprint(o.FirstID, o.SecondID))
		}
	}

	span.SetAttributes(
		attribute.Int("propose.edges", len(result.Edges)),
		attribute.Int("propose.parse_failures", result.ParseFailures),
	)
	p.config.Logger.Info("pairwise proposal complete",
		slog.Int("variables", len(variables)),
		slog.Int("edges", len(result.Edges)),
		slog.Int("no_relationship", result.NoRelationship),
		slog.Int("parse_failures", result.ParseFailures),
		slog.Int("normalized_recoveries", result.NormalizedRecoveries),
		slog.Int("call_failures", len(result.CallFailures)),
		slog.Int("oracle_calls", result.OracleCalls))
	return result, nil
}

// classifyPair resolves one pair's verdict through the cache and the
// governor. The pair arrives in canonical order (first.ID < second.ID).
func (p *PairwiseProposer) classifyPair(ctx context.Context, first, second causal.Variable) (pairOutcome, error) {
	fingerprint := "propose:pair:" + causal.PairFingerprint(first.ID, second.ID)

	computed := false
	outcome, err := cache.GetOrComputeJSON(ctx, p.results, fingerprint, func(ctx context.Context) (pairOutcome, error) {
		computed = true
		reply, err := p.askPair(ctx, first, second)
		if err != nil {
			return pairOutcome{}, err
		}
		verdict := NormalizeAnswer(reply.Answer)
		if verdict == VerdictParseFailure {
			p.config.Logger.Warn("unparseable pairwise answer",
				slog.String("pair", fingerprint),
				slog.String("answer", reply.Answer))
		}
		return pairOutcome{
			FirstID:    first.ID,
			SecondID:   second.ID,
			Verdict:    verdict,
			Mechanism:  reply.Mechanism,
			Normalized: verdict != VerdictParseFailure && !exactToken(reply.Answer),
		}, nil
	})
	if err != nil {
		return pairOutcome{}, fmt.Errorf("classify pair %s: %w", fingerprint, err)
	}
	outcome.FromCache = !computed
	return outcome, nil
}

func (p *PairwiseProposer) askPair(ctx context.Context, first, second causal.Variable) (*pairwiseReply, error) {
	request := &llm.Request{
		SystemPrompt: pairwiseSystemPrompt,
		Prompt: fmt.Sprintf(pairwiseUserPrompt,
			first.Name, first.Description,
			second.Name, second.Description),
		Temperature: p.config.Temperature,
		MaxTokens:   p.config.MaxTokens,
	}

	var reply pairwiseReply
	err := p.governor.Execute(ctx, "propose.pair", func(ctx context.Context) error {
		// Fresh struct per attempt so a failed partial decode cannot
		// leak fields into a later attempt's reply.
		reply = pairwiseReply{}
		resp, err := p.oracle.CompleteStructured(ctx, request, pairwiseSchema)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(resp.Content), &reply); err != nil {
			// Structured output that fails to parse is a provider
			// defect; retrying as a fresh call is the only recovery.
			return fmt.Errorf("decode pairwise reply: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}
