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
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/causeway/services/worldmodel/cache"
	"github.com/AleutianAI/causeway/services/worldmodel/causal"
	"github.com/AleutianAI/causeway/services/worldmodel/govern"
	"github.com/AleutianAI/causeway/services/worldmodel/llm"
)

const rankedSystemPrompt = `You are a careful causal reasoning assistant.
Given a target variable and a list of candidate variables, pick the most
plausible direct causes of the target from the candidate list only.`

const rankedUserPromptHeader = `Target variable: %s - %s

Candidate causes (use these exact names):
%s

List up to %d candidates, most plausible first, that directly causally
influence the target. For each, give a one-sentence mechanism. If none
plausibly cause the target, return an empty list.`

var rankedSchema = &llm.ResponseSchema{
	Name: "ranked_causes",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"causes": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string"},
						"mechanism": {"type": "string"}
					},
					"required": ["name", "mechanism"],
					"additionalProperties": false
				}
			}
		},
		"required": ["causes"],
		"additionalProperties": false
	}`),
}

type rankedReply struct {
	Causes []rankedCause `json:"causes"`
}

type rankedCause struct {
	Name      string `json:"name"`
	Mechanism string `json:"mechanism"`
}

// rankedOutcome is the cached per-target result.
type rankedOutcome struct {
	TargetID string        `json:"target_id"`
	Causes   []rankedCause `json:"causes"`
	FromCache bool         `json:"-"`
}

// RankedConfig configures the ranked proposer.
type RankedConfig struct {
	// TopK is the maximum causes requested per target.
	TopK int

	// Temperature for oracle calls.
	Temperature float64

	// MaxTokens limits each oracle response.
	MaxTokens int

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// RankedProposer proposes edges with one top-K query per variable,
// reducing call volume from quadratic to linear in the variable count.
type RankedProposer struct {
	oracle   llm.Client
	governor *govern.Governor
	results  *cache.ResultCache
	config   RankedConfig
}

// NewRankedProposer creates a ranked proposer.
func NewRankedProposer(oracle llm.Client, governor *govern.Governor, results *cache.ResultCache, config RankedConfig) (*RankedProposer, error) {
	if oracle == nil {
		return nil, fmt.Errorf("propose: oracle client is required")
	}
	if governor == nil {
		return nil, fmt.Errorf("propose: governor is required")
	}
	if results == nil {
		return nil, fmt.Errorf("propose: result cache is required")
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 768
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &RankedProposer{oracle: oracle, governor: governor, results: results, config: config}, nil
}

// Propose issues one governed top-K query per variable.
//
// Description:
//
//	Each variable is treated as a potential effect; the oracle picks
//	its most plausible causes from the remaining variables. Cause
//	names are resolved back to canonical IDs; a name that resolves to
//	nothing in the variable set is counted as a parse failure rather
//	than inventing a variable.
func (p *RankedProposer) Propose(ctx context.Context, variables []causal.Variable) (*Result, error) {
	ctx, span := tracer.Start(ctx, "propose.ranked",
		trace.WithAttributes(
			attribute.Int("propose.variables", len(variables)),
			attribute.Int("propose.top_k", p.config.TopK),
		))
	defer span.End()

	sorted := make([]causal.Variable, len(variables))
	copy(sorted, variables)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	// Cause names resolve through the same canonicalization used
	// everywhere else; no per-edge fuzzy matching.
	idByCanonical := make(map[string]string, len(sorted))
	for _, v := range sorted {
		idByCanonical[causal.CanonicalID(v.Name)] = v.ID
		idByCanonical[v.ID] = v.ID
	}

	var (
		mu       sync.Mutex
		outcomes []rankedOutcome
		failures []CallFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range sorted {
		target := sorted[i]
		g.Go(func() error {
			outcome, err := p.rankCauses(gctx, target, sorted)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				// Terminal for this target only; other targets proceed.
				p.config.Logger.Warn("target dropped after terminal oracle failure",
					slog.String("target", target.ID),
					slog.String("error", err.Error()))
				mu.Lock()
				failures = append(failures, CallFailure{Key: target.ID, Detail: err.Error()})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].TargetID < outcomes[j].TargetID })
	sort.Slice(failures, func(i, j int) bool { return failures[i].Key < failures[j].Key })

	result := &Result{CallFailures: failures}
	for _, o := range outcomes {
		if !o.FromCache {
			result.OracleCalls++
		}
		if len(o.Causes) == 0 {
			result.NoRelationship++
			continue
		}
		for _, c := range o.Causes {
			fromID, ok := idByCanonical[causal.CanonicalID(c.Name)]
			if !ok || fromID == o.TargetID {
				result.ParseFailures++
				result.ParseFailureKeys = append(result.ParseFailureKeys,
					fmt.Sprintf("%s->%s", c.Name, o.TargetID))
				p.config.Logger.Warn("ranked cause did not resolve",
					slog.String("target", o.TargetID),
					slog.String("name", c.Name))
				continue
			}
			result.Edges = append(result.Edges, causal.CandidateEdge{
				From:       fromID,
				To:         o.TargetID,
				Mechanism:  c.Mechanism,
				Provenance: causal.ProvenanceRanked,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("propose.edges", len(result.Edges)),
		attribute.Int("propose.parse_failures", result.ParseFailures),
	)
	p.config.Logger.Info("ranked proposal complete",
		slog.Int("variables", len(variables)),
		slog.Int("edges", len(result.Edges)),
		slog.Int("parse_failures", result.ParseFailures),
		slog.Int("call_failures", len(result.CallFailures)),
		slog.Int("oracle_calls", result.OracleCalls))
	return result, nil
}

func (p *RankedProposer) rankCauses(ctx context.Context, target causal.Variable, all []causal.Variable) (rankedOutcome, error) {
	fingerprint := fmt.Sprintf("propose:ranked:%s:k%d", target.ID, p.config.TopK)

	computed := false
	outcome, err := cache.GetOrComputeJSON(ctx, p.results, fingerprint, func(ctx context.Context) (rankedOutcome, error) {
		computed = true
		reply, err := p.askRanked(ctx, target, all)
		if err != nil {
			return rankedOutcome{}, err
		}
		causes := reply.Causes
		if len(causes) > p.config.TopK {
			causes = causes[:p.config.TopK]
		}
		return rankedOutcome{TargetID: target.ID, Causes: causes}, nil
	})
	if err != nil {
		return rankedOutcome{}, fmt.Errorf("rank causes for %s: %w", target.ID, err)
	}
	outcome.FromCache = !computed
	return outcome, nil
}

func (p *RankedProposer) askRanked(ctx context.Context, target causal.Variable, all []causal.Variable) (*rankedReply, error) {
	var candidates strings.Builder
	for _, v := range all {
		if v.ID == target.ID {
			continue
		}
		fmt.Fprintf(&candidates, "- %s: %s\n", v.Name, v.Description)
	}

	request := &llm.Request{
		SystemPrompt: rankedSystemPrompt,
		Prompt: fmt.Sprintf(rankedUserPromptHeader,
			target.Name, target.Description,
			candidates.String(), p.config.TopK),
		Temperature: p.config.Temperature,
		MaxTokens:   p.config.MaxTokens,
	}

	var reply rankedReply
	err := p.governor.Execute(ctx, "propose.ranked", func(ctx context.Context) error {
		reply = rankedReply{}
		resp, err := p.oracle.CompleteStructured(ctx, request, rankedSchema)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(resp.Content), &reply); err != nil {
			return fmt.Errorf("decode ranked reply: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}
