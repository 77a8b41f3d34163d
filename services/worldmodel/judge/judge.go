// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package judge evaluates whether retrieved evidence supports a proposed
// causal edge.
//
// Two judge modes are provided. The grounding judge asks "does this
// evidence support the claim?" and returns a VerificationVerdict. The
// adversarial judge assumes the claim is spurious and hunts for
// alternative explanations; it runs only against edges whose evidence
// came back strong.
//
// Verdicts come back under a strict response schema. A response that
// fails to decode or validate is a schema violation: it cannot be
// recovered by re-parsing and is retried as a fresh governed call. When
// the retry budget is exhausted the caller marks the loop iteration
// judge_failed.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/causeway/services/worldmodel/causal"
	"github.com/AleutianAI/causeway/services/worldmodel/govern"
	"github.com/AleutianAI/causeway/services/worldmodel/llm"
)

var tracer = otel.Tracer("causeway.judge")

var (
	// ErrSchemaViolation indicates the oracle response did not conform
	// to the verdict schema. The call is retried fresh, never re-parsed.
	ErrSchemaViolation = errors.New("judge: response violated verdict schema")

	// ErrJudgeFailed indicates the judge could not produce a valid
	// verdict within the governor's retry budget.
	ErrJudgeFailed = errors.New("judge: no valid verdict within retry budget")
)

// Judge is the grounding-judge contract consumed by the verification loop.
type Judge interface {
	// Evaluate judges one edge against one evidence bundle.
	Evaluate(ctx context.Context, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error)

	// EvaluateAdversarial runs the devil's-advocate pass for an edge
	// that already passed grounding with strong evidence.
	EvaluateAdversarial(ctx context.Context, edge causal.CandidateEdge, supportingQuote string) (*causal.AdversarialVerdict, error)
}

const groundingSystemPrompt = `You are a causal-inference verifier.
Your task is to determine whether provided evidence TEXT supports
a proposed causal relationship.

Rules:
- Accept DIRECT causal evidence (A causes B, A leads to B, A
  drives B, A results in B). The evidence must explicitly mention
  or clearly imply a causal mechanism.
- Accept well-established domain knowledge stated in business
  plans, strategy documents, or industry analyses (e.g. "marketing
  increases customer acquisition" is a widely accepted causal claim
  even without a controlled experiment).
- Accept evidence describing plans, strategies, or projections that
  express domain-expert causal beliefs. These are valid for initial
  model construction even if they lack experimental proof.
- If the text only shows two variables co-occurring without ANY
  implied mechanism or plausible domain-logic connection, classify
  as "correlation_only" and set is_grounded=false.
- If the text is about unrelated topics, classify as "irrelevant"
  and set is_grounded=false.
- When is_grounded=true, extract the EXACT verbatim quote (no
  paraphrasing) as supporting_quote.
- When is_grounded=false and you believe better evidence might exist
  in the document corpus, suggest a refined search query in
  suggested_refinement_query. If you do not believe better evidence
  exists, leave it empty.
- Be fair and constructive: for initial graph construction, your
  primary goal is to identify genuine causal relationships even
  when evidence is indirect. Accept claims when the evidence
  plausibly supports a causal link; err on the side of inclusion
  with an appropriately calibrated confidence score rather than
  rejecting borderline cases outright.`

const groundingTemplate = `## Proposed Causal Edge
- **Cause variable:** %s
- **Effect variable:** %s
- **Proposed mechanism:** %s

## Retrieved Evidence Chunks
%s

## Task
Does the evidence above explicitly support the claim that
**%s** causes **%s** through the mechanism described?
Evaluate carefully and respond with a structured verdict.`

const adversarialSystemPrompt = `You are a devil's advocate reviewer for causal claims.
Assume the proposed relationship might be spurious and look for
reasons why the evidence might be misleading.

Consider:
- Confounding variables that could explain the association
- Reverse causation (B causes A instead)
- Selection bias in the evidence
- Measurement issues
- Temporal ordering problems

IMPORTANT NUANCE. Evidence types have different standards:
- Academic or empirical studies: require rigorous causal evidence.
- Business plans, projections, strategy documents: these express
  domain-expert causal beliefs grounded in industry knowledge. A
  business plan stating "marketing drives customer acquisition" is a
  valid causal claim based on established business logic, even if it
  is forward-looking. Do NOT reject claims merely because they come
  from a planning or strategy document.
- Mission statements and aspirational text: these are weaker but
  still signal believed causal relationships.

Be thorough but fair. If after scrutiny the claim genuinely holds
as a reasonable causal belief supported by the evidence context, set
still_grounded=true.`

const adversarialTemplate = `## Proposed Causal Edge
- **Cause variable:** %s
- **Effect variable:** %s
- **Proposed mechanism:** %s
- **Supporting quote:** %s

## Task
Assume this causal relationship is spurious. What alternative
explanations could account for the observed evidence? What
assumptions must hold for the causal claim to be valid?`

var verdictSchema = &llm.ResponseSchema{
	Name: "verification_verdict",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"is_grounded": {"type": "boolean"},
			"support_type": {"type": "string", "enum": ["direct_causal", "correlation_only", "irrelevant"]},
			"supporting_quote": {"type": "string"},
			"rejection_reason": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"suggested_refinement_query": {"type": "string"}
		},
		"required": ["is_grounded", "support_type", "confidence"],
		"additionalProperties": false
	}`),
}

var adversarialSchema = &llm.ResponseSchema{
	Name: "adversarial_verdict",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"still_grounded": {"type": "boolean"},
			"alternative_explanations": {"type": "array", "items": {"type": "string"}},
			"assumptions_required": {"type": "array", "items": {"type": "string"}},
			"conditions": {"type": "array", "items": {"type": "string"}},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["still_grounded", "confidence"],
		"additionalProperties": false
	}`),
}

// Config configures the grounding judge.
type Config struct {
	// Model overrides the oracle's default model for judging; a
	// stronger reasoning model is typical here. Empty keeps the default.
	Model string

	// Temperature for judge calls.
	Temperature float64

	// MaxTokens limits each verdict response.
	MaxTokens int

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// GroundingJudge implements Judge over a reasoning oracle.
//
// Thread Safety: safe for concurrent use.
type GroundingJudge struct {
	oracle   llm.Client
	governor *govern.Governor
	config   Config
}

// New creates a grounding judge.
//
// Inputs:
//   - oracle: Reasoning oracle client. Must not be nil.
//   - governor: Shared concurrency governor. Must not be nil.
//   - config: Judge configuration.
//
// Outputs:
//   - *GroundingJudge: Configured judge
//   - error: Non-nil if a required collaborator is nil
func New(oracle llm.Client, governor *govern.Governor, config Config) (*GroundingJudge, error) {
	if oracle == nil {
		return nil, fmt.Errorf("judge: oracle client is required")
	}
	if governor == nil {
		return nil, fmt.Errorf("judge: governor is required")
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 1024
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &GroundingJudge{oracle: oracle, governor: governor, config: config}, nil
}

// Evaluate runs the grounding judge on an edge and its evidence.
//
// Description:
//
//	Formats the evidence into a numbered block, submits one governed
//	structured call, and validates the verdict. Schema violations are
//	retried as fresh calls by the governor; if the budget runs out the
//	returned error wraps ErrJudgeFailed so the verification loop can
//	mark the iteration judge_failed.
func (j *GroundingJudge) Evaluate(ctx context.Context, edge causal.CandidateEdge, evidence *causal.EvidenceBundle) (*causal.VerificationVerdict, error) {
	ctx, span := tracer.Start(ctx, "judge.evaluate",
		trace.WithAttributes(attribute.String("judge.edge", edge.Key())))
	defer span.End()

	prompt := fmt.Sprintf(groundingTemplate,
		edge.From, edge.To, edge.Mechanism,
		FormatEvidence(evidence),
		edge.From, edge.To)

	request := &llm.Request{
		SystemPrompt:  groundingSystemPrompt,
		Prompt:        prompt,
		Temperature:   j.config.Temperature,
		MaxTokens:     j.config.MaxTokens,
		ModelOverride: j.config.Model,
	}

	var verdict causal.VerificationVerdict
	err := j.governor.Execute(ctx, "judge.evaluate", func(ctx context.Context) error {
		// Fresh struct per attempt so a partially-decoded failed attempt
		// cannot leak stale fields into this attempt's verdict.
		verdict = causal.VerificationVerdict{}
		resp, err := j.oracle.CompleteStructured(ctx, request, verdictSchema)
		if err != nil {
			return err
		}
		return decodeVerdict(resp.Content, &verdict)
	})
	if err != nil {
		span.RecordError(err)
		var transient *govern.TransientServiceError
		if errors.As(err, &transient) {
			return nil, fmt.Errorf("%w: %s: %v", ErrJudgeFailed, edge.Key(), err)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("judge.grounded", verdict.IsGrounded),
		attribute.Float64("judge.confidence", verdict.Confidence),
	)
	j.config.Logger.Info("judge verdict",
		slog.String("edge", edge.Key()),
		slog.Bool("grounded", verdict.IsGrounded),
		slog.String("support_type", string(verdict.SupportType)),
		slog.Float64("confidence", verdict.Confidence),
		slog.String("rejection_reason", verdict.RejectionReason))
	return &verdict, nil
}

// EvaluateAdversarial runs the devil's-advocate judge.
func (j *GroundingJudge) EvaluateAdversarial(ctx context.Context, edge causal.CandidateEdge, supportingQuote string) (*causal.AdversarialVerdict, error) {
	ctx, span := tracer.Start(ctx, "judge.adversarial",
		trace.WithAttributes(attribute.String("judge.edge", edge.Key())))
	defer span.End()

	if supportingQuote == "" {
		supportingQuote = "(no quote extracted)"
	}

	request := &llm.Request{
		SystemPrompt:  adversarialSystemPrompt,
		Prompt:        fmt.Sprintf(adversarialTemplate, edge.From, edge.To, edge.Mechanism, supportingQuote),
		Temperature:   j.config.Temperature,
		MaxTokens:     j.config.MaxTokens,
		ModelOverride: j.config.Model,
	}

	var verdict causal.AdversarialVerdict
	err := j.governor.Execute(ctx, "judge.adversarial", func(ctx context.Context) error {
		verdict = causal.AdversarialVerdict{}
		resp, err := j.oracle.CompleteStructured(ctx, request, adversarialSchema)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(resp.Content), &verdict); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
		}
		if verdict.Confidence < 0 || verdict.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v out of range", ErrSchemaViolation, verdict.Confidence)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		var transient *govern.TransientServiceError
		if errors.As(err, &transient) {
			return nil, fmt.Errorf("%w: %s: %v", ErrJudgeFailed, edge.Key(), err)
		}
		return nil, err
	}

	j.config.Logger.Info("adversarial verdict",
		slog.String("edge", edge.Key()),
		slog.Bool("still_grounded", verdict.StillGrounded),
		slog.Int("alternatives", len(verdict.AlternativeExplanations)),
		slog.Float64("confidence", verdict.Confidence))
	return &verdict, nil
}

// decodeVerdict decodes and validates a grounding verdict. Any failure
// is a schema violation.
func decodeVerdict(content string, out *causal.VerificationVerdict) error {
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	switch out.SupportType {
	case causal.SupportDirectCausal, causal.SupportCorrelationOnly, causal.SupportIrrelevant:
	default:
		return fmt.Errorf("%w: unknown support_type %q", ErrSchemaViolation, out.SupportType)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrSchemaViolation, out.Confidence)
	}
	return nil
}

// FormatEvidence renders a bundle as a numbered block for the judge
// prompt, citing each chunk's document and location.
func FormatEvidence(bundle *causal.EvidenceBundle) string {
	if bundle.IsEmpty() {
		return "(no evidence retrieved)"
	}

	var b strings.Builder
	i := 0
	writeChunks := func(label string, snippets []causal.Snippet) {
		for _, s := range snippets {
			i++
			source := s.Source.DocTitle
			if source == "" {
				source = s.Source.DocID
			}
			var locParts []string
			if s.Location.Page > 0 {
				locParts = append(locParts, fmt.Sprintf("p.%d", s.Location.Page))
			}
			if s.Location.Section != "" {
				locParts = append(locParts, s.Location.Section)
			}
			loc := "unknown location"
			if len(locParts) > 0 {
				loc = strings.Join(locParts, ", ")
			}
			fmt.Fprintf(&b, "### Chunk %d%s [%s - %s]\n%s\n\n", i, label, source, loc, s.Content)
		}
	}
	writeChunks("", bundle.Supporting)
	writeChunks(" (counter-evidence)", bundle.Refuting)
	return strings.TrimRight(b.String(), "\n")
}
