// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discovery composes proposal, verification, and graph admission
// into one edge-discovery run.
//
// The orchestrator resolves every variable identifier through a single
// canonicalization function, verifies candidate edges in parallel, and
// admits accepted edges to the graph engine in descending confidence
// order so higher-confidence edges win when a later edge would close a
// cycle. Every edge that does not reach the final graph leaves a record
// in the dropout ledger naming the stage and reason it was lost.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/causeway/services/worldmodel/causal"
	"github.com/AleutianAI/causeway/services/worldmodel/dag"
	"github.com/AleutianAI/causeway/services/worldmodel/propose"
	"github.com/AleutianAI/causeway/services/worldmodel/telemetry"
	"github.com/AleutianAI/causeway/services/worldmodel/verify"
)

var tracer = otel.Tracer("causeway.discovery")

// ErrNoVariables indicates an empty variable set.
var ErrNoVariables = errors.New("discovery: no variables supplied")

// EdgeRecord is the durable per-edge state returned to callers. This
// shape is the contract other layers depend on.
type EdgeRecord struct {
	From            string                  `json:"from"`
	To              string                  `json:"to"`
	Mechanism       string                  `json:"mechanism"`
	Status          causal.EdgeStatus       `json:"status"`
	Confidence      float64                 `json:"confidence"`
	Strength        causal.EvidenceStrength `json:"strength,omitempty"`
	EvidenceRefs    []string                `json:"evidence_refs,omitempty"`
	RejectionReason string                  `json:"rejection_reason,omitempty"`
}

// RunResult is the outcome of one discovery run.
type RunResult struct {
	// Accepted are the edges committed to the graph.
	Accepted []EdgeRecord `json:"accepted"`

	// Rejected are edges that failed verification or admission,
	// retained with their reasons for inspection.
	Rejected []EdgeRecord `json:"rejected"`

	// Dropouts is the complete per-edge ledger of losses.
	Dropouts []telemetry.DropoutEntry `json:"dropouts"`

	// Telemetry is the run accounting snapshot.
	Telemetry telemetry.Summary `json:"telemetry"`

	// Cancelled is true when the run was cut short; Accepted still
	// holds everything admitted before the cancellation.
	Cancelled bool `json:"cancelled,omitempty"`

	// Failed is true when the run made no progress at all, such as a
	// proposal stage that failed outright. The telemetry snapshot is
	// still populated; FailureReason carries the cause.
	Failed bool `json:"failed,omitempty"`

	// FailureReason explains a failed run.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	// PairwiseMaxVariables is the variable count above which the
	// ranked proposer replaces the pairwise proposer. Default: 12
	PairwiseMaxVariables int

	// Metrics receives proposal, verification, and admission counters.
	// Nil disables metric recording.
	Metrics *telemetry.Metrics

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// Orchestrator wires the discovery pipeline together.
//
// Thread Safety: safe for concurrent use; each run keeps its own
// telemetry and the graph engine serializes admissions internally.
type Orchestrator struct {
	pairwise propose.Proposer
	ranked   propose.Proposer
	agent    *verify.Agent
	engine   *dag.Engine
	config   Config
}

// New creates an orchestrator.
//
// Inputs:
//   - pairwise: Pairwise proposer. Must not be nil.
//   - ranked: Ranked proposer; nil forces pairwise for every size.
//   - agent: Verification agent. Must not be nil.
//   - engine: Graph engine receiving accepted edges. Must not be nil.
//   - config: Orchestrator configuration.
//
// Outputs:
//   - *Orchestrator: Configured orchestrator
//   - error: Non-nil if a required collaborator is nil
func New(pairwise propose.Proposer, ranked propose.Proposer, agent *verify.Agent, engine *dag.Engine, config Config) (*Orchestrator, error) {
	if pairwise == nil {
		return nil, fmt.Errorf("discovery: pairwise proposer is required")
	}
	if agent == nil {
		return nil, fmt.Errorf("discovery: verification agent is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("discovery: graph engine is required")
	}
	if config.PairwiseMaxVariables <= 0 {
		config.PairwiseMaxVariables = 12
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Orchestrator{pairwise: pairwise, ranked: ranked, agent: agent, engine: engine, config: config}, nil
}

// DiscoverEdges runs the full pipeline over a variable set.
//
// Description:
//
//	Canonicalizes and registers the variables, proposes candidate
//	edges, verifies them in parallel, and admits accepted edges in
//	descending confidence order. The run always produces a RunResult:
//	cancellation keeps the already-admitted subset, and a proposal
//	stage that fails outright comes back as a result with Failed set
//	rather than a bare error. Only an empty variable set is an error.
func (o *Orchestrator) DiscoverEdges(ctx context.Context, variables []causal.Variable) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "discovery.run",
		trace.WithAttributes(attribute.Int("discovery.variables", len(variables))))
	defer span.End()

	if len(variables) == 0 {
		return nil, ErrNoVariables
	}

	run := telemetry.NewRun()
	result := &RunResult{}

	// Resolve every variable through the one canonicalization function
	// and register it with the engine.
	run.StageStart(telemetry.StageResolve)
	canonical := o.resolveVariables(variables)
	for _, v := range canonical {
		if err := o.engine.AddVariable(v); err != nil {
			return o.failRun(span, run, result, fmt.Errorf("register variable %q: %w", v.Name, err))
		}
	}
	run.SetVariableCount(len(canonical))
	run.StageEnd(telemetry.StageResolve)

	// Propose.
	run.StageStart(telemetry.StagePropose)
	proposal, err := o.selectProposer(len(canonical)).Propose(ctx, canonical)
	run.StageEnd(telemetry.StagePropose)
	if err != nil {
		return o.failRun(span, run, result, fmt.Errorf("proposal stage: %w", err))
	}
	candidates, duplicates := dedupCandidates(proposal.Edges)
	run.RecordProposal(telemetry.ProposalStats{
		Proposed:             len(candidates),
		NoRelationship:       proposal.NoRelationship,
		ParseFailures:        proposal.ParseFailures,
		NormalizedRecoveries: proposal.NormalizedRecoveries,
		OracleCalls:          proposal.OracleCalls,
	})
	o.config.Metrics.AddProposalVerdicts(ctx, "proposed", len(candidates))
	o.config.Metrics.AddProposalVerdicts(ctx, "no_relationship", proposal.NoRelationship)
	o.config.Metrics.AddProposalVerdicts(ctx, "parse_failure", proposal.ParseFailures)
	o.config.Metrics.AddProposalVerdicts(ctx, "call_failure", len(proposal.CallFailures))
	for _, key := range proposal.ParseFailureKeys {
		run.RecordDropout(key, telemetry.StagePropose, "parse_failure", "oracle answer did not normalize")
	}
	// Terminal per-pair call failures stay terminal for their pair but
	// never for the run.
	for _, f := range proposal.CallFailures {
		run.RecordDropout(f.Key, telemetry.StagePropose, "oracle_failed", f.Detail)
	}
	for _, d := range duplicates {
		run.RecordDropout(d.key, telemetry.StagePropose, d.reason, "")
	}

	// Verify in parallel. A cancelled context stops launching new
	// loops but completed reports still feed admission.
	run.StageStart(telemetry.StageVerify)
	reports, cancelled := o.verifyAll(ctx, candidates, run)
	run.StageEnd(telemetry.StageVerify)
	result.Cancelled = cancelled

	var accepted []*verify.Report
	for _, report := range reports {
		if report.Grounded {
			accepted = append(accepted, report)
			continue
		}
		result.Rejected = append(result.Rejected, recordFromReport(report))
		run.RecordDropout(report.Edge.Key(), telemetry.StageVerify, report.RejectionReason, "")
	}

	// Admission: descending confidence so higher-confidence edges get
	// priority when a later edge would close a cycle; key order breaks
	// ties for determinism.
	sort.Slice(accepted, func(i, j int) bool {
		if accepted[i].Confidence != accepted[j].Confidence {
			return accepted[i].Confidence > accepted[j].Confidence
		}
		return accepted[i].Edge.Key() < accepted[j].Edge.Key()
	})

	run.StageStart(telemetry.StageAdmit)
	for _, report := range accepted {
		record := recordFromReport(report)
		rejection := o.admit(report)
		if rejection == nil {
			run.RecordAdmission("")
			o.config.Metrics.RecordAdmission(ctx, "committed")
			admissionDecisions.WithLabelValues("committed").Inc()
			record.Status = causal.StatusGrounded
			result.Accepted = append(result.Accepted, record)
			continue
		}
		run.RecordAdmission(string(rejection.Reason))
		o.config.Metrics.RecordAdmission(ctx, string(rejection.Reason))
		admissionDecisions.WithLabelValues(string(rejection.Reason)).Inc()
		run.RecordDropout(report.Edge.Key(), telemetry.StageAdmit, string(rejection.Reason), rejection.Detail)
		record.Status = causal.StatusRejected
		record.RejectionReason = string(rejection.Reason)
		result.Rejected = append(result.Rejected, record)
	}
	run.StageEnd(telemetry.StageAdmit)

	result.Dropouts = run.Dropouts()
	result.Telemetry = run.Snapshot()

	span.SetAttributes(
		attribute.Int("discovery.accepted", len(result.Accepted)),
		attribute.Int("discovery.rejected", len(result.Rejected)),
	)
	disposition := "completed"
	if result.Cancelled {
		disposition = "cancelled"
	}
	runsTotal.WithLabelValues(disposition).Inc()

	o.config.Logger.Info("discovery run complete",
		slog.String("run_id", run.RunID()),
		slog.Int("variables", len(canonical)),
		slog.Int("candidates", len(candidates)),
		slog.Int("accepted", len(result.Accepted)),
		slog.Int("rejected", len(result.Rejected)),
		slog.Bool("cancelled", result.Cancelled))
	return result, nil
}

// failRun finalizes a run that made no progress. The caller gets a
// RunResult carrying the failure and the telemetry so far, never a bare
// error; cancellation before any progress is reported as Cancelled
// instead of Failed.
func (o *Orchestrator) failRun(span trace.Span, run *telemetry.RunTelemetry, result *RunResult, err error) (*RunResult, error) {
	span.RecordError(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		result.Cancelled = true
		runsTotal.WithLabelValues("cancelled").Inc()
	} else {
		result.Failed = true
		result.FailureReason = err.Error()
		runsTotal.WithLabelValues("failed").Inc()
	}
	result.Dropouts = run.Dropouts()
	result.Telemetry = run.Snapshot()
	o.config.Logger.Error("discovery run made no progress",
		slog.String("run_id", run.RunID()),
		slog.Bool("cancelled", result.Cancelled),
		slog.String("error", err.Error()))
	return result, nil
}

// VerifyEdge re-runs verification for a single edge on demand and
// returns its full verdict sequence.
func (o *Orchestrator) VerifyEdge(ctx context.Context, edge causal.CandidateEdge) (*verify.Report, error) {
	edge.From = causal.CanonicalID(edge.From)
	edge.To = causal.CanonicalID(edge.To)
	return o.agent.Verify(ctx, edge)
}

// resolveVariables assigns canonical IDs and drops duplicates, keeping
// the first occurrence of each ID.
func (o *Orchestrator) resolveVariables(variables []causal.Variable) []causal.Variable {
	seen := make(map[string]bool, len(variables))
	out := make([]causal.Variable, 0, len(variables))
	for _, v := range variables {
		if v.ID == "" {
			v.ID = causal.CanonicalID(v.Name)
		} else {
			v.ID = causal.CanonicalID(v.ID)
		}
		if v.ID == "" || seen[v.ID] {
			o.config.Logger.Warn("variable dropped during resolution",
				slog.String("name", v.Name),
				slog.String("id", v.ID))
			continue
		}
		seen[v.ID] = true
		out = append(out, v)
	}
	return out
}

func (o *Orchestrator) selectProposer(n int) propose.Proposer {
	if o.ranked != nil && n > o.config.PairwiseMaxVariables {
		return o.ranked
	}
	return o.pairwise
}

// verifyAll runs verification loops in parallel. It returns the
// completed reports and whether the run was cancelled mid-stage. Each
// candidate without a completed report gets a cancelled ledger entry,
// so the dropout total always accounts for every submitted candidate.
func (o *Orchestrator) verifyAll(ctx context.Context, candidates []causal.CandidateEdge, run *telemetry.RunTelemetry) ([]*verify.Report, bool) {
	var (
		mu      sync.Mutex
		reports []*verify.Report
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range candidates {
		edge := candidates[i]
		run.RecordVerificationSubmitted()
		g.Go(func() error {
			report, err := o.agent.Verify(gctx, edge)
			if err != nil {
				// Only cancellation escapes the loop.
				return err
			}
			for _, v := range report.Verdicts {
				run.RecordVerdictConfidence(v.Confidence)
			}
			if report.Adversarial != nil {
				run.RecordAdversarial(report.Strength == causal.StrengthWeak)
			}
			if report.Grounded {
				run.RecordGrounded()
			} else {
				run.RecordVerificationDrop(report.RejectionReason)
			}
			o.config.Metrics.RecordVerificationTerminal(gctx, string(report.State), report.Iterations)
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	cancelled := err != nil

	if cancelled {
		reported := make(map[string]bool, len(reports))
		for _, r := range reports {
			reported[r.Edge.Key()] = true
		}
		for _, edge := range candidates {
			if reported[edge.Key()] {
				continue
			}
			run.RecordVerificationCancelled()
			run.RecordDropout(edge.Key(), telemetry.StageVerify, "cancelled",
				"verification incomplete at cancellation")
		}
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Edge.Key() < reports[j].Edge.Key() })
	return reports, cancelled
}

// admit submits one accepted edge to the engine and returns the
// structured rejection, if any.
func (o *Orchestrator) admit(report *verify.Report) *dag.EdgeRejection {
	err := o.engine.AddEdge(report.Edge.From, report.Edge.To, dag.Metadata{
		Mechanism:    report.Edge.Mechanism,
		Confidence:   report.Confidence,
		Strength:     report.Strength,
		EvidenceRefs: report.EvidenceRefs,
		Provenance:   report.Edge.Provenance,
	})
	if err == nil {
		return nil
	}
	var rejection *dag.EdgeRejection
	if errors.As(err, &rejection) {
		return rejection
	}
	// AddEdge only fails with structured rejections for registered
	// engines; anything else is reported as an unknown-variable class.
	return &dag.EdgeRejection{
		From: report.Edge.From, To: report.Edge.To,
		Reason: dag.RejectionUnknownVariable, Detail: err.Error(),
	}
}

func recordFromReport(report *verify.Report) EdgeRecord {
	status := causal.StatusRejected
	if report.Grounded {
		status = causal.StatusDraft
	}
	return EdgeRecord{
		From:            report.Edge.From,
		To:              report.Edge.To,
		Mechanism:       report.Edge.Mechanism,
		Status:          status,
		Confidence:      report.Confidence,
		Strength:        report.Strength,
		EvidenceRefs:    report.EvidenceRefs,
		RejectionReason: report.RejectionReason,
	}
}

// droppedCandidate names one candidate removed before verification,
// destined for the dropout ledger.
type droppedCandidate struct {
	key    string
	reason string
}

// dedupCandidates drops repeated edge identities and self-loops before
// verification spends budget on them. Every drop is returned so the
// ledger accounts for it; a ranked proposer can emit duplicates.
func dedupCandidates(edges []causal.CandidateEdge) ([]causal.CandidateEdge, []droppedCandidate) {
	seen := make(map[string]bool, len(edges))
	out := make([]causal.CandidateEdge, 0, len(edges))
	var dropped []droppedCandidate
	for _, e := range edges {
		key := e.Key()
		if e.From == e.To {
			dropped = append(dropped, droppedCandidate{key: key, reason: "self_loop"})
			continue
		}
		if seen[key] {
			dropped = append(dropped, droppedCandidate{key: key, reason: "duplicate_candidate"})
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out, dropped
}
