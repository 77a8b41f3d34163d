// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package causal defines the data model for causal world-model construction.
//
// The package contains the records that flow through the edge-discovery
// pipeline: variables, candidate edges, retrieved evidence, and judge
// verdicts. Records are value types; a stage that annotates a record
// produces a new one rather than mutating its input.
//
// # Ownership Model
//
// Variables are owned by the orchestrator for the duration of a
// construction run and are immutable once admitted to the graph.
// EvidenceBundles are owned by the retrieval boundary; verdicts reference
// them but do not own them.
//
// # Thread Safety
//
// All types in this package are plain data and safe to share once
// constructed.
package causal

// VariableType classifies the statistical nature of a variable.
type VariableType string

const (
	// VariableContinuous is a real-valued variable.
	VariableContinuous VariableType = "continuous"

	// VariableDiscrete is an integer-valued variable.
	VariableDiscrete VariableType = "discrete"

	// VariableBinary is a two-valued variable.
	VariableBinary VariableType = "binary"

	// VariableCategorical is a variable over a finite unordered set.
	VariableCategorical VariableType = "categorical"
)

// VariableRole classifies the causal role a variable is believed to play.
type VariableRole string

const (
	// RoleTreatment is an intervention or input variable.
	RoleTreatment VariableRole = "treatment"

	// RoleOutcome is a measured result variable.
	RoleOutcome VariableRole = "outcome"

	// RoleConfounder influences both treatment and outcome.
	RoleConfounder VariableRole = "confounder"

	// RoleMediator sits on a causal path between two other variables.
	RoleMediator VariableRole = "mediator"

	// RoleUnknown is the default when discovery has not assigned a role.
	RoleUnknown VariableRole = "unknown"
)

// Variable is a named node in the causal world model.
//
// ID is the canonical identifier produced by CanonicalID at variable
// discovery time. All pipeline stages reference variables by ID; display
// names are for humans only.
type Variable struct {
	// ID is the stable canonical identifier.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Type classifies the variable's statistical nature.
	Type VariableType `json:"type"`

	// Role classifies the variable's believed causal role.
	Role VariableRole `json:"role"`

	// Description is optional free text about what the variable measures.
	Description string `json:"description,omitempty"`
}

// Provenance identifies which proposer produced a candidate edge.
type Provenance string

const (
	// ProvenancePairwise marks edges from the pairwise proposer.
	ProvenancePairwise Provenance = "pairwise"

	// ProvenanceRanked marks edges from the per-variable ranked proposer.
	ProvenanceRanked Provenance = "ranked"

	// ProvenanceManual marks edges supplied directly by a caller.
	ProvenanceManual Provenance = "manual"
)

// CandidateEdge is a proposed directed causal relationship awaiting
// verification. It is never mutated in place; verification produces a
// new annotated record.
type CandidateEdge struct {
	// From is the canonical ID of the cause variable.
	From string `json:"from"`

	// To is the canonical ID of the effect variable.
	To string `json:"to"`

	// Mechanism is a one-line free-text description of how the cause
	// is believed to produce the effect.
	Mechanism string `json:"mechanism"`

	// Provenance records which proposer produced this candidate.
	Provenance Provenance `json:"provenance"`
}

// Key returns a stable "from->to" identity for the edge.
func (e CandidateEdge) Key() string {
	return e.From + "->" + e.To
}

// SnippetSource identifies the document a snippet came from.
type SnippetSource struct {
	// DocID is the stable document identifier in the evidence store.
	DocID string `json:"doc_id"`

	// DocTitle is the human-readable document title, if known.
	DocTitle string `json:"doc_title,omitempty"`
}

// SnippetLocation identifies where in a document a snippet came from.
type SnippetLocation struct {
	// Page is the 1-based page number, 0 if unknown.
	Page int `json:"page,omitempty"`

	// Section is the section name, if known.
	Section string `json:"section,omitempty"`
}

// Snippet is a single piece of retrieved evidence text.
type Snippet struct {
	// Content is the evidence text.
	Content string `json:"content"`

	// Source identifies the originating document.
	Source SnippetSource `json:"source"`

	// Location identifies where in the document the text appears.
	Location SnippetLocation `json:"location"`

	// Score is the retriever's relevance score, if provided.
	Score float64 `json:"score,omitempty"`
}

// EvidenceBundle is the ranked evidence retrieved for one query,
// split into supporting and refuting sets.
type EvidenceBundle struct {
	// Query is the search query that produced this bundle.
	Query string `json:"query"`

	// Supporting holds snippets retrieved for the claim.
	Supporting []Snippet `json:"supporting"`

	// Refuting holds snippets retrieved against the claim.
	Refuting []Snippet `json:"refuting"`
}

// IsEmpty reports whether the bundle contains no snippets at all.
func (b *EvidenceBundle) IsEmpty() bool {
	return b == nil || (len(b.Supporting) == 0 && len(b.Refuting) == 0)
}

// Refs returns the distinct document IDs referenced by the bundle.
func (b *EvidenceBundle) Refs() []string {
	if b == nil {
		return nil
	}
	seen := make(map[string]struct{})
	refs := make([]string, 0, len(b.Supporting)+len(b.Refuting))
	for _, s := range append(append([]Snippet{}, b.Supporting...), b.Refuting...) {
		if s.Source.DocID == "" {
			continue
		}
		if _, ok := seen[s.Source.DocID]; ok {
			continue
		}
		seen[s.Source.DocID] = struct{}{}
		refs = append(refs, s.Source.DocID)
	}
	return refs
}

// SupportType classifies how retrieved evidence relates to a causal claim.
type SupportType string

const (
	// SupportDirectCausal means the evidence states or clearly implies
	// a causal mechanism.
	SupportDirectCausal SupportType = "direct_causal"

	// SupportCorrelationOnly means the evidence shows co-occurrence
	// without any implied mechanism.
	SupportCorrelationOnly SupportType = "correlation_only"

	// SupportIrrelevant means the evidence is about unrelated topics.
	SupportIrrelevant SupportType = "irrelevant"
)

// VerificationVerdict is the grounding judge's structured output for one
// retrieve→judge iteration. The verification loop retains the full ordered
// sequence of verdicts for audit.
type VerificationVerdict struct {
	// IsGrounded is true if the evidence explicitly supports a causal link.
	IsGrounded bool `json:"is_grounded"`

	// SupportType classifies the relationship the evidence demonstrates.
	SupportType SupportType `json:"support_type"`

	// SupportingQuote is the exact verbatim quote supporting the claim,
	// empty when IsGrounded is false.
	SupportingQuote string `json:"supporting_quote,omitempty"`

	// RejectionReason explains why the evidence does not support the
	// claim, empty when IsGrounded is true.
	RejectionReason string `json:"rejection_reason,omitempty"`

	// Confidence is the judge's confidence in this verdict, in [0,1].
	Confidence float64 `json:"confidence"`

	// SuggestedRefinementQuery is a better search query to try, or empty
	// if the judge does not believe better evidence exists.
	SuggestedRefinementQuery string `json:"suggested_refinement_query,omitempty"`
}

// AdversarialVerdict is the devil's-advocate judge's structured output,
// produced only for edges with strong evidence.
type AdversarialVerdict struct {
	// StillGrounded is true if the causal claim survives adversarial
	// scrutiny.
	StillGrounded bool `json:"still_grounded"`

	// AlternativeExplanations lists plausible non-causal explanations
	// for the observed evidence.
	AlternativeExplanations []string `json:"alternative_explanations"`

	// AssumptionsRequired lists assumptions that must hold for the
	// causal claim to be valid.
	AssumptionsRequired []string `json:"assumptions_required"`

	// Conditions lists boundary conditions under which the relationship
	// holds.
	Conditions []string `json:"conditions"`

	// Confidence is the judge's confidence that the claim is NOT
	// spurious, in [0,1].
	Confidence float64 `json:"confidence"`
}

// EvidenceStrength buckets a grounding confidence for reporting and for
// gating the adversarial pass.
type EvidenceStrength string

const (
	// StrengthWeak is a barely-accepted edge.
	StrengthWeak EvidenceStrength = "weak"

	// StrengthModerate is a comfortably-accepted edge.
	StrengthModerate EvidenceStrength = "moderate"

	// StrengthStrong is a high-confidence edge, eligible for the
	// adversarial pass.
	StrengthStrong EvidenceStrength = "strong"
)

// StrengthForConfidence buckets a confidence score. The strong threshold
// is configurable by the caller; moderate begins halfway between the
// grounding threshold and strong.
func StrengthForConfidence(confidence, groundingThreshold, strongThreshold float64) EvidenceStrength {
	if confidence >= strongThreshold {
		return StrengthStrong
	}
	if confidence >= (groundingThreshold+strongThreshold)/2 {
		return StrengthModerate
	}
	return StrengthWeak
}

// EdgeStatus tracks an edge's position in the verification lifecycle.
// An edge moves draft to grounded only through a successful verification
// loop; rejected edges are retained with their reason, never deleted.
type EdgeStatus string

const (
	// StatusDraft is a proposed edge awaiting verification.
	StatusDraft EdgeStatus = "draft"

	// StatusGrounded is a verified, evidence-backed edge.
	StatusGrounded EdgeStatus = "grounded"

	// StatusRejected is an edge refused by verification or by graph
	// admission.
	StatusRejected EdgeStatus = "rejected"
)
