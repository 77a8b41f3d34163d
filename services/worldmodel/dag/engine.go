// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag owns the committed causal graph.
//
// The graph is the one piece of mutable shared state in the discovery
// pipeline. All mutation goes through Engine under a single-writer
// discipline; cycle detection runs against a consistent snapshot before
// any state changes, so the graph never transiently contains a cycle.
//
// # Ownership Model
//
// Engine exclusively owns the variable and edge sets. Callers must
// resolve identifiers to canonical IDs before calling; the engine does
// no fuzzy matching.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/causeway/services/worldmodel/causal"
)

var (
	// ErrUnknownVariable indicates an edge endpoint that is not a known
	// variable ID.
	ErrUnknownVariable = errors.New("dag: unknown variable")

	// ErrCycleDetected indicates the edge would create a directed cycle.
	ErrCycleDetected = errors.New("dag: edge would create a cycle")

	// ErrDuplicateEdge indicates the edge is already committed.
	ErrDuplicateEdge = errors.New("dag: edge already exists")

	// ErrInvalidVariable indicates a variable with no ID.
	ErrInvalidVariable = errors.New("dag: variable ID is required")
)

// RejectionReason labels why an edge was refused admission.
type RejectionReason string

const (
	RejectionUnknownVariable RejectionReason = "unknown_variable"
	RejectionCycleDetected   RejectionReason = "cycle_detected"
	RejectionDuplicateEdge   RejectionReason = "duplicate_edge"
)

// EdgeRejection is a structured admission refusal. It is returned as an
// error so callers cannot accidentally drop it, and carries enough
// context for the orchestrator's dropout ledger.
type EdgeRejection struct {
	From   string
	To     string
	Reason RejectionReason
	Detail string
}

// Error implements the error interface.
func (r *EdgeRejection) Error() string {
	return fmt.Sprintf("dag: edge %s->%s rejected (%s): %s", r.From, r.To, r.Reason, r.Detail)
}

// Unwrap maps the rejection onto its sentinel for errors.Is checks.
func (r *EdgeRejection) Unwrap() error {
	switch r.Reason {
	case RejectionUnknownVariable:
		return ErrUnknownVariable
	case RejectionCycleDetected:
		return ErrCycleDetected
	case RejectionDuplicateEdge:
		return ErrDuplicateEdge
	}
	return nil
}

// Metadata is the durable payload carried by a committed edge.
type Metadata struct {
	// Mechanism is the free-text causal mechanism description.
	Mechanism string `json:"mechanism"`

	// Confidence is the verification confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Strength buckets the evidence quality.
	Strength causal.EvidenceStrength `json:"strength,omitempty"`

	// EvidenceRefs are the document IDs grounding the edge.
	EvidenceRefs []string `json:"evidence_refs,omitempty"`

	// Provenance records which proposer produced the edge.
	Provenance causal.Provenance `json:"provenance,omitempty"`
}

// Edge is a committed directed edge.
type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Metadata Metadata `json:"metadata"`
}

// Key returns the edge's identity string.
func (e Edge) Key() string { return e.From + "->" + e.To }

// Engine maintains the committed DAG.
//
// Thread Safety: all methods are safe for concurrent use. Admission
// decisions serialize on an internal mutex so cycle-detection reads
// observe a consistent graph.
type Engine struct {
	mu        sync.RWMutex
	variables map[string]causal.Variable
	edges     map[string]Edge
	out       map[string][]string
}

// NewEngine creates an empty graph engine.
func NewEngine() *Engine {
	return &Engine{
		variables: make(map[string]causal.Variable),
		edges:     make(map[string]Edge),
		out:       make(map[string][]string),
	}
}

// AddVariable registers a variable. Re-adding an existing ID updates
// its descriptive fields without touching edges.
func (e *Engine) AddVariable(v causal.Variable) error {
	if v.ID == "" {
		return ErrInvalidVariable
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.variables[v.ID] = v
	return nil
}

// HasVariable reports whether the ID is registered.
func (e *Engine) HasVariable(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.variables[id]
	return ok
}

// AddEdge admits a directed edge after validating both endpoints and
// proving the insertion cannot close a cycle.
//
// Description:
//
//	Validation runs in order: unknown endpoints, duplicate identity,
//	then a reachability check asking whether a path already runs from
//	`to` back to `from`. Only after all checks pass is state mutated.
//
// Outputs:
//   - error: nil on success; *EdgeRejection (unwrapping to
//     ErrUnknownVariable, ErrDuplicateEdge, or ErrCycleDetected) on
//     refusal.
func (e *Engine) AddEdge(from, to string, md Metadata) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.variables[from]; !ok {
		return &EdgeRejection{From: from, To: to, Reason: RejectionUnknownVariable,
			Detail: fmt.Sprintf("%q is not a registered variable", from)}
	}
	if _, ok := e.variables[to]; !ok {
		return &EdgeRejection{From: from, To: to, Reason: RejectionUnknownVariable,
			Detail: fmt.Sprintf("%q is not a registered variable", to)}
	}

	key := from + "->" + to
	if _, ok := e.edges[key]; ok {
		return &EdgeRejection{From: from, To: to, Reason: RejectionDuplicateEdge,
			Detail: "edge already committed"}
	}

	// A self-loop is the degenerate cycle; reachableLocked covers it
	// because every node reaches itself.
	if e.reachableLocked(to, from) {
		return &EdgeRejection{From: from, To: to, Reason: RejectionCycleDetected,
			Detail: fmt.Sprintf("path already exists from %q to %q", to, from)}
	}

	e.edges[key] = Edge{From: from, To: to, Metadata: md}
	e.out[from] = append(e.out[from], to)
	return nil
}

// reachableLocked reports whether target is reachable from start over
// committed edges. Callers must hold e.mu.
func (e *Engine) reachableLocked(start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range e.out[node] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Variables returns all registered variables sorted by ID.
func (e *Engine) Variables() []causal.Variable {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vars := make([]causal.Variable, 0, len(e.variables))
	for _, v := range e.variables {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].ID < vars[j].ID })
	return vars
}

// Edges returns all committed edges sorted by identity.
func (e *Engine) Edges() []Edge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	edges := make([]Edge, 0, len(e.edges))
	for _, edge := range e.edges {
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return edges
}

// EdgeCount returns the number of committed edges.
func (e *Engine) EdgeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.edges)
}

// TopologicalOrder returns the variable IDs in a dependency-respecting
// order. The admission invariant guarantees a valid ordering exists.
func (e *Engine) TopologicalOrder() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indegree := make(map[string]int, len(e.variables))
	for id := range e.variables {
		indegree[id] = 0
	}
	for _, edge := range e.edges {
		indegree[edge.To]++
	}

	ready := make([]string, 0, len(e.variables))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(e.variables))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)

		next := append([]string(nil), e.out[node]...)
		sort.Strings(next)
		for _, n := range next {
			indegree[n]--
			if indegree[n] == 0 {
				ready = append(ready, n)
			}
		}
		sort.Strings(ready)
	}
	return order
}
