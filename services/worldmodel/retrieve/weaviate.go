// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/causeway/services/worldmodel/causal"
)

var tracer = otel.Tracer("causeway.retrieve")

// EvidenceClassName is the Weaviate class holding corpus chunks.
const EvidenceClassName = "EvidenceChunk"

// WeaviateConfig configures the Weaviate-backed retriever.
type WeaviateConfig struct {
	// ClassName overrides the evidence class. Defaults to EvidenceClassName.
	ClassName string

	// CounterEvidence also queries for contradicting passages and fills
	// the bundle's refuting set.
	CounterEvidence bool

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// WeaviateRetriever implements Retriever over a Weaviate nearText index.
//
// Thread Safety: safe for concurrent use.
type WeaviateRetriever struct {
	client *weaviate.Client
	config WeaviateConfig
}

// NewWeaviateRetriever creates a retriever over the given client.
//
// Inputs:
//   - client: Weaviate client. Must not be nil.
//   - config: Retriever configuration.
//
// Outputs:
//   - *WeaviateRetriever: Configured retriever
//   - error: Non-nil if client is nil
func NewWeaviateRetriever(client *weaviate.Client, config WeaviateConfig) (*WeaviateRetriever, error) {
	if client == nil {
		return nil, fmt.Errorf("retrieve: weaviate client is required")
	}
	if config.ClassName == "" {
		config.ClassName = EvidenceClassName
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &WeaviateRetriever{client: client, config: config}, nil
}

// Ready reports whether the Weaviate instance is reachable.
func (r *WeaviateRetriever) Ready(ctx context.Context) error {
	ready, err := r.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ready {
		return ErrUnavailable
	}
	return nil
}

// Retrieve runs a nearText search for the query and returns the bundle.
//
// Description:
//
//	Issues a semantic search for passages relevant to the query. When
//	CounterEvidence is enabled a second search for contradicting
//	passages fills the refuting set. Transport failures are wrapped in
//	ErrUnavailable so callers can distinguish a dead corpus from an
//	empty one.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, limit int) (*causal.EvidenceBundle, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 5
	}

	ctx, span := tracer.Start(ctx, "retrieve.query",
		trace.WithAttributes(
			attribute.String("retrieve.class", r.config.ClassName),
			attribute.Int("retrieve.limit", limit),
		))
	defer span.End()

	supporting, err := r.search(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	bundle := &causal.EvidenceBundle{
		Query:      query,
		Supporting: supporting,
	}

	if r.config.CounterEvidence {
		refuting, err := r.search(ctx, "evidence contradicting: "+query, limit)
		if err != nil {
			// Supporting results are still usable; log and continue.
			r.config.Logger.Warn("counter-evidence search failed",
				slog.String("query", query),
				slog.String("error", err.Error()))
		} else {
			bundle.Refuting = refuting
		}
	}

	span.SetAttributes(
		attribute.Int("retrieve.supporting", len(bundle.Supporting)),
		attribute.Int("retrieve.refuting", len(bundle.Refuting)),
	)
	r.config.Logger.Debug("retrieved evidence",
		slog.String("query", query),
		slog.Int("supporting", len(bundle.Supporting)),
		slog.Int("refuting", len(bundle.Refuting)))
	return bundle, nil
}

func (r *WeaviateRetriever) search(ctx context.Context, query string, limit int) ([]causal.Snippet, error) {
	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "docId"},
		{Name: "docTitle"},
		{Name: "page"},
		{Name: "section"},
		{Name: "_additional { certainty distance }"},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(r.config.ClassName).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("retrieve: search error: %s", result.Errors[0].Message)
	}

	return parseSnippets(result, r.config.ClassName), nil
}

// parseSnippets extracts snippets from a GraphQL response. Malformed
// objects are skipped rather than failing the whole result.
func parseSnippets(result *models.GraphQLResponse, className string) []causal.Snippet {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil
	}

	snippets := make([]causal.Snippet, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		content := getString(m, "content")
		if content == "" {
			continue
		}

		snippet := causal.Snippet{
			Content: content,
			Source: causal.SnippetSource{
				DocID:    getString(m, "docId"),
				DocTitle: getString(m, "docTitle"),
			},
			Location: causal.SnippetLocation{
				Page:    int(getFloat64(m, "page")),
				Section: getString(m, "section"),
			},
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				snippet.Score = certainty
			}
		}
		snippets = append(snippets, snippet)
	}
	return snippets
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat64(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
