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
	"testing"

	"github.com/weaviate/weaviate/entities/models"
)

func graphQLFixture(className string, objects []interface{}) *models.GraphQLResponse {
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				className: objects,
			},
		},
	}
}

func TestParseSnippets(t *testing.T) {
	resp := graphQLFixture("EvidenceChunk", []interface{}{
		map[string]interface{}{
			"content":  "Higher ad spend drives signups in all pilot regions.",
			"docId":    "plan-2025",
			"docTitle": "Growth Plan",
			"page":     float64(12),
			"section":  "Marketing",
			"_additional": map[string]interface{}{
				"certainty": 0.91,
			},
		},
		map[string]interface{}{
			// empty content is skipped
			"content": "",
			"docId":   "plan-2025",
		},
		"not-a-map",
	})

	snippets := parseSnippets(resp, "EvidenceChunk")
	if len(snippets) != 1 {
		t.Fatalf("expected 1 snippet, got %d", len(snippets))
	}
	s := snippets[0]
	if s.Source.DocID != "plan-2025" {
		t.Errorf("DocID = %q", s.Source.DocID)
	}
	if s.Location.Page != 12 {
		t.Errorf("Page = %d", s.Location.Page)
	}
	if s.Location.Section != "Marketing" {
		t.Errorf("Section = %q", s.Location.Section)
	}
	if s.Score != 0.91 {
		t.Errorf("Score = %v", s.Score)
	}
}

func TestParseSnippetsMissingClass(t *testing.T) {
	resp := &models.GraphQLResponse{Data: map[string]models.JSONObject{}}
	if got := parseSnippets(resp, "EvidenceChunk"); len(got) != 0 {
		t.Errorf("expected no snippets, got %d", len(got))
	}
}

func TestNewWeaviateRetrieverRequiresClient(t *testing.T) {
	if _, err := NewWeaviateRetriever(nil, WeaviateConfig{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}
