// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieve provides grounding retrieval for edge verification.
//
// A Retriever answers a natural-language query with an EvidenceBundle of
// document snippets. The verification agent treats retrieval failures as
// a distinct outcome from empty evidence: an unavailable corpus must not
// masquerade as "no evidence found".
package retrieve

import (
	"context"
	"errors"

	"github.com/AleutianAI/causeway/services/worldmodel/causal"
)

var (
	// ErrUnavailable indicates the grounding corpus cannot be reached.
	ErrUnavailable = errors.New("retrieve: grounding corpus unavailable")

	// ErrEmptyQuery indicates a blank retrieval query.
	ErrEmptyQuery = errors.New("retrieve: empty query")
)

// Retriever is the grounding-corpus contract.
//
// Implementations must be safe for concurrent use.
type Retriever interface {
	// Retrieve returns evidence for the query, up to limit snippets per
	// direction. An empty bundle is a valid result; ErrUnavailable means
	// the corpus could not be consulted at all.
	Retrieve(ctx context.Context, query string, limit int) (*causal.EvidenceBundle, error)

	// Ready reports whether the corpus is reachable.
	Ready(ctx context.Context) error
}
