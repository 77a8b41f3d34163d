// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the reasoning-oracle client contract for the
// edge-discovery pipeline.
//
// The proposer and judge only see this interface; the concrete provider
// is injected at runtime. Implementations must classify provider errors
// with govern.RateLimited / govern.Permanent so the governor can make
// retry decisions, and must be safe for concurrent use.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Client defines the interface for oracle interactions.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends a prompt and returns a free-text response.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout
	//   request - The completion request
	//
	// Outputs:
	//   *Response - The oracle response
	//   error - Non-nil if the request failed, classified for the governor
	Complete(ctx context.Context, request *Request) (*Response, error)

	// CompleteStructured sends a prompt with a strict output schema.
	//
	// The response content is guaranteed to be JSON conforming to the
	// schema when error is nil; implementations must not fall back to
	// free-text parsing.
	CompleteStructured(ctx context.Context, request *Request, schema *ResponseSchema) (*Response, error)

	// Name returns the provider name (e.g., "openai").
	Name() string

	// Model returns the default model in use.
	Model() string
}

// Request represents a completion request to the oracle.
type Request struct {
	// SystemPrompt is the system message.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Prompt is the user message.
	Prompt string `json:"prompt"`

	// MaxTokens limits the response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature"`

	// ModelOverride uses a different model for this request, e.g. a
	// stronger model for judging. Empty means the client's default.
	ModelOverride string `json:"model_override,omitempty"`
}

// Response represents an oracle response.
type Response struct {
	// Content is the text (or schema-conforming JSON) response.
	Content string `json:"content"`

	// TokensUsed is the total tokens consumed (input + output).
	TokensUsed int `json:"tokens_used"`

	// InputTokens is the input token count.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the output token count.
	OutputTokens int `json:"output_tokens"`

	// Duration is how long the request took.
	Duration time.Duration `json:"duration"`

	// Model is the model that generated this response.
	Model string `json:"model,omitempty"`
}

// ResponseSchema names a strict JSON schema for structured output.
type ResponseSchema struct {
	// Name identifies the schema to the provider.
	Name string

	// Schema is the JSON Schema document.
	Schema json.RawMessage
}
