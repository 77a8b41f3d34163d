// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/causeway/services/worldmodel/govern"
)

var tracer = otel.Tracer("causeway.llm")

// OpenAIClient implements Client using the OpenAI chat completions API.
//
// Thread Safety: safe for concurrent use; the underlying SDK client is
// stateless per request.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithOpenAILogger sets the structured logger.
func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint,
// e.g. a local vLLM or Ollama gateway.
func WithBaseURL(apiKey, baseURL string) OpenAIOption {
	return func(c *OpenAIClient) {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		c.client = openai.NewClientWithConfig(cfg)
	}
}

// NewOpenAIClient creates a client for the given API key and model.
//
// Inputs:
//   - apiKey: OpenAI API key (ignored if WithBaseURL replaces the client)
//   - model: Default model identifier
//   - opts: Optional configuration
//
// Outputs:
//   - *OpenAIClient: Configured client
//   - error: Non-nil if model is empty
func NewOpenAIClient(apiKey, model string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if model == "" {
		return nil, errors.New("llm: model is required")
	}
	c := &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string { return "openai" }

// Model returns the default model.
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends a free-text completion request.
func (c *OpenAIClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	return c.complete(ctx, request, nil)
}

// CompleteStructured sends a completion request with a strict JSON schema.
func (c *OpenAIClient) CompleteStructured(ctx context.Context, request *Request, schema *ResponseSchema) (*Response, error) {
	if schema == nil || len(schema.Schema) == 0 {
		return nil, govern.Permanent(errors.New("llm: structured request requires a schema"))
	}
	return c.complete(ctx, request, schema)
}

func (c *OpenAIClient) complete(ctx context.Context, request *Request, schema *ResponseSchema) (*Response, error) {
	if request == nil || request.Prompt == "" {
		return nil, govern.Permanent(errors.New("llm: empty prompt"))
	}

	model := c.model
	if request.ModelOverride != "" {
		model = request.ModelOverride
	}

	ctx, span := tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.Bool("llm.structured", schema != nil),
		))
	defer span.End()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if request.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: request.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: request.Prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(request.Temperature),
	}
	if request.MaxTokens > 0 {
		req.MaxCompletionTokens = request.MaxTokens
	}
	if schema != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schema.Name,
				Schema: schema.Schema,
				Strict: true,
			},
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		classified := classifyOpenAIError(err)
		c.logger.Warn("oracle request failed",
			slog.String("model", model),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()))
		span.RecordError(classified)
		return nil, classified
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: response contained no choices")
	}

	out := &Response{
		Content:      resp.Choices[0].Message.Content,
		TokensUsed:   resp.Usage.TotalTokens,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     elapsed,
		Model:        resp.Model,
	}
	span.SetAttributes(attribute.Int("llm.tokens_used", out.TokensUsed))
	c.logger.Debug("oracle request complete",
		slog.String("model", model),
		slog.Int("tokens", out.TokensUsed),
		slog.Duration("duration", elapsed))
	return out, nil
}

// classifyOpenAIError maps provider errors onto the governor's retry
// taxonomy: 429 is a rate limit, other 4xx are permanent, and 5xx or
// transport failures stay retryable.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return govern.RateLimited(fmt.Errorf("llm: rate limited: %w", err))
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			return govern.Permanent(fmt.Errorf("llm: request rejected (%d): %w", apiErr.HTTPStatusCode, err))
		}
	}
	return fmt.Errorf("llm: request failed: %w", err)
}
