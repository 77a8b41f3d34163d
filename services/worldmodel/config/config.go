// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates discovery-run configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// OracleConfig selects and tunes the reasoning oracle.
type OracleConfig struct {
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env" validate:"required"`

	// BaseURL points at an OpenAI-compatible endpoint; empty uses the
	// provider default.
	BaseURL string `yaml:"base_url"`

	// Model is the default model for proposal calls.
	Model string `yaml:"model" validate:"required"`

	// JudgeModel is the model for judge calls; a stronger reasoning
	// model is typical. Empty falls back to Model.
	JudgeModel string `yaml:"judge_model"`

	// Temperature for oracle calls.
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`
}

// GovernorConfig tunes the shared concurrency governor.
type GovernorConfig struct {
	// MaxConcurrentCalls is the shared in-flight budget.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls" validate:"gte=1,lte=128"`

	// MaxRetries is attempts per call, including the first.
	MaxRetries int `yaml:"max_retries" validate:"gte=1,lte=20"`

	// BackoffBase is the first retry delay.
	BackoffBase time.Duration `yaml:"backoff_base" validate:"gt=0"`

	// JitterMax is the random jitter ceiling added to every backoff.
	JitterMax time.Duration `yaml:"jitter_max" validate:"gte=0"`

	// RatePerSecond throttles call starts; 0 disables rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
}

// VerificationConfig tunes the evidence-grounding loop.
type VerificationConfig struct {
	// MaxIterations caps retrieve+judge rounds per edge.
	MaxIterations int `yaml:"max_iterations" validate:"gte=1,lte=10"`

	// ConfidenceThreshold is the minimum accepting confidence.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gt=0,lt=1"`

	// StrongEvidenceThreshold gates the adversarial pass.
	StrongEvidenceThreshold float64 `yaml:"strong_evidence_threshold" validate:"gt=0,lte=1"`

	// RetrievalTopK bounds snippets per retrieval direction.
	RetrievalTopK int `yaml:"retrieval_top_k" validate:"gte=1,lte=50"`

	// Adversarial enables the devil's-advocate pass for strong edges.
	Adversarial bool `yaml:"adversarial"`
}

// WeaviateConfig locates the grounding corpus.
type WeaviateConfig struct {
	Host   string `yaml:"host" validate:"required"`
	Scheme string `yaml:"scheme" validate:"oneof=http https"`

	// ClassName is the evidence class; empty uses the default.
	ClassName string `yaml:"class_name"`

	// CounterEvidence also retrieves contradicting passages.
	CounterEvidence bool `yaml:"counter_evidence"`
}

// CacheConfig controls the persistent result-cache tier.
type CacheConfig struct {
	// Path is the on-disk store location; empty keeps the cache
	// memory-only for the run.
	Path string `yaml:"path"`

	// SyncWrites fsyncs every store write.
	SyncWrites bool `yaml:"sync_writes"`
}

// DiscoveryConfig is the full configuration for one discovery run.
type DiscoveryConfig struct {
	Oracle       OracleConfig       `yaml:"oracle" validate:"required"`
	Governor     GovernorConfig     `yaml:"governor"`
	Verification VerificationConfig `yaml:"verification"`
	Weaviate     WeaviateConfig     `yaml:"weaviate" validate:"required"`
	Cache        CacheConfig        `yaml:"cache"`

	// PairwiseMaxVariables is the variable count above which the
	// ranked strategy replaces pairwise proposal.
	PairwiseMaxVariables int `yaml:"pairwise_max_variables" validate:"gte=2,lte=100"`

	// RankedTopK caps the causes requested per target variable under
	// the ranked strategy.
	RankedTopK int `yaml:"ranked_top_k" validate:"gte=1,lte=25"`

	// RunTimeout bounds the wall clock of a whole discovery run; 0
	// disables the deadline and leaves only signal cancellation.
	RunTimeout time.Duration `yaml:"run_timeout" validate:"gte=0"`

	// TelemetryPath is where the run summary JSON is written; empty
	// disables the dump.
	TelemetryPath string `yaml:"telemetry_path"`
}

// Default returns the baseline configuration.
func Default() DiscoveryConfig {
	return DiscoveryConfig{
		Oracle: OracleConfig{
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       "gpt-4o-mini",
			JudgeModel:  "gpt-4o",
			Temperature: 0.2,
		},
		Governor: GovernorConfig{
			MaxConcurrentCalls: 8,
			MaxRetries:         5,
			BackoffBase:        2 * time.Second,
			JitterMax:          5 * time.Second,
		},
		Verification: VerificationConfig{
			MaxIterations:           3,
			ConfidenceThreshold:     0.6,
			StrongEvidenceThreshold: 0.85,
			RetrievalTopK:           5,
		},
		Weaviate: WeaviateConfig{
			Host:   "localhost:8080",
			Scheme: "http",
		},
		PairwiseMaxVariables: 12,
		RankedTopK:           5,
	}
}

var validate = validator.New()

// Load reads a YAML config file over the defaults and validates it.
//
// Inputs:
//   - path: Config file path; empty returns validated defaults.
//
// Outputs:
//   - DiscoveryConfig: Merged, validated configuration
//   - error: Non-nil on read, parse, or validation failure
func Load(path string) (DiscoveryConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c DiscoveryConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Verification.StrongEvidenceThreshold < c.Verification.ConfidenceThreshold {
		return fmt.Errorf("config: strong_evidence_threshold %.2f below confidence_threshold %.2f",
			c.Verification.StrongEvidenceThreshold, c.Verification.ConfidenceThreshold)
	}
	return nil
}

// APIKey resolves the oracle API key from the environment.
func (c OracleConfig) APIKey() (string, error) {
	key := os.Getenv(c.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("config: environment variable %s is not set", c.APIKeyEnv)
	}
	return key, nil
}
