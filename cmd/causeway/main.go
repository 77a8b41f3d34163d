// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command causeway discovers and verifies causal edges between the
// variables of a modeled system, grounding every accepted edge in a
// document corpus.
//
// Usage:
//
//	causeway discover --variables variables.yaml
//	causeway discover --variables variables.yaml --output edges.json
//	causeway verify-edge --from ad_spend --to signups --mechanism "ads drive traffic"
//
// The variables file is a YAML list:
//
//	- name: Ad Spend
//	  description: Monthly paid-acquisition budget in USD
//	  type: continuous
//	  role: driver
//	- name: Signups
//	  type: count
//
// Configuration is read from config.yaml (override with --config); every
// setting has a default, so a missing file is not an error. The oracle
// API key is resolved from the environment variable named by
// oracle.api_key_env (default OPENAI_API_KEY).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/causeway/pkg/logging"
	"github.com/AleutianAI/causeway/services/worldmodel/cache"
	"github.com/AleutianAI/causeway/services/worldmodel/causal"
	"github.com/AleutianAI/causeway/services/worldmodel/config"
	"github.com/AleutianAI/causeway/services/worldmodel/dag"
	"github.com/AleutianAI/causeway/services/worldmodel/discovery"
	"github.com/AleutianAI/causeway/services/worldmodel/govern"
	"github.com/AleutianAI/causeway/services/worldmodel/judge"
	"github.com/AleutianAI/causeway/services/worldmodel/llm"
	"github.com/AleutianAI/causeway/services/worldmodel/propose"
	"github.com/AleutianAI/causeway/services/worldmodel/retrieve"
	"github.com/AleutianAI/causeway/services/worldmodel/telemetry"
	"github.com/AleutianAI/causeway/services/worldmodel/verify"
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
	flagQuiet    bool

	cfg    config.DiscoveryConfig
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:           "causeway",
	Short:         "Causal edge discovery and evidence-grounded verification",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			// A missing default config file is fine; explicit paths are not.
			if flagConfig != "config.yaml" || !errors.Is(err, os.ErrNotExist) {
				return err
			}
			cfg = config.Default()
		}
		logger = logging.New(logging.Config{
			Level:   parseLevel(flagLogLevel),
			Service: "causeway",
			JSON:    flagLogJSON,
			Quiet:   flagQuiet,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Propose, verify, and admit causal edges for a variable set",
	RunE: func(cmd *cobra.Command, args []string) error {
		variablesPath, _ := cmd.Flags().GetString("variables")
		outputPath, _ := cmd.Flags().GetString("output")

		variables, err := loadVariables(variablesPath)
		if err != nil {
			return err
		}

		pipe, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pipe.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if cfg.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
			defer cancel()
		}

		result, err := pipe.orchestrator.DiscoverEdges(ctx, variables)
		if err != nil {
			return err
		}

		if cfg.TelemetryPath != "" {
			if path, err := result.Telemetry.Dump(cfg.TelemetryPath); err != nil {
				logger.Slog().Warn("telemetry dump failed", slog.String("error", err.Error()))
			} else {
				logger.Slog().Info("telemetry written", slog.String("path", path))
			}
		}

		logger.Slog().Info("discovery complete",
			slog.Int("accepted", len(result.Accepted)),
			slog.Int("rejected", len(result.Rejected)),
			slog.Int("dropouts", len(result.Dropouts)),
			slog.Bool("cancelled", result.Cancelled),
		)
		if err := writeJSON(outputPath, result); err != nil {
			return err
		}
		// A failed run still writes its result and telemetry; the exit
		// code carries the failure.
		if result.Failed {
			return fmt.Errorf("discovery run failed: %s", result.FailureReason)
		}
		return nil
	},
}

var verifyEdgeCmd = &cobra.Command{
	Use:   "verify-edge",
	Short: "Run the grounding loop for a single hypothesized edge",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		mechanism, _ := cmd.Flags().GetString("mechanism")
		outputPath, _ := cmd.Flags().GetString("output")

		if from == "" || to == "" {
			return fmt.Errorf("both --from and --to are required")
		}

		pipe, err := buildPipeline()
		if err != nil {
			return err
		}
		defer pipe.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		report, err := pipe.orchestrator.VerifyEdge(ctx, causal.CandidateEdge{
			From:      from,
			To:        to,
			Mechanism: mechanism,
		})
		if err != nil {
			return err
		}

		logger.Slog().Info("verification complete",
			slog.String("edge", from+"->"+to),
			slog.String("state", string(report.State)),
			slog.Float64("confidence", report.Confidence),
			slog.Int("iterations", report.Iterations),
		)
		return writeJSON(outputPath, report)
	},
}

// pipeline holds the wired components and anything that needs closing.
type pipeline struct {
	orchestrator *discovery.Orchestrator
	store        *cache.BadgerStore
}

func (p *pipeline) close() {
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			logger.Slog().Warn("cache close failed", slog.String("error", err.Error()))
		}
	}
}

func buildPipeline() (*pipeline, error) {
	log := logger.Slog()

	metrics, err := telemetry.NewMetrics(otel.Meter("causeway"))
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	apiKey, err := cfg.Oracle.APIKey()
	if err != nil {
		return nil, err
	}
	oracleOpts := []llm.OpenAIOption{llm.WithOpenAILogger(log)}
	if cfg.Oracle.BaseURL != "" {
		oracleOpts = append(oracleOpts, llm.WithBaseURL(apiKey, cfg.Oracle.BaseURL))
	}
	oracle, err := llm.NewOpenAIClient(apiKey, cfg.Oracle.Model, oracleOpts...)
	if err != nil {
		return nil, err
	}

	governor, err := govern.New(govern.Config{
		MaxConcurrent: cfg.Governor.MaxConcurrentCalls,
		MaxAttempts:   cfg.Governor.MaxRetries,
		BackoffBase:   cfg.Governor.BackoffBase,
		JitterMax:     cfg.Governor.JitterMax,
		RatePerSecond: cfg.Governor.RatePerSecond,
		Metrics:       metrics,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	cacheOpts := []cache.Option{
		cache.WithHitHook(func(tier string) {
			metrics.RecordCacheHit(context.Background(), tier)
		}),
	}
	var store *cache.BadgerStore
	if cfg.Cache.Path != "" {
		store, err = cache.OpenBadger(cache.BadgerConfig{
			Path:       cfg.Cache.Path,
			SyncWrites: cfg.Cache.SyncWrites,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		cacheOpts = append(cacheOpts, cache.WithStore(store))
	}
	results := cache.New(cacheOpts...)

	wvClient, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.Weaviate.Host,
		Scheme: cfg.Weaviate.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	retriever, err := retrieve.NewWeaviateRetriever(wvClient, retrieve.WeaviateConfig{
		ClassName:       cfg.Weaviate.ClassName,
		CounterEvidence: cfg.Weaviate.CounterEvidence,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	pairwise, err := propose.NewPairwiseProposer(oracle, governor, results, propose.PairwiseConfig{
		Temperature: cfg.Oracle.Temperature,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	ranked, err := propose.NewRankedProposer(oracle, governor, results, propose.RankedConfig{
		TopK:        cfg.RankedTopK,
		Temperature: cfg.Oracle.Temperature,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	grounding, err := judge.New(oracle, governor, judge.Config{
		Model:  cfg.Oracle.JudgeModel,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	agent, err := verify.NewAgent(retriever, grounding, governor, results, verify.Config{
		MaxIterations:           cfg.Verification.MaxIterations,
		ConfidenceThreshold:     cfg.Verification.ConfidenceThreshold,
		StrongEvidenceThreshold: cfg.Verification.StrongEvidenceThreshold,
		RetrievalTopK:           cfg.Verification.RetrievalTopK,
		Adversarial:             cfg.Verification.Adversarial,
		Logger:                  log,
	})
	if err != nil {
		return nil, err
	}

	orchestrator, err := discovery.New(pairwise, ranked, agent, dag.NewEngine(), discovery.Config{
		PairwiseMaxVariables: cfg.PairwiseMaxVariables,
		Metrics:              metrics,
		Logger:               log,
	})
	if err != nil {
		return nil, err
	}

	return &pipeline{orchestrator: orchestrator, store: store}, nil
}

func loadVariables(path string) ([]causal.Variable, error) {
	if path == "" {
		return nil, fmt.Errorf("--variables is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variables file: %w", err)
	}
	var variables []causal.Variable
	if err := yaml.Unmarshal(data, &variables); err != nil {
		return nil, fmt.Errorf("parse variables file %s: %w", path, err)
	}
	return variables, nil
}

// writeJSON writes v as indented JSON to path, or stdout when path is
// empty or "-".
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress log output to stderr")

	discoverCmd.Flags().String("variables", "", "YAML file listing the variables to relate")
	discoverCmd.Flags().String("output", "-", "Where to write the run result JSON (- for stdout)")
	rootCmd.AddCommand(discoverCmd)

	verifyEdgeCmd.Flags().String("from", "", "Cause variable name or ID")
	verifyEdgeCmd.Flags().String("to", "", "Effect variable name or ID")
	verifyEdgeCmd.Flags().String("mechanism", "", "Hypothesized mechanism linking cause to effect")
	verifyEdgeCmd.Flags().String("output", "-", "Where to write the verification report JSON (- for stdout)")
	rootCmd.AddCommand(verifyEdgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "causeway: %v\n", err)
		os.Exit(1)
	}
}
