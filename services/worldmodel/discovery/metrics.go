// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-lifetime counters on the default Prometheus registry, for
// deployments that scrape the embedding process. Per-run accounting
// lives in the telemetry snapshot; these only aggregate across runs.
var (
	admissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "causeway",
		Subsystem: "discovery",
		Name:      "admission_decisions_total",
		Help:      "Graph admission decisions by outcome.",
	}, []string{"outcome"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "causeway",
		Subsystem: "discovery",
		Name:      "runs_total",
		Help:      "Discovery runs by final disposition.",
	}, []string{"disposition"})
)
