// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.modelgraph.optimize")

var (
	optimizerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgraph_optimizer_runs_total",
		Help: "Total number of optimizer runs by termination reason",
	}, []string{"reason"})

	optimizerIterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelgraph_optimizer_iterations_total",
		Help: "Total number of optimizer iterations",
	})

	optimizerCandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgraph_optimizer_candidates_total",
		Help: "Total number of evaluated candidates by result",
	}, []string{"result"})

	optimizerFrontSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelgraph_optimizer_front_size",
		Help: "Pareto front size of the most recent optimizer iteration",
	})

	optimizerRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modelgraph_optimizer_run_duration_seconds",
		Help:    "Duration of optimizer runs",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)
