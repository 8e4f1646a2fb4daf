// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for store operations.
var (
	tracer = otel.Tracer("aleutian.modelgraph.graph")
	meter  = otel.Meter("aleutian.modelgraph.graph")
)

// Metrics for store mutations.
var (
	applyLatency  metric.Float64Histogram
	applyTotal    metric.Int64Counter
	mutationTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		applyLatency, err = meter.Float64Histogram(
			"modelgraph_store_apply_duration_seconds",
			metric.WithDescription("Duration of store batch applies"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyTotal, err = meter.Int64Counter(
			"modelgraph_store_apply_total",
			metric.WithDescription("Total number of store batch applies"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		mutationTotal, err = meter.Int64Counter(
			"modelgraph_store_mutations_total",
			metric.WithDescription("Total number of accepted store mutations"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordApplyMetrics records metrics for a batch apply.
func recordApplyMetrics(ctx context.Context, source string, mutations int, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", success),
	)

	applyLatency.Record(ctx, duration.Seconds(), attrs)
	applyTotal.Add(ctx, 1, attrs)
	if mutations > 0 {
		mutationTotal.Add(ctx, int64(mutations), metric.WithAttributes(attribute.String("source", source)))
	}
}
