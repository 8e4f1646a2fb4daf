// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detect

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("aleutian.modelgraph.detect")
	meter  = otel.Meter("aleutian.modelgraph.detect")
)

var (
	detectLatency   metric.Float64Histogram
	violationsTotal metric.Int64Counter
	reviewsTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		detectLatency, err = meter.Float64Histogram(
			"modelgraph_detect_duration_seconds",
			metric.WithDescription("Duration of Detect calls"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		violationsTotal, err = meter.Int64Counter(
			"modelgraph_detect_violations_total",
			metric.WithDescription("Total number of violations reported, by rule"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reviewsTotal, err = meter.Int64Counter(
			"modelgraph_detect_reviews_total",
			metric.WithDescription("Total number of tier-3 reviews, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordDetectMetrics(ctx context.Context, duration time.Duration, perRule map[string]int) {
	if err := initMetrics(); err != nil {
		return
	}
	detectLatency.Record(ctx, duration.Seconds())
	for rule, n := range perRule {
		violationsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("rule", rule)))
	}
}

func recordReview(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	reviewsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
