// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package variant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aleutian.modelgraph.variant")

var (
	variantsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelgraph_variants",
		Help: "Current number of variants per tier",
	}, []string{"tier"})

	variantsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelgraph_variants_created_total",
		Help: "Total number of variants created, including forks",
	})

	variantDemotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgraph_variant_demotions_total",
		Help: "Total number of variant tier demotions",
	}, []string{"to"})

	variantEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelgraph_variant_evictions_total",
		Help: "Total number of variants evicted from the pool",
	})

	variantPromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgraph_variant_promotions_total",
		Help: "Total number of variant promotions by result",
	}, []string{"result"})

	variantPromoteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modelgraph_variant_promote_duration_seconds",
		Help:    "Duration of variant promotions",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})
)
