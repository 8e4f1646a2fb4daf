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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// DefaultEmbeddingCacheSize bounds the embedding cache of a Detector.
const DefaultEmbeddingCacheSize = 50_000

// Option configures a Detector.
type Option func(*Detector)

// WithEmbedder sets the tier-2 embedder. Default: a HashEmbedder.
func WithEmbedder(e Embedder) Option {
	return func(d *Detector) {
		d.embedder = e
	}
}

// WithEmbeddingCache shares an existing cache between detectors.
func WithEmbeddingCache(c *EmbeddingCache) Option {
	return func(d *Detector) {
		d.embeddings = c
	}
}

// WithCacheSize sets the embedding cache capacity.
func WithCacheSize(n int) Option {
	return func(d *Detector) {
		d.cacheSize = n
	}
}

// WithReviewer enables tier-3 review.
func WithReviewer(r Reviewer) Option {
	return func(d *Detector) {
		d.reviewer = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = l
	}
}

// Detector evaluates rules against graph views.
//
// Description:
//
//	Detect is a function of the view, the rules and the embedder. The
//	embedding cache only memoizes embedder output, so results do not
//	depend on call history.
//
// Thread Safety: Safe for concurrent use, including concurrent Detect
// calls on different views.
type Detector struct {
	embedder   Embedder
	embeddings *EmbeddingCache
	cacheSize  int
	reviewer   Reviewer
	logger     *slog.Logger
}

// New creates a Detector.
func New(opts ...Option) *Detector {
	d := &Detector{cacheSize: DefaultEmbeddingCacheSize}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slog.String("component", "violation_detector"))
	if d.embeddings == nil {
		if d.embedder == nil {
			d.embedder = NewHashEmbedder(DefaultEmbeddingDim)
		}
		d.embeddings = NewEmbeddingCache(d.embedder, d.cacheSize)
	}
	return d
}

// Embeddings returns the detector's embedding cache.
func (d *Detector) Embeddings() *EmbeddingCache {
	return d.embeddings
}

// Detect evaluates rules against view.
//
// Description:
//
//	Rules are validated first; an invalid rule fails the whole call.
//	Disabled rules are skipped. Cancellation is checked between rules and
//	while computing embeddings.
//
// Inputs:
//   - ctx: Cancellation and tracing.
//   - view: A store snapshot, the store, or a variant.
//   - rules: Rule definitions.
//
// Outputs:
//   - []Violation: Sorted by rule ID, score descending, then affected IDs.
//     Every violation carries view.Version().
//   - error: ErrNilView, ErrInvalidRule, an embedder error or ctx.Err().
func (d *Detector) Detect(ctx context.Context, view graph.View, rules []Rule) ([]Violation, error) {
	if view == nil {
		return nil, ErrNilView
	}
	version := view.Version()
	ctx, span := tracer.Start(ctx, "detect.Detector.Detect",
		trace.WithAttributes(
			attribute.Int("detect.rules", len(rules)),
			attribute.Int64("graph.version", version),
		),
	)
	defer span.End()
	start := time.Now()

	if err := ValidateRules(rules); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid rules")
		return nil, err
	}

	var out []Violation
	perRule := make(map[string]int, len(rules))
	for _, rule := range rules {
		if rule.Disabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}

		var (
			found []Violation
			err   error
		)
		switch rule.Matcher.Kind {
		case MatcherStructural:
			found = structural(view, rule, version)
		default:
			found, err = d.similarity(ctx, view, rule, version)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rule evaluation failed")
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		perRule[rule.ID] = len(found)
		out = append(out, found...)
	}

	sortViolations(out)
	span.SetAttributes(attribute.Int("detect.violations", len(out)))
	recordDetectMetrics(ctx, time.Since(start), perRule)
	d.logger.Debug("detection complete",
		slog.Int64("version", version),
		slog.Int("rules", len(rules)),
		slog.Int("violations", len(out)),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}
