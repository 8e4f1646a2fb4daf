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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// Target is the authoritative graph a variant is promoted into.
type Target interface {
	Apply(ctx context.Context, b graph.Batch) (graph.BatchResult, error)
}

// Promote applies a variant's overrides and tombstones to target as one
// atomic batch.
//
// Description:
//
//	The batch deletes tombstoned edges, then tombstoned nodes, then writes
//	overridden nodes and edges in the order the variant wrote them. Every
//	element the variant touched carries a precondition: base elements must
//	still hold their base content, new elements must still be absent.
//	Uniqueness is checked against the final state of the batch.
//
//	Only one promotion runs at a time. On success the variant is removed
//	from the pool; the change tracker's baseline is not advanced. On
//	failure the store and the variant are both unchanged.
//
// Outputs:
//   - graph.BatchResult: The applied ops and the store version range.
//   - error: ErrVariantNotFound, ErrPromotionConflict wrapping the store
//     error, or a uniqueness error from the store.
//
// Thread Safety: Safe for concurrent use.
func (p *Pool) Promote(ctx context.Context, id string, target Target) (graph.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "variant.Pool.Promote",
		trace.WithAttributes(attribute.String("variant.id", id)),
	)
	defer span.End()
	start := time.Now()

	p.promoteMu.Lock()
	defer p.promoteMu.Unlock()

	v, err := p.Acquire(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "variant unavailable")
		return graph.BatchResult{}, err
	}

	v.mu.Lock()
	ov, err := v.overlay()
	var batch graph.Batch
	if err == nil {
		batch = promotionBatch(ov)
	}
	v.mu.Unlock()
	if err != nil {
		p.Release(v)
		return graph.BatchResult{}, err
	}

	span.SetAttributes(
		attribute.Int("variant.ops", len(batch.Ops)),
		attribute.Int64("variant.base_version", v.BaseVersion()),
	)

	res, err := target.Apply(ctx, batch)
	p.Release(v)
	variantPromoteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "promotion rejected")
		if errors.Is(err, graph.ErrPreconditionFailed) || errors.Is(err, graph.ErrUnknownElementReference) {
			variantPromotionsTotal.WithLabelValues("conflict").Inc()
			return graph.BatchResult{}, fmt.Errorf("%w: variant %s: %w", ErrPromotionConflict, id, err)
		}
		variantPromotionsTotal.WithLabelValues("rejected").Inc()
		return graph.BatchResult{}, fmt.Errorf("promote variant %s: %w", id, err)
	}

	variantPromotionsTotal.WithLabelValues("applied").Inc()
	if err := p.Discard(ctx, id); err != nil {
		p.logger.Warn("discard after promotion failed",
			slog.String("variant_id", id),
			slog.String("error", err.Error()),
		)
	}
	p.logger.Info("variant promoted",
		slog.String("variant_id", id),
		slog.Int("ops", len(batch.Ops)),
		slog.Int64("from_version", res.FromVersion),
		slog.Int64("to_version", res.ToVersion),
	)
	return res, nil
}

// promotionBatch converts overrides into a store batch. Caller must hold
// the variant lock.
func promotionBatch(ov *graph.Overlay) graph.Batch {
	nodes, edges := ov.Overrides()
	deadNodes, deadEdges := ov.Tombstones()

	b := graph.Batch{
		Source:          "promotion",
		DeferUniqueness: true,
		Ops:             make([]graph.Op, 0, len(nodes)+len(edges)+len(deadNodes)+len(deadEdges)),
	}

	for _, id := range deadEdges {
		base, _ := ov.BaseEdge(id)
		b.Preconditions = append(b.Preconditions, graph.Precondition{
			Key: graph.EdgeElementKey(id), Present: true, Digest: base.ContentDigest(),
		})
		b.Ops = append(b.Ops, graph.Op{Kind: graph.OpDeleteEdge, ID: id})
	}
	for _, id := range deadNodes {
		base, _ := ov.BaseNode(id)
		b.Preconditions = append(b.Preconditions, graph.Precondition{
			Key: graph.NodeKey(id), Present: true, Digest: base.ContentDigest(),
		})
		b.Ops = append(b.Ops, graph.Op{Kind: graph.OpDeleteNode, ID: id})
	}
	for _, n := range nodes {
		b.Preconditions = append(b.Preconditions, basePrecondition(graph.NodeKey(n.UUID), ov.BaseNode))
		b.Ops = append(b.Ops, graph.Op{Kind: graph.OpSetNode, Node: n, KeepTimestamps: true})
	}
	for _, e := range edges {
		b.Preconditions = append(b.Preconditions, basePrecondition(graph.EdgeElementKey(e.UUID), ov.BaseEdge))
		b.Ops = append(b.Ops, graph.Op{Kind: graph.OpSetEdge, Edge: e})
	}
	return b
}

type digester interface {
	ContentDigest() graph.Digest
}

func basePrecondition[T digester](key graph.ElementKey, lookup func(string) (T, bool)) graph.Precondition {
	base, ok := lookup(key.ID)
	if !ok {
		return graph.Precondition{Key: key, Present: false}
	}
	return graph.Precondition{Key: key, Present: true, Digest: base.ContentDigest()}
}
