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
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/modelgraph/services/modelgraph/changes"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// Tier is the memory tier a variant currently lives in.
type Tier int

const (
	// TierHot keeps the overlay in memory.
	TierHot Tier = iota

	// TierWarm keeps a compressed encoding of the overrides in memory.
	TierWarm

	// TierCold keeps the encoding in the spill store.
	TierCold
)

// String returns the string representation of the Tier.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Variant is an isolated, copy-on-write branch of the graph.
//
// Description:
//
//	Reads resolve the variant's overrides first, then its tombstones, then
//	fall through to the base snapshot captured at creation. The base is
//	never mutated, even after the store moves on.
//
//	A *Variant is normally used between Pool.Acquire and Pool.Release (or
//	inside Pool.With). A method called on a variant that was demoted in
//	the meantime rehydrates it for the duration of the call. Once the
//	variant is discarded or evicted, writes return ErrVariantNotFound,
//	reads return empty results and Err reports ErrVariantNotFound.
//
// Thread Safety: Safe for concurrent use while pinned.
type Variant struct {
	id        string
	parentID  string
	base      *graph.Snapshot
	createdAt time.Time
	pool      *Pool

	mu sync.Mutex
	ov *graph.Overlay

	// Guarded by Pool.mu.
	pins      int
	tier      Tier
	elem      *list.Element
	discarded bool
}

// ID returns the variant ID.
func (v *Variant) ID() string {
	return v.id
}

// ParentID returns the ID of the variant this one was forked from, or "".
func (v *Variant) ParentID() string {
	return v.parentID
}

// BaseVersion returns the store version the variant branched from.
func (v *Variant) BaseVersion() int64 {
	return v.base.Version()
}

// Base returns the immutable snapshot the variant reads through to.
func (v *Variant) Base() *graph.Snapshot {
	return v.base
}

// CreatedAt returns when the variant (or its fork origin) was created.
func (v *Variant) CreatedAt() time.Time {
	return v.createdAt
}

// overlay returns the hot overlay. Caller must hold v.mu.
func (v *Variant) overlay() (*graph.Overlay, error) {
	if v.ov == nil {
		return nil, ErrVariantNotFound
	}
	return v.ov, nil
}

// withOverlay runs fn on the hot overlay, rehydrating a demoted variant
// for the duration of the call.
func (v *Variant) withOverlay(fn func(*graph.Overlay) error) error {
	v.mu.Lock()
	if v.ov != nil {
		defer v.mu.Unlock()
		return fn(v.ov)
	}
	v.mu.Unlock()

	if v.pool == nil {
		return fmt.Errorf("%w: %s", ErrVariantNotFound, v.id)
	}
	pinned, err := v.pool.Acquire(context.Background(), v.id)
	if err != nil {
		return err
	}
	defer v.pool.Release(pinned)

	v.mu.Lock()
	defer v.mu.Unlock()
	ov, err := v.overlay()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrVariantNotFound, v.id)
	}
	return fn(ov)
}

func (v *Variant) read(fn func(*graph.Overlay)) {
	_ = v.withOverlay(func(ov *graph.Overlay) error {
		fn(ov)
		return nil
	})
}

// Err returns ErrVariantNotFound once the variant has been discarded or
// evicted, and nil while it is live in any tier.
func (v *Variant) Err() error {
	return v.withOverlay(func(*graph.Overlay) error { return nil })
}

// Version returns BaseVersion plus the number of writes to the variant.
func (v *Variant) Version() int64 {
	var writes int64
	v.read(func(ov *graph.Overlay) { writes = ov.Writes() })
	return v.base.Version() + writes
}

// GetNode returns the node with the given UUID.
func (v *Variant) GetNode(id string) (n graph.Node, ok bool) {
	v.read(func(ov *graph.Overlay) { n, ok = ov.GetNode(id) })
	return n, ok
}

// GetNodeBySemanticID returns the node holding semanticID in scope.
func (v *Variant) GetNodeBySemanticID(scope graph.Scope, semanticID string) (n graph.Node, ok bool) {
	v.read(func(ov *graph.Overlay) { n, ok = ov.GetNodeBySemanticID(scope, semanticID) })
	return n, ok
}

// GetEdge returns the edge with the given UUID.
func (v *Variant) GetEdge(id string) (e graph.Edge, ok bool) {
	v.read(func(ov *graph.Overlay) { e, ok = ov.GetEdge(id) })
	return e, ok
}

// GetEdgeByKey returns the edge holding key.
func (v *Variant) GetEdgeByKey(key graph.EdgeKey) (e graph.Edge, ok bool) {
	v.read(func(ov *graph.Overlay) { e, ok = ov.GetEdgeByKey(key) })
	return e, ok
}

// GetNodes returns the nodes matching filter.
func (v *Variant) GetNodes(filter graph.NodeFilter) (out []graph.Node) {
	v.read(func(ov *graph.Overlay) { out = ov.GetNodes(filter) })
	return out
}

// GetEdges returns the edges matching filter.
func (v *Variant) GetEdges(filter graph.EdgeFilter) (out []graph.Edge) {
	v.read(func(ov *graph.Overlay) { out = ov.GetEdges(filter) })
	return out
}

// IncidentEdges returns the edges touching nodeID.
func (v *Variant) IncidentEdges(nodeID string) (out []graph.Edge) {
	v.read(func(ov *graph.Overlay) { out = ov.IncidentEdges(nodeID) })
	return out
}

// NodeCount returns the number of visible nodes.
func (v *Variant) NodeCount() (n int) {
	v.read(func(ov *graph.Overlay) { n = ov.NodeCount() })
	return n
}

// EdgeCount returns the number of visible edges.
func (v *Variant) EdgeCount() (n int) {
	v.read(func(ov *graph.Overlay) { n = ov.EdgeCount() })
	return n
}

// OverrideCount returns the number of materialized overrides and tombstones.
func (v *Variant) OverrideCount() (n int) {
	v.read(func(ov *graph.Overlay) { n = ov.OverrideCount() })
	return n
}

func (v *Variant) write(ctx context.Context, fn func(*graph.Overlay) error) error {
	if ctx == nil {
		return graph.ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.withOverlay(fn)
}

// SetNode writes a node into the variant's overrides.
func (v *Variant) SetNode(ctx context.Context, n graph.Node, opts ...graph.SetOption) (stored graph.Node, err error) {
	err = v.write(ctx, func(ov *graph.Overlay) error {
		stored, err = ov.SetNode(n, opts...)
		return err
	})
	return stored, err
}

// DeleteNode tombstones a node and its incident edges.
func (v *Variant) DeleteNode(ctx context.Context, id string) error {
	return v.write(ctx, func(ov *graph.Overlay) error {
		_, err := ov.DeleteNode(id)
		return err
	})
}

// SetEdge writes an edge into the variant's overrides.
func (v *Variant) SetEdge(ctx context.Context, e graph.Edge, opts ...graph.SetOption) (stored graph.Edge, err error) {
	err = v.write(ctx, func(ov *graph.Overlay) error {
		stored, err = ov.SetEdge(e, opts...)
		return err
	})
	return stored, err
}

// DeleteEdge tombstones an edge.
func (v *Variant) DeleteEdge(ctx context.Context, id string) error {
	return v.write(ctx, func(ov *graph.Overlay) error {
		return ov.DeleteEdge(id)
	})
}

// Apply executes a batch atomically against the variant.
func (v *Variant) Apply(ctx context.Context, b graph.Batch) (graph.BatchResult, error) {
	var res graph.BatchResult
	err := v.write(ctx, func(ov *graph.Overlay) error {
		staged := ov.Fork()
		results, err := staged.Apply(b)
		if err != nil {
			return err
		}
		res = graph.BatchResult{
			Results:     results,
			FromVersion: v.base.Version() + ov.Writes(),
			ToVersion:   v.base.Version() + staged.Writes(),
		}
		v.ov = staged
		return nil
	})
	if err != nil {
		return graph.BatchResult{}, err
	}
	return res, nil
}

// Changes summarizes the variant against its base snapshot.
func (v *Variant) Changes() changes.Summary {
	var sum changes.Summary
	v.read(func(ov *graph.Overlay) {
		sum = changes.Diff(v.base, overlayView{Overlay: ov, version: v.base.Version() + ov.Writes()})
	})
	return sum
}

// overlayView adds a version to an Overlay so it satisfies graph.View.
type overlayView struct {
	*graph.Overlay
	version int64
}

func (o overlayView) Version() int64 {
	return o.version
}

// Compile-time interface check.
var _ graph.Graph = (*Variant)(nil)
