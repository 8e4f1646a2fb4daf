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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelgraph/services/modelgraph/changes"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

func TestPool_Promote(t *testing.T) {
	ctx := context.Background()

	t.Run("store reflects the variant", func(t *testing.T) {
		f := newFixture(t)
		tracker := changes.NewTracker(f.store)
		p := NewPool(DefaultConfig())
		id, _ := p.Create(f.store.Snapshot())

		var added graph.Node
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			renamed := f.nodes[0]
			renamed.Name = "renamed"
			if _, err := v.SetNode(ctx, renamed); err != nil {
				return err
			}
			if err := v.DeleteNode(ctx, f.nodes[3].UUID); err != nil {
				return err
			}
			var err error
			added, err = v.SetNode(ctx, fn("B.FN.001", "new"))
			if err != nil {
				return err
			}
			_, err = v.SetEdge(ctx, graph.Edge{SourceID: f.nodes[0].UUID, TargetID: added.UUID, Type: "flow"})
			return err
		}))

		before := f.store.Version()
		res, err := p.Promote(ctx, id, f.store)
		require.NoError(t, err)
		assert.Equal(t, before, res.FromVersion)
		assert.Equal(t, before+int64(len(res.Results)), res.ToVersion)
		assert.Equal(t, res.ToVersion, f.store.Version())

		got, ok := f.store.GetNode(f.nodes[0].UUID)
		require.True(t, ok)
		assert.Equal(t, "renamed", got.Name)
		_, ok = f.store.GetNode(f.nodes[3].UUID)
		assert.False(t, ok)
		_, ok = f.store.GetEdge(f.edges[2].UUID)
		assert.False(t, ok)
		stored, ok := f.store.GetNodeBySemanticID(scope, "B.FN.001")
		require.True(t, ok)
		assert.Equal(t, added.UUID, stored.UUID)
		assert.Equal(t, added.CreatedAt, stored.CreatedAt)
		assert.Equal(t, 4, f.store.NodeCount())
		assert.Equal(t, 3, f.store.EdgeCount())

		_, err = p.Acquire(ctx, id)
		require.ErrorIs(t, err, ErrVariantNotFound)

		sum := tracker.Changes()
		assert.Len(t, sum.Added, 2)
		assert.Len(t, sum.Modified, 1)
		assert.Len(t, sum.Deleted, 2)
	})

	t.Run("uniqueness violation applies nothing", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(DefaultConfig())
		id, _ := p.Create(f.store.Snapshot())
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			renamed := f.nodes[0]
			renamed.Name = "renamed"
			if _, err := v.SetNode(ctx, renamed); err != nil {
				return err
			}
			_, err := v.SetNode(ctx, fn("B.FN.001", "from variant"))
			return err
		}))

		_, err := f.store.SetNode(ctx, fn("B.FN.001", "from store"))
		require.NoError(t, err)
		before := f.store.Snapshot()

		_, err = p.Promote(ctx, id, f.store)
		require.ErrorIs(t, err, graph.ErrDuplicateSemanticID)
		assert.NotErrorIs(t, err, ErrPromotionConflict)

		assert.Equal(t, before.Version(), f.store.Version())
		assert.Equal(t, before.GetNodes(graph.NodeFilter{}), f.store.GetNodes(graph.NodeFilter{}))
		got, _ := f.store.GetNode(f.nodes[0].UUID)
		assert.Equal(t, f.nodes[0].Name, got.Name)

		// The variant survives a rejected promotion.
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			assert.Equal(t, 2, v.OverrideCount())
			return nil
		}))
	})

	t.Run("store changed a touched element", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(DefaultConfig())
		id, _ := p.Create(f.store.Snapshot())
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			n := f.nodes[1]
			n.Name = "variant"
			_, err := v.SetNode(ctx, n)
			return err
		}))

		n := f.nodes[1]
		n.Name = "store"
		_, err := f.store.SetNode(ctx, n)
		require.NoError(t, err)
		version := f.store.Version()

		_, err = p.Promote(ctx, id, f.store)
		require.ErrorIs(t, err, ErrPromotionConflict)
		require.ErrorIs(t, err, graph.ErrPreconditionFailed)
		assert.Equal(t, version, f.store.Version())
		got, _ := f.store.GetNode(f.nodes[1].UUID)
		assert.Equal(t, "store", got.Name)
	})

	t.Run("store deleted a touched element", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(DefaultConfig())
		id, _ := p.Create(f.store.Snapshot())
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			return v.DeleteEdge(ctx, f.edges[0].UUID)
		}))
		require.NoError(t, f.store.DeleteEdge(ctx, f.edges[0].UUID))

		_, err := p.Promote(ctx, id, f.store)
		require.ErrorIs(t, err, ErrPromotionConflict)
	})

	t.Run("untouched store changes do not conflict", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(DefaultConfig())
		id, _ := p.Create(f.store.Snapshot())
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			return v.DeleteNode(ctx, f.nodes[0].UUID)
		}))
		n := f.nodes[2]
		n.Name = "store edit"
		_, err := f.store.SetNode(ctx, n)
		require.NoError(t, err)

		_, err = p.Promote(ctx, id, f.store)
		require.NoError(t, err)
		got, _ := f.store.GetNode(f.nodes[2].UUID)
		assert.Equal(t, "store edit", got.Name)
		_, ok := f.store.GetNode(f.nodes[0].UUID)
		assert.False(t, ok)
	})

	t.Run("semantic id swap", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(DefaultConfig())
		id, _ := p.Create(f.store.Snapshot())
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			a, b := f.nodes[0], f.nodes[1]
			a.SemanticID = "TMP"
			if _, err := v.SetNode(ctx, a); err != nil {
				return err
			}
			b.SemanticID = f.nodes[0].SemanticID
			if _, err := v.SetNode(ctx, b); err != nil {
				return err
			}
			a.SemanticID = f.nodes[1].SemanticID
			_, err := v.SetNode(ctx, a)
			return err
		}))

		_, err := p.Promote(ctx, id, f.store)
		require.NoError(t, err)
		got, _ := f.store.GetNodeBySemanticID(scope, f.nodes[0].SemanticID)
		assert.Equal(t, f.nodes[1].UUID, got.UUID)
	})

	t.Run("unknown variant", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(DefaultConfig())
		_, err := p.Promote(ctx, "missing", f.store)
		require.ErrorIs(t, err, ErrVariantNotFound)
	})

	t.Run("promote from the warm tier", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(Config{HotCapacity: 1, WarmCapacity: 4})
		id, _ := p.Create(f.store.Snapshot())
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			return v.DeleteNode(ctx, f.nodes[0].UUID)
		}))
		_, _ = p.Create(f.store.Snapshot())
		tier, _ := p.Tier(id)
		require.Equal(t, TierWarm, tier)

		_, err := p.Promote(ctx, id, f.store)
		require.NoError(t, err)
		assert.Equal(t, 3, f.store.NodeCount())
	})
}

func TestCodec_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ov := graph.NewOverlay(f.store.Snapshot())
	_, err := ov.SetNode(graph.Node{Scope: scope, SemanticID: "X", Type: "FUNC", Name: "x",
		Attributes: map[string]any{"latency_ms": int64(5), "tags": []any{"a", "b"}}})
	require.NoError(t, err)
	_, err = ov.DeleteNode(f.nodes[0].UUID)
	require.NoError(t, err)

	blob, err := encodeState(ov.State())
	require.NoError(t, err)
	st, err := decodeState(blob)
	require.NoError(t, err)

	restored := graph.RestoreOverlay(f.store.Snapshot(), st)
	assert.Equal(t, ov.Writes(), restored.Writes())
	assert.Equal(t, ov.NodeCount(), restored.NodeCount())
	got, ok := restored.GetNodeBySemanticID(scope, "X")
	require.True(t, ok)
	want, _ := ov.GetNodeBySemanticID(scope, "X")
	assert.Equal(t, want.ContentDigest(), got.ContentDigest())
	_, ok = restored.GetNode(f.nodes[0].UUID)
	assert.False(t, ok)

	_, err = decodeState([]byte("not zstd"))
	require.Error(t, err)
}
