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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
	"github.com/AleutianAI/modelgraph/services/modelgraph/storage/badger"
)

var scope = graph.Scope{Workspace: "ws", System: "sys"}

func fn(semID, name string) graph.Node {
	return graph.Node{Scope: scope, SemanticID: semID, Type: "FUNC", Name: name}
}

type fixture struct {
	store *graph.Store
	nodes []graph.Node
	edges []graph.Edge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: graph.NewStore()}
	for i := range 4 {
		n, err := f.store.SetNode(ctx, fn(fmt.Sprintf("A.FN.%03d", i), fmt.Sprintf("fn %d", i)))
		require.NoError(t, err)
		f.nodes = append(f.nodes, n)
	}
	for i := 1; i < len(f.nodes); i++ {
		e, err := f.store.SetEdge(ctx, graph.Edge{SourceID: f.nodes[i-1].UUID, TargetID: f.nodes[i].UUID, Type: "flow"})
		require.NoError(t, err)
		f.edges = append(f.edges, e)
	}
	return f
}

func TestPool_CreateAndReadThrough(t *testing.T) {
	f := newFixture(t)
	p := NewPool(DefaultConfig())

	id, err := p.Create(f.store.Snapshot())
	require.NoError(t, err)

	err = p.With(context.Background(), id, func(v *Variant) error {
		assert.Equal(t, id, v.ID())
		assert.Equal(t, f.store.Version(), v.BaseVersion())
		assert.Equal(t, v.BaseVersion(), v.Version())
		assert.Equal(t, 4, v.NodeCount())
		assert.Zero(t, v.OverrideCount())
		got, ok := v.GetNode(f.nodes[0].UUID)
		assert.True(t, ok)
		assert.Equal(t, f.nodes[0].Name, got.Name)
		return nil
	})
	require.NoError(t, err)

	_, err = p.Create(nil)
	require.Error(t, err)
}

func TestVariant_Isolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPool(DefaultConfig())
	id, err := p.Create(f.store.Snapshot())
	require.NoError(t, err)

	beforeNodes := f.store.GetNodes(graph.NodeFilter{})
	beforeEdges := f.store.GetEdges(graph.EdgeFilter{})
	beforeVersion := f.store.Version()

	err = p.With(ctx, id, func(v *Variant) error {
		n := f.nodes[0]
		n.Name = "changed"
		if _, err := v.SetNode(ctx, n); err != nil {
			return err
		}
		if err := v.DeleteNode(ctx, f.nodes[1].UUID); err != nil {
			return err
		}
		added, err := v.SetNode(ctx, fn("B.FN.001", "new"))
		if err != nil {
			return err
		}
		if _, err := v.SetEdge(ctx, graph.Edge{SourceID: added.UUID, TargetID: f.nodes[3].UUID, Type: "flow"}); err != nil {
			return err
		}
		return v.DeleteEdge(ctx, f.edges[2].UUID)
	})
	require.NoError(t, err)

	assert.Equal(t, beforeNodes, f.store.GetNodes(graph.NodeFilter{}))
	assert.Equal(t, beforeEdges, f.store.GetEdges(graph.EdgeFilter{}))
	assert.Equal(t, beforeVersion, f.store.Version())

	require.NoError(t, p.With(ctx, id, func(v *Variant) error {
		assert.Equal(t, beforeVersion+5, v.Version())
		sum := v.Changes()
		assert.Len(t, sum.Added, 2)
		assert.Len(t, sum.Modified, 1)
		// node 1 plus its two incident edges, plus edge 2.
		assert.Len(t, sum.Deleted, 4)
		return nil
	}))
}

func TestVariant_BaseFrozenWhileStoreAdvances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPool(DefaultConfig())
	id, err := p.Create(f.store.Snapshot())
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteNode(ctx, f.nodes[0].UUID))
	_, err = f.store.SetNode(ctx, fn("C.FN.001", "later"))
	require.NoError(t, err)

	require.NoError(t, p.With(ctx, id, func(v *Variant) error {
		_, ok := v.GetNode(f.nodes[0].UUID)
		assert.True(t, ok)
		_, ok = v.GetNodeBySemanticID(scope, "C.FN.001")
		assert.False(t, ok)
		return nil
	}))
}

func TestVariant_ApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPool(DefaultConfig())
	id, _ := p.Create(f.store.Snapshot())

	require.NoError(t, p.With(ctx, id, func(v *Variant) error {
		_, err := v.Apply(ctx, graph.Batch{Ops: []graph.Op{
			{Kind: graph.OpSetNode, Node: fn("B", "b")},
			{Kind: graph.OpSetNode, Node: fn(f.nodes[0].SemanticID, "dup")},
		}})
		require.ErrorIs(t, err, graph.ErrDuplicateSemanticID)
		_, ok := v.GetNodeBySemanticID(scope, "B")
		assert.False(t, ok)
		assert.Equal(t, v.BaseVersion(), v.Version())

		res, err := v.Apply(ctx, graph.Batch{Ops: []graph.Op{{Kind: graph.OpSetNode, Node: fn("B", "b")}}})
		require.NoError(t, err)
		assert.Equal(t, res.FromVersion+1, res.ToVersion)
		return nil
	}))
}

func TestPool_Fork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPool(DefaultConfig())
	parent, _ := p.Create(f.store.Snapshot())

	require.NoError(t, p.With(ctx, parent, func(v *Variant) error {
		_, err := v.SetNode(ctx, fn("P", "parent"))
		return err
	}))

	child, err := p.Fork(ctx, parent)
	require.NoError(t, err)
	require.NoError(t, p.With(ctx, child, func(v *Variant) error {
		assert.Equal(t, parent, v.ParentID())
		_, ok := v.GetNodeBySemanticID(scope, "P")
		assert.True(t, ok)
		return v.DeleteNode(ctx, f.nodes[0].UUID)
	}))

	require.NoError(t, p.With(ctx, parent, func(v *Variant) error {
		_, ok := v.GetNode(f.nodes[0].UUID)
		assert.True(t, ok, "fork writes must not leak into the parent")
		return nil
	}))
	assert.Equal(t, 2, p.Len())
}

func TestPool_Tiering(t *testing.T) {
	ctx := context.Background()

	write := func(t *testing.T, p *Pool, id, semID string) {
		t.Helper()
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			_, err := v.SetNode(ctx, fn(semID, semID))
			return err
		}))
	}
	has := func(t *testing.T, p *Pool, id, semID string) {
		t.Helper()
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			_, ok := v.GetNodeBySemanticID(scope, semID)
			assert.True(t, ok)
			assert.Equal(t, v.BaseVersion()+1, v.Version())
			return nil
		}))
	}

	t.Run("hot overflow demotes to warm and rehydrates", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(Config{HotCapacity: 1, WarmCapacity: 10})
		a, _ := p.Create(f.store.Snapshot())
		write(t, p, a, "VA")
		b, _ := p.Create(f.store.Snapshot())
		write(t, p, b, "VB")

		tier, err := p.Tier(a)
		require.NoError(t, err)
		assert.Equal(t, TierWarm, tier)
		assert.Equal(t, Stats{Hot: 1, Warm: 1}, p.Stats())

		has(t, p, a, "VA")
		tier, _ = p.Tier(a)
		assert.Equal(t, TierHot, tier)
		tier, _ = p.Tier(b)
		assert.Equal(t, TierWarm, tier)
	})

	t.Run("warm overflow without spill evicts", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(Config{HotCapacity: 1, WarmCapacity: 1})
		a, _ := p.Create(f.store.Snapshot())
		_, _ = p.Create(f.store.Snapshot())
		_, _ = p.Create(f.store.Snapshot())

		_, err := p.Acquire(ctx, a)
		require.ErrorIs(t, err, ErrVariantNotFound)
		_, err = p.Tier(a)
		require.ErrorIs(t, err, ErrVariantNotFound)
		assert.Equal(t, 2, p.Len())
	})

	t.Run("warm overflow with spill goes cold", func(t *testing.T) {
		db, err := badger.OpenInMemory()
		require.NoError(t, err)
		defer db.Close()

		f := newFixture(t)
		p := NewPool(Config{HotCapacity: 1, WarmCapacity: 1, Spill: NewBadgerSpill(db)})
		a, _ := p.Create(f.store.Snapshot())
		write(t, p, a, "VA")
		_, _ = p.Create(f.store.Snapshot())
		_, _ = p.Create(f.store.Snapshot())

		tier, err := p.Tier(a)
		require.NoError(t, err)
		assert.Equal(t, TierCold, tier)
		assert.Equal(t, 1, p.Stats().Cold)

		has(t, p, a, "VA")
		assert.Equal(t, 3, p.Len())

		_, err = db.GetRaw(ctx, spillPrefix+a)
		require.ErrorIs(t, err, badger.ErrNotFound)
	})

	t.Run("pinned variants are never demoted", func(t *testing.T) {
		f := newFixture(t)
		p := NewPool(Config{HotCapacity: 1, WarmCapacity: 10})
		a, _ := p.Create(f.store.Snapshot())
		v, err := p.Acquire(ctx, a)
		require.NoError(t, err)

		_, _ = p.Create(f.store.Snapshot())
		_, _ = p.Create(f.store.Snapshot())

		tier, _ := p.Tier(a)
		assert.Equal(t, TierHot, tier)
		_, err = v.SetNode(ctx, fn("STILL", "usable"))
		require.NoError(t, err)
		p.Release(v)

		assert.Equal(t, 1, p.Stats().Hot)
	})
}

func TestVariant_UseAfterRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPool(Config{HotCapacity: 1, WarmCapacity: 1})

	v, err := p.CreateAcquire(f.store.Snapshot())
	require.NoError(t, err)
	_, err = v.SetNode(ctx, fn("VA", "only in a"))
	require.NoError(t, err)
	p.Release(v)

	other, err := p.Create(f.store.Snapshot())
	require.NoError(t, err)
	tier, err := p.Tier(v.ID())
	require.NoError(t, err)
	require.Equal(t, TierWarm, tier)

	t.Run("demoted variant rehydrates on read", func(t *testing.T) {
		_, ok := v.GetNodeBySemanticID(scope, "VA")
		assert.True(t, ok)
		assert.Equal(t, 5, v.NodeCount())
		assert.NoError(t, v.Err())
	})

	t.Run("demoted variant accepts writes", func(t *testing.T) {
		require.NoError(t, p.With(ctx, other, func(*Variant) error { return nil }))
		_, err := v.SetNode(ctx, fn("VB", "second write"))
		require.NoError(t, err)
		assert.Equal(t, v.BaseVersion()+2, v.Version())
	})

	t.Run("discarded variant reports not found", func(t *testing.T) {
		require.NoError(t, p.Discard(ctx, v.ID()))
		_, ok := v.GetNodeBySemanticID(scope, "VA")
		assert.False(t, ok)
		assert.ErrorIs(t, v.Err(), ErrVariantNotFound)
		_, err := v.SetNode(ctx, fn("VC", "too late"))
		assert.ErrorIs(t, err, ErrVariantNotFound)
	})
}

func TestPool_AcquireVariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPool(Config{HotCapacity: 1, WarmCapacity: 1})

	root, err := p.CreateAcquire(f.store.Snapshot())
	require.NoError(t, err)
	child, err := p.ForkAcquire(ctx, root.ID())
	require.NoError(t, err)
	assert.Equal(t, root.ID(), child.ParentID())

	for range 4 {
		_, err := p.Create(f.store.Snapshot())
		require.NoError(t, err)
	}

	for _, v := range []*Variant{root, child} {
		tier, err := p.Tier(v.ID())
		require.NoError(t, err)
		assert.Equal(t, TierHot, tier, "pinned from creation")
	}
	assert.Equal(t, 2, p.Stats().Pinned)

	p.Release(child)
	p.Release(root)
	assert.Zero(t, p.Stats().Pinned)
}

func TestPool_Discard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPool(DefaultConfig())
	id, _ := p.Create(f.store.Snapshot())

	v, err := p.Acquire(ctx, id)
	require.NoError(t, err)
	require.NoError(t, p.Discard(ctx, id))

	_, err = p.Acquire(ctx, id)
	require.ErrorIs(t, err, ErrVariantNotFound)
	require.ErrorIs(t, p.Discard(ctx, id), ErrVariantNotFound)

	p.Release(v)
	assert.Equal(t, Stats{}, p.Stats())
	assert.Equal(t, 4, f.store.NodeCount())
}

func TestPool_Close(t *testing.T) {
	f := newFixture(t)
	p := NewPool(DefaultConfig())
	_, _ = p.Create(f.store.Snapshot())
	p.Close(context.Background())

	_, err := p.Create(f.store.Snapshot())
	require.ErrorIs(t, err, ErrPoolClosed)
	assert.Zero(t, p.Len())
}

func TestPool_ConcurrentVariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := NewPool(Config{HotCapacity: 2, WarmCapacity: 100})
	snap := f.store.Snapshot()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := p.Create(snap)
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = id
			for j := range 20 {
				assert.NoError(t, p.With(ctx, id, func(v *Variant) error {
					_, err := v.SetNode(ctx, fn(fmt.Sprintf("V%d.%d", i, j), "n"))
					return err
				}))
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		require.NoError(t, p.With(ctx, id, func(v *Variant) error {
			assert.Equal(t, 24, v.NodeCount())
			return nil
		}))
	}
	assert.Equal(t, 4, f.store.NodeCount())
}
