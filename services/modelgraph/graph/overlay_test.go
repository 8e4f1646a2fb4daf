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
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) (*Store, []Node, []Edge) {
	t.Helper()
	s := NewStore()
	var nodes []Node
	for i := range 5 {
		nodes = append(nodes, mustSetNode(t, s, fnNode(fmt.Sprintf("A.FN.%03d", i), fmt.Sprintf("fn %d", i))))
	}
	var edges []Edge
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, mustSetEdge(t, s, nodes[i-1].UUID, nodes[i].UUID, "flow"))
	}
	return s, nodes, edges
}

func TestOverlay_ReadResolution(t *testing.T) {
	s, nodes, edges := seededStore(t)
	o := NewOverlay(s.Snapshot())

	t.Run("falls through to base", func(t *testing.T) {
		got, ok := o.GetNode(nodes[0].UUID)
		require.True(t, ok)
		assert.Equal(t, nodes[0].Name, got.Name)
		assert.Equal(t, 5, o.NodeCount())
		assert.Equal(t, 4, o.EdgeCount())
	})

	t.Run("override wins", func(t *testing.T) {
		n := nodes[1]
		n.Name = "changed"
		_, err := o.SetNode(n)
		require.NoError(t, err)
		got, _ := o.GetNode(n.UUID)
		assert.Equal(t, "changed", got.Name)
		assert.Equal(t, 5, o.NodeCount())
	})

	t.Run("tombstone hides base", func(t *testing.T) {
		cascaded, err := o.DeleteNode(nodes[2].UUID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{edges[1].UUID, edges[2].UUID}, cascaded)

		_, ok := o.GetNode(nodes[2].UUID)
		assert.False(t, ok)
		_, ok = o.GetNodeBySemanticID(testScope, nodes[2].SemanticID)
		assert.False(t, ok)
		assert.Equal(t, 4, o.NodeCount())
		assert.Equal(t, 2, o.EdgeCount())
		assert.Len(t, o.GetEdges(EdgeFilter{}), 2)
	})

	t.Run("freed semantic id can be reused", func(t *testing.T) {
		_, err := o.SetNode(fnNode(nodes[2].SemanticID, "new"))
		require.NoError(t, err)
		got, ok := o.GetNodeBySemanticID(testScope, nodes[2].SemanticID)
		require.True(t, ok)
		assert.NotEqual(t, nodes[2].UUID, got.UUID)
	})

	t.Run("duplicate against base", func(t *testing.T) {
		_, err := o.SetNode(fnNode(nodes[0].SemanticID, "dup"))
		require.ErrorIs(t, err, ErrDuplicateSemanticID)
	})

	t.Run("incident edges merge base and overrides", func(t *testing.T) {
		e, err := o.SetEdge(Edge{SourceID: nodes[0].UUID, TargetID: nodes[4].UUID, Type: "flow"})
		require.NoError(t, err)
		ids := []string{}
		for _, inc := range o.IncidentEdges(nodes[0].UUID) {
			ids = append(ids, inc.UUID)
		}
		assert.ElementsMatch(t, []string{edges[0].UUID, e.UUID}, ids)
	})
}

func TestOverlay_BaseIsolation(t *testing.T) {
	s, nodes, _ := seededStore(t)
	before := s.GetNodes(NodeFilter{})
	beforeEdges := s.GetEdges(EdgeFilter{})
	beforeVersion := s.Version()

	o := NewOverlay(s.Snapshot())
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 200 {
		switch rng.IntN(4) {
		case 0:
			n := nodes[rng.IntN(len(nodes))]
			n.Name = fmt.Sprintf("v%d", i)
			n.Attributes = map[string]any{"i": i}
			_, _ = o.SetNode(n)
		case 1:
			_, _ = o.DeleteNode(nodes[rng.IntN(len(nodes))].UUID)
		case 2:
			_, _ = o.SetNode(fnNode(fmt.Sprintf("X.%d", i), "x"))
		case 3:
			a, b := nodes[rng.IntN(len(nodes))], nodes[rng.IntN(len(nodes))]
			_, _ = o.SetEdge(Edge{SourceID: a.UUID, TargetID: b.UUID, Type: "flow"})
		}
	}

	assert.Equal(t, before, s.GetNodes(NodeFilter{}))
	assert.Equal(t, beforeEdges, s.GetEdges(EdgeFilter{}))
	assert.Equal(t, beforeVersion, s.Version())
}

func TestOverlay_CountsMatchContents(t *testing.T) {
	s, nodes, edges := seededStore(t)
	o := NewOverlay(s.Snapshot())

	_, err := o.DeleteNode(nodes[0].UUID)
	require.NoError(t, err)
	require.NoError(t, o.DeleteEdge(edges[3].UUID))
	_, err = o.SetNode(fnNode("NEW", "n"))
	require.NoError(t, err)
	e := edges[1]
	e.Attributes = map[string]any{"w": 1}
	_, err = o.SetEdge(e)
	require.NoError(t, err)

	assert.Equal(t, len(o.GetNodes(NodeFilter{})), o.NodeCount())
	assert.Equal(t, len(o.GetEdges(EdgeFilter{})), o.EdgeCount())
	assert.Equal(t, 5, o.NodeCount())
	assert.Equal(t, 2, o.EdgeCount())
}

func TestOverlay_Fork(t *testing.T) {
	s, nodes, _ := seededStore(t)
	o := NewOverlay(s.Snapshot())
	_, err := o.SetNode(fnNode("P", "parent"))
	require.NoError(t, err)

	f := o.Fork()
	_, err = f.DeleteNode(nodes[0].UUID)
	require.NoError(t, err)
	_, err = f.SetNode(fnNode("C", "child"))
	require.NoError(t, err)

	_, ok := o.GetNode(nodes[0].UUID)
	assert.True(t, ok)
	_, ok = o.GetNodeBySemanticID(testScope, "C")
	assert.False(t, ok)
	_, ok = f.GetNodeBySemanticID(testScope, "P")
	assert.True(t, ok)
	assert.Equal(t, 6, o.NodeCount())
	assert.Equal(t, 6, f.NodeCount())
}

func TestOverlay_Apply(t *testing.T) {
	s, nodes, _ := seededStore(t)
	o := NewOverlay(s.Snapshot())

	_, err := o.Apply(Batch{Ops: []Op{
		{Kind: OpSetNode, Node: fnNode("Q", "q")},
		{Kind: OpSetEdge, Edge: Edge{Type: "flow", TargetID: nodes[0].UUID}, SourceRef: &SemanticRef{Scope: testScope, SemanticID: "Q"}},
		{Kind: OpDeleteNode, NodeRef: &SemanticRef{Scope: testScope, SemanticID: nodes[4].SemanticID}},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), o.Writes())
	assert.Equal(t, 5, o.NodeCount())

	_, err = o.Apply(Batch{Ops: []Op{{Kind: OpKind(99)}}})
	require.ErrorIs(t, err, ErrInvalidOp)
}

func TestOverlay_StateRoundTrip(t *testing.T) {
	s, nodes, edges := seededStore(t)
	snap := s.Snapshot()
	o := NewOverlay(snap)

	n := nodes[1]
	n.Name = "changed"
	_, err := o.SetNode(n)
	require.NoError(t, err)
	_, err = o.DeleteNode(nodes[3].UUID)
	require.NoError(t, err)
	added, err := o.SetNode(fnNode("NEW", "n"))
	require.NoError(t, err)
	_, err = o.SetEdge(Edge{SourceID: added.UUID, TargetID: nodes[0].UUID, Type: "flow"})
	require.NoError(t, err)
	_, err = o.SetEdge(Edge{UUID: edges[0].UUID, SourceID: nodes[0].UUID, TargetID: nodes[1].UUID, Type: "flow", Attributes: map[string]any{"w": 3}})
	require.NoError(t, err)

	r := RestoreOverlay(snap, o.State())

	assert.Equal(t, o.GetNodes(NodeFilter{}), r.GetNodes(NodeFilter{}))
	assert.Equal(t, o.GetEdges(EdgeFilter{}), r.GetEdges(EdgeFilter{}))
	assert.Equal(t, o.NodeCount(), r.NodeCount())
	assert.Equal(t, o.EdgeCount(), r.EdgeCount())
	assert.Equal(t, o.Writes(), r.Writes())

	_, err = r.SetNode(fnNode("NEW", "dup"))
	require.ErrorIs(t, err, ErrDuplicateSemanticID)
}

func TestStore_ApplyOverlayMatchesOverlayView(t *testing.T) {
	ctx := context.Background()
	s, nodes, _ := seededStore(t)
	o := NewOverlay(s.Snapshot())

	renamed := nodes[0]
	renamed.SemanticID = "RENAMED"
	_, err := o.SetNode(renamed)
	require.NoError(t, err)
	took := nodes[1]
	took.SemanticID = nodes[0].SemanticID
	_, err = o.SetNode(took)
	require.NoError(t, err)

	nodesOut, edgesOut := o.Overrides()
	var ops []Op
	for _, n := range nodesOut {
		ops = append(ops, Op{Kind: OpSetNode, Node: n, KeepTimestamps: true})
	}
	for _, e := range edgesOut {
		ops = append(ops, Op{Kind: OpSetEdge, Edge: e})
	}
	_, err = s.Apply(ctx, Batch{Ops: ops})
	require.NoError(t, err)

	got, ok := s.GetNodeBySemanticID(testScope, nodes[0].SemanticID)
	require.True(t, ok)
	assert.Equal(t, nodes[1].UUID, got.UUID)
	got, ok = s.GetNodeBySemanticID(testScope, "RENAMED")
	require.True(t, ok)
	assert.Equal(t, nodes[0].UUID, got.UUID)
}
