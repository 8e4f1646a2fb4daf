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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelgraph/services/modelgraph/detect"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

func cand(id string, cohesion, coupling, violations float64) *Candidate {
	return &Candidate{VariantID: id, Score: Score{Cohesion: cohesion, Coupling: coupling, Violations: violations}}
}

func TestScore_Dominates(t *testing.T) {
	tests := []struct {
		name string
		a, b Score
		want bool
	}{
		{"better everywhere", Score{1, 0, 0}, Score{0.5, 1, 1}, true},
		{"better on one", Score{0.5, 1, 0}, Score{0.5, 1, 1}, true},
		{"equal", Score{0.5, 1, 1}, Score{0.5, 1, 1}, false},
		{"trade-off", Score{1, 2, 0}, Score{0.5, 1, 0}, false},
		{"worse", Score{0.5, 1, 1}, Score{1, 0, 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Dominates(tt.b))
		})
	}
}

func TestFront_Add(t *testing.T) {
	t.Run("dominated candidate rejected", func(t *testing.T) {
		f := &Front{}
		added, _ := f.Add(cand("a", 1, 0, 0))
		assert.True(t, added)
		added, evicted := f.Add(cand("b", 0.5, 1, 1))
		assert.False(t, added)
		assert.Empty(t, evicted)
		assert.Equal(t, 1, f.Len())
	})

	t.Run("equal score with different content kept", func(t *testing.T) {
		f := &Front{}
		a := cand("a", 1, 0, 0)
		a.Digest = graph.TextDigest("a")
		b := cand("b", 1, 0, 0)
		b.Digest = graph.TextDigest("b")
		f.Add(a)
		added, evicted := f.Add(b)
		assert.True(t, added)
		assert.Empty(t, evicted)
		assert.Equal(t, 2, f.Len())
	})

	t.Run("identical variant rejected", func(t *testing.T) {
		f := &Front{}
		a := cand("a", 1, 0, 0)
		a.Digest = graph.TextDigest("same")
		b := cand("b", 1, 0, 0)
		b.Digest = graph.TextDigest("same")
		f.Add(a)
		added, _ := f.Add(b)
		assert.False(t, added)
		assert.False(t, f.Contains("b"))
	})

	t.Run("dominating candidate evicts", func(t *testing.T) {
		f := &Front{}
		f.Add(cand("a", 0.5, 1, 2))
		f.Add(cand("b", 0.2, 0, 3))
		added, evicted := f.Add(cand("c", 0.6, 0, 1))
		assert.True(t, added)
		assert.ElementsMatch(t, []string{"a", "b"}, []string{evicted[0].VariantID, evicted[1].VariantID})
		assert.Equal(t, 1, f.Len())
		assert.True(t, f.Contains("c"))
	})

	t.Run("trade-offs coexist", func(t *testing.T) {
		f := &Front{}
		f.Add(cand("a", 1, 2, 0))
		f.Add(cand("b", 0.5, 1, 0))
		f.Add(cand("c", 0.5, 2, 1))
		assert.Equal(t, 2, f.Len())
		assert.False(t, f.Contains("c"))
	})
}

func TestFront_MembersNonDominated(t *testing.T) {
	f := &Front{}
	for i, s := range []Score{{0.1, 5, 3}, {0.9, 4, 2}, {0.3, 1, 2}, {0.2, 1, 4}, {0.9, 4, 1}, {0.4, 0, 5}} {
		f.Add(&Candidate{VariantID: string(rune('a' + i)), Score: s})
	}
	members := f.Members()
	for i, a := range members {
		for j, b := range members {
			if i != j {
				assert.False(t, a.Score.Dominates(b.Score), "%s dominates %s", a.Score, b.Score)
			}
		}
	}
	for i := 1; i < len(members); i++ {
		assert.LessOrEqual(t, members[i-1].Score.Violations, members[i].Score.Violations)
	}
}

func TestFingerprint(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T) (*graph.Store, graph.Node, graph.Node) {
		s := graph.NewStore()
		a := addNode(t, s, "A.FN.001", "FUNC", "process customer data", nil)
		b := addNode(t, s, "B.FN.001", "FUNC", "Process customer-data", nil)
		c := addNode(t, s, "C.CMP.001", "COMP", "flight computer", nil)
		addEdge(t, s, a, c, "allocate")
		addEdge(t, s, b, c, "allocate")
		return s, a, b
	}

	t.Run("same content same fingerprint", func(t *testing.T) {
		s1, _, _ := seed(t)
		s2, _, _ := seed(t)
		assert.Equal(t, Fingerprint(s1), Fingerprint(s2), "UUIDs differ between the stores")
	})

	t.Run("content change alters fingerprint", func(t *testing.T) {
		s, a, _ := seed(t)
		before := Fingerprint(s)
		require.NoError(t, ApplyMove(ctx, s, Move{Operator: detect.OperatorDelete, Element: graph.NodeKey(a.UUID)}, "allocate"))
		assert.NotEqual(t, before, Fingerprint(s))
	})

	t.Run("merge order does not matter", func(t *testing.T) {
		s1, a1, b1 := seed(t)
		s2, a2, b2 := seed(t)
		require.NoError(t, ApplyMove(ctx, s1, Move{Operator: detect.OperatorMerge, NodeIDs: []string{a1.UUID, b1.UUID}}, "allocate"))
		require.NoError(t, ApplyMove(ctx, s2, Move{Operator: detect.OperatorMerge, NodeIDs: []string{b2.UUID, a2.UUID}}, "allocate"))
		assert.Equal(t, Fingerprint(s1), Fingerprint(s2))
	})
}
