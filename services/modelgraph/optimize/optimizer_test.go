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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelgraph/services/modelgraph/detect"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
	"github.com/AleutianAI/modelgraph/services/modelgraph/variant"
)

var mergeRule = detect.Rule{
	ID:       "func_merge_candidate",
	Severity: detect.SeverityWarning,
	Weight:   1.0,
	Operator: detect.OperatorMerge,
	Matcher: detect.Matcher{
		Kind:               detect.MatcherEmbeddingThreshold,
		NodeType:           "FUNC",
		MergeThreshold:     0.70,
		DuplicateThreshold: 0.85,
	},
}

var orphanRule = detect.Rule{
	ID:       "orphan",
	Severity: detect.SeverityWarning,
	Weight:   1.0,
	Matcher: detect.Matcher{
		Kind:      detect.MatcherStructural,
		Predicate: detect.PredicateOrphanNode,
	},
}

func newOptimizer(pool *variant.Pool, rules []detect.Rule, budget BudgetConfig) *Optimizer {
	cfg := DefaultConfig()
	cfg.Rules = rules
	cfg.Budget = budget
	return New(pool, nil, cfg)
}

func TestOptimizer_MergeScenario(t *testing.T) {
	ctx := context.Background()
	s := graph.NewStore()
	a := addNode(t, s, "A.FN.001", "FUNC", "process customer data", nil)
	b := addNode(t, s, "B.FN.001", "FUNC", "Process customer-data", nil)
	c1 := addNode(t, s, "C.CMP.001", "COMP", "flight computer", nil)
	c2 := addNode(t, s, "C.CMP.002", "COMP", "ground station", nil)
	ea := addEdge(t, s, a, c1, "allocate")
	eb := addEdge(t, s, b, c2, "allocate")
	version := s.Version()

	pool := variant.NewPool(variant.DefaultConfig())
	opt := newOptimizer(pool, []detect.Rule{mergeRule}, DefaultBudgetConfig())

	res, err := opt.Run(ctx, s.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, version, s.Version(), "optimizer never writes to the store")
	assert.Equal(t, 4, s.NodeCount())
	assert.Equal(t, version, res.BaseVersion)
	assert.Equal(t, ReasonNoMoves, res.Reason)
	assert.Equal(t, 1, res.Accepted)

	require.Len(t, res.Front, 1)
	best := res.Best()
	assert.Zero(t, best.Score.Violations)
	require.Len(t, best.Moves, 1)
	assert.Equal(t, detect.OperatorMerge, best.Moves[0].Operator)
	assert.ElementsMatch(t, []string{a.UUID, b.UUID}, best.Moves[0].NodeIDs)
	assert.Equal(t, []string{best.VariantID}, pool.IDs(), "dominated candidates are discarded")

	err = pool.With(ctx, best.VariantID, func(v *variant.Variant) error {
		funcs := v.GetNodes(graph.NodeFilter{Types: []string{"FUNC"}})
		require.Len(t, funcs, 1)
		for _, e := range []graph.Edge{ea, eb} {
			got, ok := v.GetEdge(e.UUID)
			require.True(t, ok)
			assert.Equal(t, funcs[0].UUID, got.SourceID)
			assert.Equal(t, e.TargetID, got.TargetID)
		}
		return nil
	})
	require.NoError(t, err)

	_, err = pool.Promote(ctx, best.VariantID, s)
	require.NoError(t, err)
	assert.Equal(t, 3, s.NodeCount())
	assert.Equal(t, 2, s.EdgeCount())
	merged, ok := s.GetNodeBySemanticID(scope, "A.FN.001")
	require.True(t, ok)
	assert.Len(t, s.IncidentEdges(merged.UUID), 2)
	assert.Zero(t, pool.Len())

	violations, err := detect.New().Detect(ctx, s, []detect.Rule{mergeRule})
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestOptimizer_MultiStep(t *testing.T) {
	ctx := context.Background()
	s := graph.NewStore()
	a := addNode(t, s, "A.FN.001", "FUNC", "a", nil)
	b := addNode(t, s, "A.FN.002", "FUNC", "b", nil)
	addEdge(t, s, a, b, "flow")
	addNode(t, s, "A.FN.003", "FUNC", "orphan one", nil)
	addNode(t, s, "A.FN.004", "FUNC", "orphan two", nil)

	pool := variant.NewPool(variant.DefaultConfig())
	opt := newOptimizer(pool, []detect.Rule{orphanRule}, DefaultBudgetConfig())

	res, err := opt.Run(ctx, s.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, ReasonNoMoves, res.Reason)
	assert.Equal(t, int64(2), res.Iterations)
	assert.Equal(t, int64(3), res.Evaluated)
	assert.Equal(t, 3, res.Accepted, "both single deletes join the front")
	assert.Zero(t, res.Rejected)
	require.Len(t, res.Front, 1)
	assert.Len(t, res.Best().Moves, 2)
	assert.Zero(t, res.Best().Score.Violations)
	assert.Equal(t, res.VariantIDs(), pool.IDs())
	assert.Equal(t, 4, s.NodeCount())
}

func TestOptimizer_TinyPool(t *testing.T) {
	ctx := context.Background()
	s := graph.NewStore()
	for _, id := range []string{"A.FN.001", "A.FN.002", "A.FN.003", "A.FN.004", "A.FN.005", "A.FN.006"} {
		addNode(t, s, id, "FUNC", "orphan "+id, nil)
	}

	pool := variant.NewPool(variant.Config{HotCapacity: 1, WarmCapacity: 1})
	cfg := DefaultConfig()
	cfg.Rules = []detect.Rule{orphanRule}
	cfg.Parallelism = 1
	opt := New(pool, nil, cfg)

	res, err := opt.Run(ctx, s.Snapshot())
	require.NoError(t, err, "front members survive tier pressure")
	assert.Equal(t, ReasonNoMoves, res.Reason)
	require.Len(t, res.Front, 1)
	best := res.Best()
	assert.Zero(t, best.Score.Violations)
	assert.Len(t, best.Moves, 6)
	assert.Equal(t, 1, pool.Len())
	assert.Zero(t, pool.Stats().Pinned)

	_, err = pool.Promote(ctx, best.VariantID, s)
	require.NoError(t, err)
	assert.Zero(t, s.NodeCount())
}

func TestOptimizer_Converges(t *testing.T) {
	ctx := context.Background()
	s := graph.NewStore()
	t1 := addNode(t, s, "A.CMP.001", "COMP", "flight computer", nil)
	t2 := addNode(t, s, "A.CMP.002", "COMP", "ground station", nil)
	x := addNode(t, s, "A.FN.001", "FUNC", "sample sensors", nil)
	y := addNode(t, s, "A.FN.002", "FUNC", "filter samples", nil)
	u := addNode(t, s, "A.FN.003", "FUNC", "fuse state", map[string]any{"owner": "ops"})
	w := addNode(t, s, "A.FN.004", "FUNC", "downlink state", map[string]any{"owner": "ops"})
	addEdge(t, s, x, t1, "allocate")
	addEdge(t, s, y, t1, "allocate")
	addEdge(t, s, u, t1, "allocate")
	addEdge(t, s, w, t2, "allocate")
	addEdge(t, s, x, u, "flow")
	addEdge(t, s, y, u, "flow")
	addEdge(t, s, u, w, "flow")

	ownerRule := detect.Rule{
		ID:       "func_owner",
		Severity: detect.SeverityWarning,
		Weight:   1.0,
		Operator: detect.OperatorDelete,
		Matcher: detect.Matcher{
			Kind:      detect.MatcherStructural,
			Predicate: detect.PredicateRequiredAttribute,
			NodeType:  "FUNC",
			Attribute: "owner",
		},
	}

	pool := variant.NewPool(variant.DefaultConfig())
	res, err := newOptimizer(pool, []detect.Rule{ownerRule}, BudgetConfig{ConvergenceWindow: 1}).Run(ctx, s.Snapshot())
	require.NoError(t, err)

	// Deleting x then y reaches the same model as y then x; the third
	// iteration only rediscovers it and the run converges.
	assert.Equal(t, ReasonConverged, res.Reason)
	assert.Equal(t, int64(3), res.Iterations)
	assert.Equal(t, int64(4), res.Evaluated)
	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 1, res.Rejected)

	require.Len(t, res.Front, 4, "cohesion trades off against violations")
	best := res.Best()
	assert.Zero(t, best.Score.Violations)
	assert.Zero(t, best.Score.Cohesion)
	assert.Equal(t, 1.0, best.Score.Coupling)
	assert.Len(t, best.Moves, 2)
	assert.ElementsMatch(t, res.VariantIDs(), pool.IDs())
}

func TestOptimizer_Termination(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T) *graph.Store {
		s := graph.NewStore()
		addNode(t, s, "A.FN.003", "FUNC", "orphan one", nil)
		addNode(t, s, "A.FN.004", "FUNC", "orphan two", nil)
		return s
	}

	t.Run("iteration budget", func(t *testing.T) {
		s := seed(t)
		pool := variant.NewPool(variant.DefaultConfig())
		res, err := newOptimizer(pool, []detect.Rule{orphanRule}, BudgetConfig{MaxIterations: 1}).Run(ctx, s.Snapshot())
		require.NoError(t, err)
		assert.Equal(t, ReasonBudget, res.Reason)
		assert.Equal(t, int64(1), res.Iterations)
		require.Len(t, res.Front, 2, "equal scores, different models")
		for _, c := range res.Front {
			assert.Equal(t, 1.0, c.Score.Violations)
		}
		assert.NotEqual(t, res.Front[0].Digest, res.Front[1].Digest)
	})

	t.Run("candidate budget", func(t *testing.T) {
		s := seed(t)
		pool := variant.NewPool(variant.DefaultConfig())
		res, err := newOptimizer(pool, []detect.Rule{orphanRule}, BudgetConfig{MaxCandidates: 2}).Run(ctx, s.Snapshot())
		require.NoError(t, err)
		assert.Equal(t, ReasonBudget, res.Reason)
		assert.Equal(t, int64(2), res.Evaluated)
	})

	t.Run("no rules", func(t *testing.T) {
		s := seed(t)
		pool := variant.NewPool(variant.DefaultConfig())
		res, err := newOptimizer(pool, nil, DefaultBudgetConfig()).Run(ctx, s.Snapshot())
		require.NoError(t, err)
		assert.Equal(t, ReasonNoMoves, res.Reason)
		assert.Zero(t, res.Iterations)
		require.Len(t, res.Front, 1)
		assert.Empty(t, res.Best().Moves)
	})

	t.Run("cancelled", func(t *testing.T) {
		s := seed(t)
		pool := variant.NewPool(variant.DefaultConfig())
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := newOptimizer(pool, []detect.Rule{orphanRule}, DefaultBudgetConfig()).Run(cctx, s.Snapshot())
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Zero(t, pool.Len())
	})

	t.Run("nil base", func(t *testing.T) {
		pool := variant.NewPool(variant.DefaultConfig())
		_, err := newOptimizer(pool, nil, DefaultBudgetConfig()).Run(ctx, nil)
		require.Error(t, err)
	})

	t.Run("invalid rule", func(t *testing.T) {
		s := seed(t)
		pool := variant.NewPool(variant.DefaultConfig())
		bad := detect.Rule{ID: "bad", Severity: detect.SeverityError, Matcher: detect.Matcher{Kind: detect.MatcherStructural}}
		_, err := newOptimizer(pool, []detect.Rule{bad}, DefaultBudgetConfig()).Run(ctx, s.Snapshot())
		assert.True(t, errors.Is(err, detect.ErrInvalidRule))
		assert.Zero(t, pool.Len())
	})
}

func TestOptimizer_InvalidMovesSkipped(t *testing.T) {
	ctx := context.Background()
	s := graph.NewStore()
	a := addNode(t, s, "A.FN.001", "FUNC", "telemetry", nil)
	c := addNode(t, s, "A.CMP.001", "COMP", "telemetry", nil)
	addEdge(t, s, a, c, "allocate")

	pool := variant.NewPool(variant.DefaultConfig())
	id, err := pool.Create(s.Snapshot())
	require.NoError(t, err)
	opt := newOptimizer(pool, nil, DefaultBudgetConfig())

	parent := &Candidate{VariantID: id}
	moves := []Move{
		{Operator: detect.OperatorMerge, NodeIDs: []string{a.UUID, c.UUID}},
		{Operator: detect.OperatorDelete, Element: graph.NodeKey(c.UUID)},
	}
	outcomes, err := opt.expand(ctx, parent, moves, 1)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.True(t, errors.Is(outcomes[0].invalid, ErrInvalidMove))
	assert.NoError(t, outcomes[1].invalid)
	assert.Equal(t, []Move{moves[1]}, outcomes[1].candidate.Moves)
	assert.Equal(t, 2, pool.Len(), "invalid fork discarded")
}
