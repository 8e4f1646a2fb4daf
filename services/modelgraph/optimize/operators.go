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
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/modelgraph/services/modelgraph/detect"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// OptionalKey marks an attribute whose merged originals disagreed. Its
// value maps each original semantic ID to that original's value:
//
//	{"$optional": {"A.FN.001": 5, "B.FN.001": 7}}
const OptionalKey = "$optional"

// Attribute keys written by MERGE.
const (
	MergedFromKey   = "$merged_from"
	OptionalNameKey = "$name"
	OptionalDescKey = "$description"
)

// Move is one candidate edit.
type Move struct {
	Operator detect.Operator `json:"operator"`

	// RuleID is the rule whose violation suggested the move.
	RuleID string `json:"rule_id,omitempty"`

	// NodeIDs are MERGE's two nodes.
	NodeIDs []string `json:"node_ids,omitempty"`

	// EdgeID and TargetID are REALLOC's allocation edge and new target.
	EdgeID   string `json:"edge_id,omitempty"`
	TargetID string `json:"target_id,omitempty"`

	// Element is DELETE's target.
	Element graph.ElementKey `json:"element"`
}

// Key identifies the move for de-duplication.
func (m Move) Key() string {
	switch m.Operator {
	case detect.OperatorMerge:
		ids := slices.Clone(m.NodeIDs)
		slices.Sort(ids)
		return "MERGE:" + strings.Join(ids, ",")
	case detect.OperatorRealloc:
		return "REALLOC:" + m.EdgeID + "->" + m.TargetID
	default:
		return string(m.Operator) + ":" + m.Element.String()
	}
}

// String describes the move for logs.
func (m Move) String() string {
	return m.Key()
}

// ApplyMove applies m to g as one atomic batch.
//
// Description:
//
//	g is normally a fresh fork of a variant. On error g is unchanged.
//
// Outputs:
//   - error: ErrInvalidMove if the move's preconditions do not hold, or
//     the graph error that rejected the batch.
func ApplyMove(ctx context.Context, g graph.Graph, m Move, allocationType string) error {
	var (
		b   graph.Batch
		err error
	)
	switch m.Operator {
	case detect.OperatorMerge:
		b, err = mergeBatch(g, m)
	case detect.OperatorRealloc:
		b, err = reallocBatch(g, m, allocationType)
	case detect.OperatorDelete:
		b, err = deleteBatch(g, m)
	default:
		err = fmt.Errorf("%w: unknown operator %q", ErrInvalidMove, m.Operator)
	}
	if err != nil {
		return err
	}
	b.Source = "optimizer"
	_, err = g.Apply(ctx, b)
	return err
}

// mergeBatch builds MERGE(a, b).
//
// The survivor gets a new UUID and the semantic ID, name and description
// of the original with the smaller semantic ID. Attributes are unioned;
// disagreeing values become optional sub-fields. Every edge of either
// original is rewired to the survivor with its UUID kept; edges that
// become self-loops or duplicate an earlier edge key are dropped.
func mergeBatch(g graph.View, m Move) (graph.Batch, error) {
	if len(m.NodeIDs) != 2 || m.NodeIDs[0] == m.NodeIDs[1] {
		return graph.Batch{}, fmt.Errorf("%w: MERGE needs two distinct nodes", ErrInvalidMove)
	}
	a, ok := g.GetNode(m.NodeIDs[0])
	if !ok {
		return graph.Batch{}, fmt.Errorf("%w: MERGE: node %s not found", ErrInvalidMove, m.NodeIDs[0])
	}
	b, ok := g.GetNode(m.NodeIDs[1])
	if !ok {
		return graph.Batch{}, fmt.Errorf("%w: MERGE: node %s not found", ErrInvalidMove, m.NodeIDs[1])
	}
	if a.Type != b.Type {
		return graph.Batch{}, fmt.Errorf("%w: MERGE of %s (%s) and %s (%s)", ErrInvalidMove, a.SemanticID, a.Type, b.SemanticID, b.Type)
	}
	if a.Scope != b.Scope {
		return graph.Batch{}, fmt.Errorf("%w: MERGE across scopes %s and %s", ErrInvalidMove, a.Scope, b.Scope)
	}
	if b.SemanticID < a.SemanticID {
		a, b = b, a
	}

	merged := graph.Node{
		UUID:        uuid.NewString(),
		Scope:       a.Scope,
		SemanticID:  a.SemanticID,
		Type:        a.Type,
		Name:        a.Name,
		Description: a.Description,
		Attributes:  mergeAttributes(a.SemanticID, a.Attributes, b.SemanticID, b.Attributes),
	}
	if b.Name != a.Name {
		merged.Attributes[OptionalNameKey] = optional(a.SemanticID, a.Name, b.SemanticID, b.Name)
	}
	switch {
	case a.Description == "":
		merged.Description = b.Description
	case b.Description != "" && b.Description != a.Description:
		merged.Attributes[OptionalDescKey] = optional(a.SemanticID, a.Description, b.SemanticID, b.Description)
	}
	merged.Attributes[MergedFromKey] = []any{a.SemanticID, b.SemanticID}

	batch := graph.Batch{Ops: []graph.Op{
		{Kind: graph.OpDeleteNode, ID: a.UUID},
		{Kind: graph.OpDeleteNode, ID: b.UUID},
		{Kind: graph.OpSetNode, Node: merged, MustNotExist: true},
	}}

	rewire := func(id string) string {
		if id == a.UUID || id == b.UUID {
			return merged.UUID
		}
		return id
	}
	edges := make(map[string]graph.Edge)
	for _, e := range g.IncidentEdges(a.UUID) {
		edges[e.UUID] = e
	}
	for _, e := range g.IncidentEdges(b.UUID) {
		edges[e.UUID] = e
	}
	seen := make(map[graph.EdgeKey]struct{}, len(edges))
	for _, id := range slices.Sorted(maps.Keys(edges)) {
		e := edges[id]
		e.SourceID = rewire(e.SourceID)
		e.TargetID = rewire(e.TargetID)
		if e.SourceID == e.TargetID {
			continue
		}
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		batch.Ops = append(batch.Ops, graph.Op{Kind: graph.OpSetEdge, Edge: e.Clone()})
	}
	return batch, nil
}

// mergeAttributes unions two attribute maps. Keys present in both with
// different values become {OptionalKey: {semA: va, semB: vb}}; values that
// are already optional are flattened into the new one.
func mergeAttributes(semA string, a map[string]any, semB string, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b)+1)
	for k, v := range a {
		out[k] = v
	}
	for k, vb := range b {
		va, ok := out[k]
		if !ok {
			out[k] = vb
			continue
		}
		if graph.ValuesEqual(va, vb) {
			continue
		}
		out[k] = optional(semA, va, semB, vb)
	}
	return out
}

func optional(semA string, va any, semB string, vb any) map[string]any {
	alts := make(map[string]any, 2)
	for _, side := range []struct {
		sem string
		v   any
	}{{semA, va}, {semB, vb}} {
		if inner, ok := optionalValues(side.v); ok {
			for k, v := range inner {
				alts[k] = v
			}
			continue
		}
		alts[side.sem] = side.v
	}
	return map[string]any{OptionalKey: alts}
}

func optionalValues(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, false
	}
	inner, ok := m[OptionalKey].(map[string]any)
	return inner, ok
}

// reallocBatch builds REALLOC(edge, target): the edge is pointed at target
// and every other allocation edge of its source is deleted.
func reallocBatch(g graph.View, m Move, allocationType string) (graph.Batch, error) {
	e, ok := g.GetEdge(m.EdgeID)
	if !ok {
		return graph.Batch{}, fmt.Errorf("%w: REALLOC: edge %s not found", ErrInvalidMove, m.EdgeID)
	}
	if e.Type != allocationType {
		return graph.Batch{}, fmt.Errorf("%w: REALLOC: edge %s is %s, not %s", ErrInvalidMove, e.UUID, e.Type, allocationType)
	}
	if _, ok := g.GetNode(m.TargetID); !ok {
		return graph.Batch{}, fmt.Errorf("%w: REALLOC: target %s not found", ErrInvalidMove, m.TargetID)
	}

	var batch graph.Batch
	for _, other := range g.GetEdges(graph.EdgeFilter{Types: []string{allocationType}, SourceID: e.SourceID}) {
		if other.UUID != e.UUID {
			batch.Ops = append(batch.Ops, graph.Op{Kind: graph.OpDeleteEdge, ID: other.UUID})
		}
	}
	if e.TargetID != m.TargetID {
		moved := e.Clone()
		moved.TargetID = m.TargetID
		batch.Ops = append(batch.Ops, graph.Op{Kind: graph.OpSetEdge, Edge: moved, MustExist: true})
	}
	if len(batch.Ops) == 0 {
		return graph.Batch{}, fmt.Errorf("%w: REALLOC of %s to its current target changes nothing", ErrInvalidMove, e.UUID)
	}
	return batch, nil
}

// deleteBatch builds DELETE(element).
func deleteBatch(g graph.View, m Move) (graph.Batch, error) {
	switch m.Element.Kind {
	case graph.ElementNode:
		if _, ok := g.GetNode(m.Element.ID); !ok {
			return graph.Batch{}, fmt.Errorf("%w: DELETE: %s not found", ErrInvalidMove, m.Element)
		}
		return graph.Batch{Ops: []graph.Op{{Kind: graph.OpDeleteNode, ID: m.Element.ID}}}, nil
	case graph.ElementEdge:
		if _, ok := g.GetEdge(m.Element.ID); !ok {
			return graph.Batch{}, fmt.Errorf("%w: DELETE: %s not found", ErrInvalidMove, m.Element)
		}
		return graph.Batch{Ops: []graph.Op{{Kind: graph.OpDeleteEdge, ID: m.Element.ID}}}, nil
	default:
		return graph.Batch{}, fmt.Errorf("%w: DELETE needs an element", ErrInvalidMove)
	}
}

// MovesFor turns violations into candidate moves, in violation order.
// Violations without an operator produce no moves.
func MovesFor(view graph.View, violations []detect.Violation) []Move {
	var moves []Move
	seen := make(map[string]struct{})
	add := func(m Move) {
		k := m.Key()
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		moves = append(moves, m)
	}

	for _, v := range violations {
		switch v.SuggestedOperator {
		case detect.OperatorMerge:
			if len(v.AffectedElementIDs) == 2 {
				add(Move{Operator: detect.OperatorMerge, RuleID: v.RuleID, NodeIDs: slices.Clone(v.AffectedElementIDs)})
			}
		case detect.OperatorRealloc:
			// [source, edge...]: keep the first edge, try each target.
			if len(v.AffectedElementIDs) < 3 {
				continue
			}
			keep := v.AffectedElementIDs[1]
			for _, id := range v.AffectedElementIDs[1:] {
				if e, ok := view.GetEdge(id); ok {
					add(Move{Operator: detect.OperatorRealloc, RuleID: v.RuleID, EdgeID: keep, TargetID: e.TargetID})
				}
			}
		case detect.OperatorDelete:
			for _, id := range v.AffectedElementIDs {
				if _, ok := view.GetNode(id); ok {
					add(Move{Operator: detect.OperatorDelete, RuleID: v.RuleID, Element: graph.NodeKey(id)})
				} else if _, ok := view.GetEdge(id); ok {
					add(Move{Operator: detect.OperatorDelete, RuleID: v.RuleID, Element: graph.EdgeElementKey(id)})
				}
			}
		}
	}
	return moves
}
