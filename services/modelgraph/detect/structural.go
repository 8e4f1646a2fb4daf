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
	"fmt"
	"slices"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// structural evaluates a structural predicate.
func structural(view graph.View, rule Rule, version int64) []Violation {
	m := rule.Matcher
	filter := graph.NodeFilter{SemanticIDGlob: m.SemanticIDGlob}
	if m.NodeType != "" {
		filter.Types = []string{m.NodeType}
	}

	finding := func(ids []string, op Operator, msg string) Violation {
		if rule.Operator != OperatorNone {
			op = rule.Operator
		}
		return Violation{
			RuleID:             rule.ID,
			Severity:           rule.Severity,
			Weight:             rule.EffectiveWeight(),
			AffectedElementIDs: ids,
			Score:              1.0,
			SuggestedOperator:  op,
			Tier:               TierStructural,
			Message:            msg,
			Version:            version,
		}
	}

	var out []Violation
	switch m.Predicate {
	case PredicateOrphanNode:
		for _, n := range view.GetNodes(filter) {
			if len(view.IncidentEdges(n.UUID)) == 0 {
				out = append(out, finding([]string{n.UUID}, OperatorDelete,
					fmt.Sprintf("%s has no relationships", n.SemanticID)))
			}
		}

	case PredicateAllocationConflict:
		edgeType := m.edgeType()
		bySource := make(map[string][]graph.Edge)
		var sources []string
		for _, e := range view.GetEdges(graph.EdgeFilter{Types: []string{edgeType}}) {
			if _, seen := bySource[e.SourceID]; !seen {
				sources = append(sources, e.SourceID)
			}
			bySource[e.SourceID] = append(bySource[e.SourceID], e)
		}
		for _, src := range sources {
			edges := bySource[src]
			if len(edges) < 2 {
				continue
			}
			n, ok := view.GetNode(src)
			if !ok || !filter.Match(n) {
				continue
			}
			ids := make([]string, 0, len(edges)+1)
			ids = append(ids, src)
			for _, e := range edges {
				ids = append(ids, e.UUID)
			}
			slices.Sort(ids[1:])
			out = append(out, finding(ids, OperatorRealloc,
				fmt.Sprintf("%s has %d %s edges", n.SemanticID, len(edges), edgeType)))
		}

	case PredicateMissingEdge:
		for _, n := range view.GetNodes(filter) {
			if !hasEdge(view, n.UUID, m.EdgeType, m.direction()) {
				out = append(out, finding([]string{n.UUID}, OperatorNone,
					fmt.Sprintf("%s has no %s edge (%s)", n.SemanticID, m.EdgeType, m.direction())))
			}
		}

	case PredicateRequiredAttribute:
		for _, n := range view.GetNodes(filter) {
			if v, ok := n.Attributes[m.Attribute]; !ok || v == nil || v == "" {
				out = append(out, finding([]string{n.UUID}, OperatorNone,
					fmt.Sprintf("%s lacks attribute %s", n.SemanticID, m.Attribute)))
			}
		}
	}
	return out
}

func hasEdge(view graph.View, nodeID, edgeType, direction string) bool {
	for _, e := range view.IncidentEdges(nodeID) {
		if e.Type != edgeType {
			continue
		}
		switch direction {
		case "in":
			if e.TargetID == nodeID {
				return true
			}
		case "any":
			return true
		default:
			if e.SourceID == nodeID {
				return true
			}
		}
	}
	return false
}
