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
	"fmt"

	"github.com/AleutianAI/modelgraph/services/modelgraph/detect"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// Score is a candidate's objective vector.
//
// Cohesion is maximized; Coupling and Violations are minimized.
type Score struct {
	// Cohesion is the share of relationships between allocated nodes that
	// stay inside one allocation target, in [0, 1].
	Cohesion float64 `json:"cohesion"`

	// Coupling counts relationships between allocated nodes that cross
	// allocation targets.
	Coupling float64 `json:"coupling"`

	// Violations is the weighted violation count.
	Violations float64 `json:"violations"`
}

// String formats the score for logs.
func (s Score) String() string {
	return fmt.Sprintf("cohesion=%.3f coupling=%.0f violations=%.2f", s.Cohesion, s.Coupling, s.Violations)
}

// Dominates reports whether s is at least as good as o on every objective
// and strictly better on one.
func (s Score) Dominates(o Score) bool {
	if s.Cohesion < o.Cohesion || s.Coupling > o.Coupling || s.Violations > o.Violations {
		return false
	}
	return s.Cohesion > o.Cohesion || s.Coupling < o.Coupling || s.Violations < o.Violations
}

// Evaluate scores a view.
//
// Description:
//
//	Each node is assigned to the target of its first outgoing allocation
//	edge (in edge order). Every non-allocation edge whose endpoints are
//	both assigned is internal when they share a target and crossing
//	otherwise. Cohesion is internal / (internal + crossing), or 0 when
//	there are no such edges.
func Evaluate(view graph.View, violations []detect.Violation, allocationType string) Score {
	assigned := make(map[string]string)
	for _, e := range view.GetEdges(graph.EdgeFilter{Types: []string{allocationType}}) {
		if _, ok := assigned[e.SourceID]; !ok {
			assigned[e.SourceID] = e.TargetID
		}
	}

	var internal, crossing int
	for _, e := range view.GetEdges(graph.EdgeFilter{}) {
		if e.Type == allocationType {
			continue
		}
		src, ok1 := assigned[e.SourceID]
		dst, ok2 := assigned[e.TargetID]
		if !ok1 || !ok2 {
			continue
		}
		if src == dst {
			internal++
		} else {
			crossing++
		}
	}

	s := Score{
		Coupling:   float64(crossing),
		Violations: detect.WeightedCount(violations),
	}
	if total := internal + crossing; total > 0 {
		s.Cohesion = float64(internal) / float64(total)
	}
	return s
}
