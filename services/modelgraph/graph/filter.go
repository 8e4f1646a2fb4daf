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
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// NodeFilter selects nodes structurally. Zero-valued fields match everything.
type NodeFilter struct {
	// Types restricts results to these node types.
	Types []string

	// Scope restricts results to a single scope.
	Scope *Scope

	// SemanticID matches one semantic ID exactly.
	SemanticID string

	// SemanticIDGlob matches semantic IDs with a doublestar pattern,
	// e.g. "A.FN.*". An invalid pattern matches nothing.
	SemanticIDGlob string
}

// Match reports whether n satisfies the filter.
func (f NodeFilter) Match(n Node) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, n.Type) {
		return false
	}
	if f.Scope != nil && *f.Scope != n.Scope {
		return false
	}
	if f.SemanticID != "" && f.SemanticID != n.SemanticID {
		return false
	}
	if f.SemanticIDGlob != "" {
		ok, err := doublestar.Match(f.SemanticIDGlob, n.SemanticID)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// EdgeFilter selects edges structurally. Zero-valued fields match everything.
type EdgeFilter struct {
	// Types restricts results to these edge types.
	Types []string

	// Scope restricts results to a single scope.
	Scope *Scope

	// SourceID matches the source node UUID.
	SourceID string

	// TargetID matches the target node UUID.
	TargetID string

	// NodeID matches edges with this node UUID at either end.
	NodeID string
}

// Match reports whether e satisfies the filter.
func (f EdgeFilter) Match(e Edge) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if f.Scope != nil && *f.Scope != e.Scope {
		return false
	}
	if f.SourceID != "" && f.SourceID != e.SourceID {
		return false
	}
	if f.TargetID != "" && f.TargetID != e.TargetID {
		return false
	}
	if f.NodeID != "" && !e.References(f.NodeID) {
		return false
	}
	return true
}

// sortNodes orders nodes by scope, semantic ID, then UUID so query results
// are deterministic.
func sortNodes(nodes []Node) {
	slices.SortFunc(nodes, func(a, b Node) int {
		if c := compareScope(a.Scope, b.Scope); c != 0 {
			return c
		}
		if c := strings.Compare(a.SemanticID, b.SemanticID); c != 0 {
			return c
		}
		return strings.Compare(a.UUID, b.UUID)
	})
}

func sortEdges(edges []Edge) {
	slices.SortFunc(edges, func(a, b Edge) int {
		if c := compareScope(a.Scope, b.Scope); c != 0 {
			return c
		}
		if c := strings.Compare(a.SourceID, b.SourceID); c != 0 {
			return c
		}
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		if c := strings.Compare(a.TargetID, b.TargetID); c != 0 {
			return c
		}
		return strings.Compare(a.UUID, b.UUID)
	})
}

func compareScope(a, b Scope) int {
	if c := strings.Compare(a.Workspace, b.Workspace); c != 0 {
		return c
	}
	return strings.Compare(a.System, b.System)
}
