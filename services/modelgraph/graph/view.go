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

import "context"

// View is the read contract shared by the store, snapshots and variants.
//
// Returned nodes and edges share attribute maps with the view; see the
// package ownership notes.
type View interface {
	// Version returns the version the view's contents correspond to.
	Version() int64

	GetNode(id string) (Node, bool)
	GetNodeBySemanticID(scope Scope, semanticID string) (Node, bool)
	GetEdge(id string) (Edge, bool)
	GetEdgeByKey(key EdgeKey) (Edge, bool)

	// GetNodes returns matching nodes ordered by (scope, semantic ID, UUID).
	GetNodes(filter NodeFilter) []Node

	// GetEdges returns matching edges ordered by (scope, source, type,
	// target, UUID).
	GetEdges(filter EdgeFilter) []Edge

	// IncidentEdges returns the edges with nodeID as source or target.
	IncidentEdges(nodeID string) []Edge

	NodeCount() int
	EdgeCount() int
}

// Mutator is the write contract shared by the store and variants.
type Mutator interface {
	SetNode(ctx context.Context, n Node, opts ...SetOption) (Node, error)
	DeleteNode(ctx context.Context, id string) error
	SetEdge(ctx context.Context, e Edge, opts ...SetOption) (Edge, error)
	DeleteEdge(ctx context.Context, id string) error

	// Apply executes a batch atomically: either every op is applied or none.
	Apply(ctx context.Context, b Batch) (BatchResult, error)
}

// Graph is a readable and writable model graph.
type Graph interface {
	View
	Mutator
}

// reads implements the query half of View over a reader.
type reads struct {
	r reader
}

func (v reads) GetNode(id string) (Node, bool) {
	return v.r.node(id)
}

func (v reads) GetNodeBySemanticID(scope Scope, semanticID string) (Node, bool) {
	id, ok := v.r.nodeBySemantic(semanticKey{scope: scope, id: semanticID})
	if !ok {
		return Node{}, false
	}
	return v.r.node(id)
}

func (v reads) GetEdge(id string) (Edge, bool) {
	return v.r.edge(id)
}

func (v reads) GetEdgeByKey(key EdgeKey) (Edge, bool) {
	id, ok := v.r.edgeByKey(key)
	if !ok {
		return Edge{}, false
	}
	return v.r.edge(id)
}

func (v reads) GetNodes(filter NodeFilter) []Node {
	var out []Node
	v.r.eachNode(func(n Node) bool {
		if filter.Match(n) {
			out = append(out, n)
		}
		return true
	})
	sortNodes(out)
	return out
}

func (v reads) GetEdges(filter EdgeFilter) []Edge {
	var out []Edge
	if filter.NodeID != "" {
		// Narrow through the incident index instead of scanning every edge.
		for _, e := range v.IncidentEdges(filter.NodeID) {
			if filter.Match(e) {
				out = append(out, e)
			}
		}
		return out
	}
	v.r.eachEdge(func(e Edge) bool {
		if filter.Match(e) {
			out = append(out, e)
		}
		return true
	})
	sortEdges(out)
	return out
}

func (v reads) IncidentEdges(nodeID string) []Edge {
	ids := v.r.incidentEdgeIDs(nodeID)
	out := make([]Edge, 0, len(ids))
	for _, id := range ids {
		if e, ok := v.r.edge(id); ok {
			out = append(out, e)
		}
	}
	sortEdges(out)
	return out
}

func (v reads) NodeCount() int {
	return v.r.nodeCount()
}

func (v reads) EdgeCount() int {
	return v.r.edgeCount()
}
