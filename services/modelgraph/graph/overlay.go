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
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Overlay is a copy-on-write layer over an immutable base.
//
// Description:
//
//	Writes land in private override maps; deletes of base elements are
//	recorded as tombstones. Reads resolve override first, then tombstone,
//	then fall through to the base. The base is never written. Each write is
//	O(1) in the size of the base, apart from the incident-edge scan a node
//	delete needs for its cascade.
//
//	The store stages every batch on an Overlay over its committed state, and
//	variants are Overlays over a Snapshot, so both enforce exactly the same
//	uniqueness and reference rules.
//
// Thread Safety: NOT safe for concurrent use. Owners serialize access.
type Overlay struct {
	reads
	base reader

	nodes     map[string]Node
	edges     map[string]Edge
	deadNodes map[string]struct{}
	deadEdges map[string]struct{}

	// Indexes over the override maps only. Base entries are valid while the
	// owning element is neither overridden nor tombstoned.
	semantic map[semanticKey]string
	edgeKeys map[EdgeKey]string
	incident map[string]map[string]struct{}

	// seq records write order so replays of the overrides are deterministic.
	seq     uint64
	nodeSeq map[string]uint64
	edgeSeq map[string]uint64

	nodeTotal int
	edgeTotal int
	writes    int64

	maxNodes int
	maxEdges int
	now      func() time.Time

	// deferUnique skips per-write key checks; verifyUnique runs instead
	// once the batch is complete.
	deferUnique bool
}

// OverlayOption configures an Overlay.
type OverlayOption func(*Overlay)

// WithLimits caps the number of nodes and edges visible through the overlay.
// Zero means unlimited.
func WithLimits(maxNodes, maxEdges int) OverlayOption {
	return func(o *Overlay) {
		o.maxNodes = maxNodes
		o.maxEdges = maxEdges
	}
}

// WithClock sets the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) OverlayOption {
	return func(o *Overlay) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOverlay creates an empty overlay over a snapshot.
func NewOverlay(base *Snapshot, opts ...OverlayOption) *Overlay {
	return newOverlay(base.st, opts...)
}

func newOverlay(base reader, opts ...OverlayOption) *Overlay {
	o := &Overlay{
		base:      base,
		nodes:     make(map[string]Node),
		edges:     make(map[string]Edge),
		deadNodes: make(map[string]struct{}),
		deadEdges: make(map[string]struct{}),
		semantic:  make(map[semanticKey]string),
		edgeKeys:  make(map[EdgeKey]string),
		incident:  make(map[string]map[string]struct{}),
		nodeSeq:   make(map[string]uint64),
		edgeSeq:   make(map[string]uint64),
		nodeTotal: base.nodeCount(),
		edgeTotal: base.edgeCount(),
		now:       time.Now,
	}
	o.reads = reads{r: o}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Fork returns an independent overlay over the same base holding a copy of
// this overlay's overrides. Cost is proportional to the override count.
func (o *Overlay) Fork() *Overlay {
	f := &Overlay{
		base:      o.base,
		nodes:     maps.Clone(o.nodes),
		edges:     maps.Clone(o.edges),
		deadNodes: maps.Clone(o.deadNodes),
		deadEdges: maps.Clone(o.deadEdges),
		semantic:  maps.Clone(o.semantic),
		edgeKeys:  maps.Clone(o.edgeKeys),
		incident:  make(map[string]map[string]struct{}, len(o.incident)),
		nodeSeq:   maps.Clone(o.nodeSeq),
		edgeSeq:   maps.Clone(o.edgeSeq),
		seq:       o.seq,
		nodeTotal: o.nodeTotal,
		edgeTotal: o.edgeTotal,
		writes:    o.writes,
		maxNodes:  o.maxNodes,
		maxEdges:  o.maxEdges,
		now:       o.now,
	}
	f.reads = reads{r: f}
	for id, set := range o.incident {
		f.incident[id] = maps.Clone(set)
	}
	return f
}

// Writes returns the number of accepted mutations applied to the overlay.
func (o *Overlay) Writes() int64 {
	return o.writes
}

// OverrideCount returns the number of materialized overrides and tombstones.
func (o *Overlay) OverrideCount() int {
	return len(o.nodes) + len(o.edges) + len(o.deadNodes) + len(o.deadEdges)
}

// -----------------------------------------------------------------------------
// reader implementation
// -----------------------------------------------------------------------------

func (o *Overlay) node(id string) (Node, bool) {
	if n, ok := o.nodes[id]; ok {
		return n, true
	}
	if _, dead := o.deadNodes[id]; dead {
		return Node{}, false
	}
	return o.base.node(id)
}

func (o *Overlay) edge(id string) (Edge, bool) {
	if e, ok := o.edges[id]; ok {
		return e, true
	}
	if _, dead := o.deadEdges[id]; dead {
		return Edge{}, false
	}
	return o.base.edge(id)
}

func (o *Overlay) shadowsNode(id string) bool {
	if _, ok := o.nodes[id]; ok {
		return true
	}
	_, dead := o.deadNodes[id]
	return dead
}

func (o *Overlay) shadowsEdge(id string) bool {
	if _, ok := o.edges[id]; ok {
		return true
	}
	_, dead := o.deadEdges[id]
	return dead
}

func (o *Overlay) nodeBySemantic(k semanticKey) (string, bool) {
	if id, ok := o.semantic[k]; ok {
		return id, true
	}
	id, ok := o.base.nodeBySemantic(k)
	if !ok || o.shadowsNode(id) {
		return "", false
	}
	return id, true
}

func (o *Overlay) edgeByKey(k EdgeKey) (string, bool) {
	if id, ok := o.edgeKeys[k]; ok {
		return id, true
	}
	id, ok := o.base.edgeByKey(k)
	if !ok || o.shadowsEdge(id) {
		return "", false
	}
	return id, true
}

func (o *Overlay) incidentEdgeIDs(nodeID string) []string {
	var out []string
	for _, id := range o.base.incidentEdgeIDs(nodeID) {
		if !o.shadowsEdge(id) {
			out = append(out, id)
		}
	}
	for id := range o.incident[nodeID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (o *Overlay) eachNode(fn func(Node) bool) {
	for _, n := range o.nodes {
		if !fn(n) {
			return
		}
	}
	o.base.eachNode(func(n Node) bool {
		if o.shadowsNode(n.UUID) {
			return true
		}
		return fn(n)
	})
}

func (o *Overlay) eachEdge(fn func(Edge) bool) {
	for _, e := range o.edges {
		if !fn(e) {
			return
		}
	}
	o.base.eachEdge(func(e Edge) bool {
		if o.shadowsEdge(e.UUID) {
			return true
		}
		return fn(e)
	})
}

func (o *Overlay) nodeCount() int { return o.nodeTotal }

func (o *Overlay) edgeCount() int { return o.edgeTotal }

// -----------------------------------------------------------------------------
// Mutations
// -----------------------------------------------------------------------------

// SetNode adds or replaces a node.
//
// Description:
//
//	An empty UUID is assigned a new one. If another node already holds
//	(scope, semantic ID), the write fails with ErrDuplicateSemanticID unless
//	WithUpsert is given, in which case it is rebound to that node's UUID.
//	CreatedAt is preserved across updates and UpdatedAt is set to now.
//
// Outputs:
//   - Node: The node as stored.
//   - error: Non-nil if the write was rejected. The overlay is unchanged.
func (o *Overlay) SetNode(n Node, opts ...SetOption) (Node, error) {
	return o.setNode(n, collectSetOptions(opts), false)
}

func (o *Overlay) setNode(n Node, so setOptions, keepTimestamps bool) (Node, error) {
	if n.SemanticID == "" {
		return Node{}, fmt.Errorf("%w: semantic id is required", ErrInvalidNode)
	}
	if n.Type == "" {
		return Node{}, fmt.Errorf("%w: type is required for %s", ErrInvalidNode, n.SemanticID)
	}
	if n.UUID == "" {
		n.UUID = uuid.NewString()
	}

	if holder, ok := o.nodeBySemantic(n.semanticKey()); ok && holder != n.UUID && !o.deferUnique {
		if !so.upsert {
			return Node{}, fmt.Errorf("%w: %s in %s held by %s", ErrDuplicateSemanticID, n.SemanticID, n.Scope, holder)
		}
		if _, taken := o.node(n.UUID); taken {
			// Rebinding would leave the incoming identity behind under a
			// second name.
			return Node{}, fmt.Errorf("%w: %s in %s held by %s, node %s exists", ErrDuplicateSemanticID, n.SemanticID, n.Scope, holder, n.UUID)
		}
		n.UUID = holder
	}

	prev, exists := o.node(n.UUID)
	if !exists && o.maxNodes > 0 && o.nodeTotal >= o.maxNodes {
		return Node{}, fmt.Errorf("%w: limit %d", ErrMaxNodesExceeded, o.maxNodes)
	}

	if !keepTimestamps {
		now := o.now()
		if exists {
			n.CreatedAt = prev.CreatedAt
		} else if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		n.UpdatedAt = now
	}
	n.Attributes = cloneAttributes(n.Attributes)
	n.digest = nodeDigest(n)

	o.putNode(n, exists)
	o.writes++
	return n, nil
}

func (o *Overlay) putNode(n Node, exists bool) {
	if old, ok := o.nodes[n.UUID]; ok {
		if k := old.semanticKey(); o.semantic[k] == n.UUID {
			delete(o.semantic, k)
		}
	}
	if !exists {
		o.nodeTotal++
	}
	delete(o.deadNodes, n.UUID)
	o.nodes[n.UUID] = n
	o.semantic[n.semanticKey()] = n.UUID
	o.seq++
	o.nodeSeq[n.UUID] = o.seq
}

// DeleteNode removes a node and every edge incident to it.
//
// Outputs:
//   - []string: UUIDs of the cascaded edges, sorted.
//   - error: ErrUnknownElementReference if the node does not exist.
func (o *Overlay) DeleteNode(id string) ([]string, error) {
	if _, ok := o.node(id); !ok {
		return nil, fmt.Errorf("%w: node %s", ErrUnknownElementReference, id)
	}
	cascaded := o.incidentEdgeIDs(id)
	for _, edgeID := range cascaded {
		o.removeEdge(edgeID)
	}
	o.removeNode(id)
	o.writes++
	return cascaded, nil
}

func (o *Overlay) removeNode(id string) {
	if old, ok := o.nodes[id]; ok {
		if k := old.semanticKey(); o.semantic[k] == id {
			delete(o.semantic, k)
		}
		delete(o.nodes, id)
	}
	if _, ok := o.base.node(id); ok {
		o.deadNodes[id] = struct{}{}
	}
	delete(o.nodeSeq, id)
	o.nodeTotal--
}

// SetEdge adds or replaces an edge.
//
// Description:
//
//	Both endpoints must exist. A zero scope defaults to the source node's
//	scope. If another edge holds the same (scope, source, target, type) key
//	the write fails with ErrDuplicateEdgeKey unless WithUpsert is given.
func (o *Overlay) SetEdge(e Edge, opts ...SetOption) (Edge, error) {
	return o.setEdge(e, collectSetOptions(opts))
}

func (o *Overlay) setEdge(e Edge, so setOptions) (Edge, error) {
	if e.Type == "" || e.SourceID == "" || e.TargetID == "" {
		return Edge{}, fmt.Errorf("%w: source, target and type are required", ErrInvalidEdge)
	}
	src, ok := o.node(e.SourceID)
	if !ok {
		return Edge{}, fmt.Errorf("%w: edge source node %s", ErrUnknownElementReference, e.SourceID)
	}
	if _, ok := o.node(e.TargetID); !ok {
		return Edge{}, fmt.Errorf("%w: edge target node %s", ErrUnknownElementReference, e.TargetID)
	}
	if e.Scope.IsZero() {
		e.Scope = src.Scope
	}
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}

	if holder, ok := o.edgeByKey(e.Key()); ok && holder != e.UUID && !o.deferUnique {
		if !so.upsert {
			return Edge{}, fmt.Errorf("%w: %s held by %s", ErrDuplicateEdgeKey, e.Key(), holder)
		}
		if _, taken := o.edge(e.UUID); taken {
			return Edge{}, fmt.Errorf("%w: %s held by %s, edge %s exists", ErrDuplicateEdgeKey, e.Key(), holder, e.UUID)
		}
		e.UUID = holder
	}

	_, exists := o.edge(e.UUID)
	if !exists && o.maxEdges > 0 && o.edgeTotal >= o.maxEdges {
		return Edge{}, fmt.Errorf("%w: limit %d", ErrMaxEdgesExceeded, o.maxEdges)
	}

	e.Attributes = cloneAttributes(e.Attributes)
	e.digest = edgeDigest(e)
	o.putEdge(e, exists)
	o.writes++
	return e, nil
}

func (o *Overlay) putEdge(e Edge, exists bool) {
	if old, ok := o.edges[e.UUID]; ok {
		if k := old.Key(); o.edgeKeys[k] == e.UUID {
			delete(o.edgeKeys, k)
		}
		o.unlink(old)
	}
	if !exists {
		o.edgeTotal++
	}
	delete(o.deadEdges, e.UUID)
	o.edges[e.UUID] = e
	o.edgeKeys[e.Key()] = e.UUID
	o.link(e)
	o.seq++
	o.edgeSeq[e.UUID] = o.seq
}

// DeleteEdge removes an edge.
func (o *Overlay) DeleteEdge(id string) error {
	if _, ok := o.edge(id); !ok {
		return fmt.Errorf("%w: edge %s", ErrUnknownElementReference, id)
	}
	o.removeEdge(id)
	o.writes++
	return nil
}

func (o *Overlay) removeEdge(id string) {
	if old, ok := o.edges[id]; ok {
		if k := old.Key(); o.edgeKeys[k] == id {
			delete(o.edgeKeys, k)
		}
		o.unlink(old)
		delete(o.edges, id)
	}
	if _, ok := o.base.edge(id); ok {
		o.deadEdges[id] = struct{}{}
	}
	delete(o.edgeSeq, id)
	o.edgeTotal--
}

func (o *Overlay) link(e Edge) {
	for _, end := range [2]string{e.SourceID, e.TargetID} {
		set, ok := o.incident[end]
		if !ok {
			set = make(map[string]struct{})
			o.incident[end] = set
		}
		set[e.UUID] = struct{}{}
	}
}

func (o *Overlay) unlink(e Edge) {
	for _, end := range [2]string{e.SourceID, e.TargetID} {
		if set, ok := o.incident[end]; ok {
			delete(set, e.UUID)
			if len(set) == 0 {
				delete(o.incident, end)
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Change inspection
// -----------------------------------------------------------------------------

// Overrides returns the overridden nodes and edges in write order.
func (o *Overlay) Overrides() ([]Node, []Edge) {
	nodes := make([]Node, 0, len(o.nodes))
	for _, n := range o.nodes {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b Node) int {
		return cmp.Compare(o.nodeSeq[a.UUID], o.nodeSeq[b.UUID])
	})
	edges := make([]Edge, 0, len(o.edges))
	for _, e := range o.edges {
		edges = append(edges, e)
	}
	slices.SortFunc(edges, func(a, b Edge) int {
		return cmp.Compare(o.edgeSeq[a.UUID], o.edgeSeq[b.UUID])
	})
	return nodes, edges
}

// Tombstones returns the UUIDs of deleted base nodes and edges, sorted.
func (o *Overlay) Tombstones() (nodeIDs, edgeIDs []string) {
	for id := range o.deadNodes {
		nodeIDs = append(nodeIDs, id)
	}
	for id := range o.deadEdges {
		edgeIDs = append(edgeIDs, id)
	}
	slices.Sort(nodeIDs)
	slices.Sort(edgeIDs)
	return nodeIDs, edgeIDs
}

// BaseNode returns the node as the base holds it, ignoring overrides.
func (o *Overlay) BaseNode(id string) (Node, bool) {
	return o.base.node(id)
}

// BaseEdge returns the edge as the base holds it, ignoring overrides.
func (o *Overlay) BaseEdge(id string) (Edge, bool) {
	return o.base.edge(id)
}

// OverlayState is the serializable form of an overlay's overrides.
type OverlayState struct {
	Nodes     []Node   `msgpack:"nodes"`
	Edges     []Edge   `msgpack:"edges"`
	DeadNodes []string `msgpack:"dead_nodes"`
	DeadEdges []string `msgpack:"dead_edges"`
	Writes    int64    `msgpack:"writes"`
}

// State exports the overrides in write order.
func (o *Overlay) State() OverlayState {
	nodes, edges := o.Overrides()
	deadNodes, deadEdges := o.Tombstones()
	return OverlayState{
		Nodes:     nodes,
		Edges:     edges,
		DeadNodes: deadNodes,
		DeadEdges: deadEdges,
		Writes:    o.writes,
	}
}

// RestoreOverlay rebuilds an overlay from exported state over the snapshot
// it was originally created on.
func RestoreOverlay(base *Snapshot, st OverlayState, opts ...OverlayOption) *Overlay {
	o := NewOverlay(base, opts...)
	for _, id := range st.DeadNodes {
		if _, ok := o.base.node(id); ok {
			o.deadNodes[id] = struct{}{}
			o.nodeTotal--
		}
	}
	for _, id := range st.DeadEdges {
		if _, ok := o.base.edge(id); ok {
			o.deadEdges[id] = struct{}{}
			o.edgeTotal--
		}
	}
	for _, n := range st.Nodes {
		n.digest = nodeDigest(n)
		_, inBase := o.base.node(n.UUID)
		o.putNode(n, inBase)
	}
	for _, e := range st.Edges {
		e.digest = edgeDigest(e)
		_, inBase := o.base.edge(e.UUID)
		o.putEdge(e, inBase)
	}
	o.writes = st.Writes
	return o
}
