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
	"hash/maphash"
	"maps"
	"sync/atomic"
)

// reader is the read contract shared by the store's committed state and
// overlays. Overlays are layered over a reader.
type reader interface {
	node(id string) (Node, bool)
	edge(id string) (Edge, bool)
	nodeBySemantic(k semanticKey) (string, bool)
	edgeByKey(k EdgeKey) (string, bool)
	incidentEdgeIDs(nodeID string) []string
	eachNode(fn func(Node) bool)
	eachEdge(fn func(Edge) bool)
	nodeCount() int
	edgeCount() int
}

// state holds the committed node/edge tables and their secondary indexes.
//
// A state referenced by a Snapshot is never mutated. The store clones it
// before the next write (see Store.mutable); the clone shares every shard
// and copies a shard only when it first writes to it.
type state struct {
	// gen identifies the state allowed to mutate a shard or edge set.
	gen uint64

	nodes table[string, Node]
	edges table[string, Edge]

	// semantic maps (scope, semantic ID) to the owning node UUID.
	semantic table[semanticKey, string]

	// edgeKeys maps the edge uniqueness key to the owning edge UUID.
	edgeKeys table[EdgeKey, string]

	// incident maps a node UUID to the UUIDs of edges touching it.
	incident table[string, *edgeSet]
}

var stateGen atomic.Uint64

func newState() *state {
	return &state{gen: stateGen.Add(1)}
}

// clone returns a state sharing every shard with s. Node and Edge values
// are shared; they are immutable once stored.
func (s *state) clone() *state {
	c := *s
	c.gen = stateGen.Add(1)
	return &c
}

// edgeSet is the incident edge set of one node, owned by the state whose
// generation it carries.
type edgeSet struct {
	ids map[string]struct{}
	gen uint64
}

const tableShards = 64

var tableSeed = maphash.MakeSeed()

// table is a map split into shards. A shard is written in place only by
// the state generation that created it; any other generation copies it
// first.
type table[K comparable, V any] struct {
	shards [tableShards]*tableShard[K, V]
	n      int
}

type tableShard[K comparable, V any] struct {
	m   map[K]V
	gen uint64
}

func shardOf[K comparable](k K) int {
	return int(maphash.Comparable(tableSeed, k) % tableShards)
}

func (t *table[K, V]) get(k K) (V, bool) {
	sh := t.shards[shardOf(k)]
	if sh == nil {
		var zero V
		return zero, false
	}
	v, ok := sh.m[k]
	return v, ok
}

func (t *table[K, V]) len() int { return t.n }

// writable returns the shard map holding k, copying it if gen does not own
// it.
func (t *table[K, V]) writable(k K, gen uint64) map[K]V {
	i := shardOf(k)
	sh := t.shards[i]
	switch {
	case sh == nil:
		sh = &tableShard[K, V]{m: make(map[K]V), gen: gen}
		t.shards[i] = sh
	case sh.gen != gen:
		sh = &tableShard[K, V]{m: maps.Clone(sh.m), gen: gen}
		t.shards[i] = sh
	}
	return sh.m
}

func (t *table[K, V]) put(k K, v V, gen uint64) {
	m := t.writable(k, gen)
	if _, ok := m[k]; !ok {
		t.n++
	}
	m[k] = v
}

func (t *table[K, V]) del(k K, gen uint64) {
	if _, ok := t.get(k); !ok {
		return
	}
	delete(t.writable(k, gen), k)
	t.n--
}

func (t *table[K, V]) each(fn func(K, V) bool) {
	for _, sh := range t.shards {
		if sh == nil {
			continue
		}
		for k, v := range sh.m {
			if !fn(k, v) {
				return
			}
		}
	}
}

func (s *state) node(id string) (Node, bool) {
	return s.nodes.get(id)
}

func (s *state) edge(id string) (Edge, bool) {
	return s.edges.get(id)
}

func (s *state) nodeBySemantic(k semanticKey) (string, bool) {
	return s.semantic.get(k)
}

func (s *state) edgeByKey(k EdgeKey) (string, bool) {
	return s.edgeKeys.get(k)
}

func (s *state) incidentEdgeIDs(nodeID string) []string {
	set, ok := s.incident.get(nodeID)
	if !ok || len(set.ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(set.ids))
	for id := range set.ids {
		out = append(out, id)
	}
	return out
}

func (s *state) eachNode(fn func(Node) bool) {
	s.nodes.each(func(_ string, n Node) bool {
		return fn(n)
	})
}

func (s *state) eachEdge(fn func(Edge) bool) {
	s.edges.each(func(_ string, e Edge) bool {
		return fn(e)
	})
}

func (s *state) nodeCount() int { return s.nodes.len() }

func (s *state) edgeCount() int { return s.edges.len() }

// putNode stores n and maintains the semantic index. An index entry is only
// released if it still points at this node, so applying a set of writes in
// any order converges on the same indexes.
func (s *state) putNode(n Node) {
	if old, ok := s.nodes.get(n.UUID); ok {
		if k := old.semanticKey(); s.ownsSemantic(k, n.UUID) {
			s.semantic.del(k, s.gen)
		}
	}
	s.nodes.put(n.UUID, n, s.gen)
	s.semantic.put(n.semanticKey(), n.UUID, s.gen)
}

func (s *state) ownsSemantic(k semanticKey, id string) bool {
	owner, ok := s.semantic.get(k)
	return ok && owner == id
}

func (s *state) ownsEdgeKey(k EdgeKey, id string) bool {
	owner, ok := s.edgeKeys.get(k)
	return ok && owner == id
}

func (s *state) removeNode(id string) {
	old, ok := s.nodes.get(id)
	if !ok {
		return
	}
	if k := old.semanticKey(); s.ownsSemantic(k, id) {
		s.semantic.del(k, s.gen)
	}
	for _, edgeID := range s.incidentEdgeIDs(id) {
		s.removeEdge(edgeID)
	}
	s.incident.del(id, s.gen)
	s.nodes.del(id, s.gen)
}

func (s *state) putEdge(e Edge) {
	if old, ok := s.edges.get(e.UUID); ok {
		if k := old.Key(); s.ownsEdgeKey(k, e.UUID) {
			s.edgeKeys.del(k, s.gen)
		}
		s.unlinkEdge(old)
	}
	s.edges.put(e.UUID, e, s.gen)
	s.edgeKeys.put(e.Key(), e.UUID, s.gen)
	s.linkEdge(e)
}

func (s *state) removeEdge(id string) {
	old, ok := s.edges.get(id)
	if !ok {
		return
	}
	if k := old.Key(); s.ownsEdgeKey(k, id) {
		s.edgeKeys.del(k, s.gen)
	}
	s.unlinkEdge(old)
	s.edges.del(id, s.gen)
}

func (s *state) linkEdge(e Edge) {
	for _, end := range [2]string{e.SourceID, e.TargetID} {
		set, ok := s.incident.get(end)
		if !ok || set.gen != s.gen {
			next := &edgeSet{ids: make(map[string]struct{}), gen: s.gen}
			if ok {
				maps.Copy(next.ids, set.ids)
			}
			s.incident.put(end, next, s.gen)
			set = next
		}
		set.ids[e.UUID] = struct{}{}
	}
}

func (s *state) unlinkEdge(e Edge) {
	for _, end := range [2]string{e.SourceID, e.TargetID} {
		set, ok := s.incident.get(end)
		if !ok {
			continue
		}
		if _, linked := set.ids[e.UUID]; !linked {
			continue
		}
		if len(set.ids) == 1 {
			s.incident.del(end, s.gen)
			continue
		}
		if set.gen != s.gen {
			set = &edgeSet{ids: maps.Clone(set.ids), gen: s.gen}
			s.incident.put(end, set, s.gen)
		}
		delete(set.ids, e.UUID)
	}
}

// applyOverlay commits the overlay's final state. Removals run before
// writes, and edges are written after nodes so indexes never point at a
// missing endpoint.
func (s *state) applyOverlay(o *Overlay) {
	for id := range o.deadEdges {
		s.removeEdge(id)
	}
	for id := range o.deadNodes {
		s.removeNode(id)
	}
	for _, n := range o.nodes {
		s.putNode(n)
	}
	for _, e := range o.edges {
		s.putEdge(e)
	}
}
