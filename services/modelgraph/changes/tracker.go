// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package changes tracks added, modified and deleted graph elements against
// a baseline snapshot.
//
// Status is always derived by comparing the current graph with the
// baseline; nothing about change state is stored on the elements.
package changes

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// Status is the change status of one element.
type Status int

const (
	// Unchanged means the element is equal in baseline and current.
	Unchanged Status = iota

	// Added means the element exists only in the current graph.
	Added

	// Modified means the element exists in both with different content.
	Modified

	// Deleted means the element exists only in the baseline.
	Deleted
)

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Entry identifies a changed element for observers.
type Entry struct {
	Kind       string `json:"kind"`
	ID         string `json:"id"`
	SemanticID string `json:"semantic_id,omitempty"`
	Type       string `json:"type"`
}

// Summary groups changed elements by status. Each list is sorted by kind
// (nodes first), then semantic ID, then UUID.
type Summary struct {
	Added    []Entry `json:"added"`
	Modified []Entry `json:"modified"`
	Deleted  []Entry `json:"deleted"`
}

// Empty reports whether the summary lists no changes.
func (s Summary) Empty() bool {
	return len(s.Added) == 0 && len(s.Modified) == 0 && len(s.Deleted) == 0
}

// Total returns the number of changed elements.
func (s Summary) Total() int {
	return len(s.Added) + len(s.Modified) + len(s.Deleted)
}

// Source supplies snapshots of the graph being tracked.
type Source interface {
	Snapshot() *graph.Snapshot
}

// Tracker computes change status against a baseline.
//
// Description:
//
//	The baseline is an immutable *graph.Snapshot. Capturing it is O(1)
//	because the store shares its maps copy-on-write. Commit only moves the
//	baseline; it never touches the store.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Tracker struct {
	src    Source
	logger *slog.Logger

	mu       sync.RWMutex
	baseline *graph.Snapshot
}

// NewTracker creates a tracker and captures the initial baseline.
//
// Inputs:
//
//	src - The graph to track. Typically a *graph.Store.
//
// Outputs:
//
//	*Tracker - Ready to report status. Never nil.
func NewTracker(src Source) *Tracker {
	t := &Tracker{
		src:    src,
		logger: slog.Default().With(slog.String("component", "change_tracker")),
	}
	t.CaptureBaseline()
	return t
}

// CaptureBaseline makes the current graph state the baseline.
//
// Outputs:
//
//	*graph.Snapshot - The new baseline.
func (t *Tracker) CaptureBaseline() *graph.Snapshot {
	snap := t.src.Snapshot()

	t.mu.Lock()
	t.baseline = snap
	t.mu.Unlock()

	t.logger.Debug("baseline captured", slog.Int64("version", snap.Version()))
	return snap
}

// Commit advances the baseline to the current state, clearing all change
// indicators. Calling it repeatedly without intervening mutations is a
// no-op apart from re-capturing the same state.
func (t *Tracker) Commit() *graph.Snapshot {
	return t.CaptureBaseline()
}

// Baseline returns the current baseline snapshot.
func (t *Tracker) Baseline() *graph.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.baseline
}

// Status returns the status of every element in current ∪ baseline.
func (t *Tracker) Status() map[graph.ElementKey]Status {
	return StatusMap(t.Baseline(), t.src.Snapshot())
}

// StatusOf returns the status of a single element.
func (t *Tracker) StatusOf(key graph.ElementKey) Status {
	return statusOf(t.Baseline(), t.src.Snapshot(), key)
}

// Changes returns the change summary of the current graph.
func (t *Tracker) Changes() Summary {
	return Diff(t.Baseline(), t.src.Snapshot())
}

// StatusMap compares two views element by element.
//
// Description:
//
//	For every node and edge UUID present in either view: present only in
//	current is Added, only in baseline is Deleted, in both with different
//	content digests is Modified, otherwise Unchanged.
func StatusMap(baseline, current graph.View) map[graph.ElementKey]Status {
	out := make(map[graph.ElementKey]Status, current.NodeCount()+current.EdgeCount())
	walk(baseline, current, func(key graph.ElementKey, st Status, _ Entry) {
		out[key] = st
	})
	return out
}

// Diff returns the changed elements between two views.
func Diff(baseline, current graph.View) Summary {
	var s Summary
	walk(baseline, current, func(_ graph.ElementKey, st Status, e Entry) {
		switch st {
		case Added:
			s.Added = append(s.Added, e)
		case Modified:
			s.Modified = append(s.Modified, e)
		case Deleted:
			s.Deleted = append(s.Deleted, e)
		}
	})
	sortEntries(s.Added)
	sortEntries(s.Modified)
	sortEntries(s.Deleted)
	return s
}

func walk(baseline, current graph.View, visit func(graph.ElementKey, Status, Entry)) {
	for _, n := range current.GetNodes(graph.NodeFilter{}) {
		key := graph.NodeKey(n.UUID)
		st := Added
		if old, ok := baseline.GetNode(n.UUID); ok {
			st = Unchanged
			if old.ContentDigest() != n.ContentDigest() {
				st = Modified
			}
		}
		visit(key, st, nodeEntry(n))
	}
	for _, n := range baseline.GetNodes(graph.NodeFilter{}) {
		if _, ok := current.GetNode(n.UUID); !ok {
			visit(graph.NodeKey(n.UUID), Deleted, nodeEntry(n))
		}
	}
	for _, e := range current.GetEdges(graph.EdgeFilter{}) {
		key := graph.EdgeElementKey(e.UUID)
		st := Added
		if old, ok := baseline.GetEdge(e.UUID); ok {
			st = Unchanged
			if old.ContentDigest() != e.ContentDigest() {
				st = Modified
			}
		}
		visit(key, st, edgeEntry(e))
	}
	for _, e := range baseline.GetEdges(graph.EdgeFilter{}) {
		if _, ok := current.GetEdge(e.UUID); !ok {
			visit(graph.EdgeElementKey(e.UUID), Deleted, edgeEntry(e))
		}
	}
}

func statusOf(baseline, current graph.View, key graph.ElementKey) Status {
	var (
		oldDigest, newDigest graph.Digest
		inOld, inNew         bool
	)
	switch key.Kind {
	case graph.ElementNode:
		if n, ok := baseline.GetNode(key.ID); ok {
			inOld, oldDigest = true, n.ContentDigest()
		}
		if n, ok := current.GetNode(key.ID); ok {
			inNew, newDigest = true, n.ContentDigest()
		}
	case graph.ElementEdge:
		if e, ok := baseline.GetEdge(key.ID); ok {
			inOld, oldDigest = true, e.ContentDigest()
		}
		if e, ok := current.GetEdge(key.ID); ok {
			inNew, newDigest = true, e.ContentDigest()
		}
	}
	switch {
	case inNew && !inOld:
		return Added
	case inOld && !inNew:
		return Deleted
	case inOld && oldDigest != newDigest:
		return Modified
	default:
		return Unchanged
	}
}

func nodeEntry(n graph.Node) Entry {
	return Entry{Kind: graph.ElementNode.String(), ID: n.UUID, SemanticID: n.SemanticID, Type: n.Type}
}

func edgeEntry(e graph.Edge) Entry {
	return Entry{Kind: graph.ElementEdge.String(), ID: e.UUID, Type: e.Type}
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		// "edge" sorts before "node"; nodes come first.
		if a.Kind != b.Kind {
			return -strings.Compare(a.Kind, b.Kind)
		}
		if c := strings.Compare(a.SemanticID, b.SemanticID); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
