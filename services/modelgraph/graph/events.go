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

// EventType identifies the kind of change an Event reports.
type EventType int

const (
	// EventNodeSet reports a node add or update.
	EventNodeSet EventType = iota + 1

	// EventNodeDeleted reports a node delete. Cascaded edge deletes are
	// listed on the same event.
	EventNodeDeleted

	// EventEdgeSet reports an edge add or update.
	EventEdgeSet

	// EventEdgeDeleted reports an edge delete.
	EventEdgeDeleted

	// EventLoaded reports a full state replacement by Load.
	EventLoaded
)

// String returns the string representation of the EventType.
func (t EventType) String() string {
	switch t {
	case EventNodeSet:
		return "node_set"
	case EventNodeDeleted:
		return "node_deleted"
	case EventEdgeSet:
		return "edge_set"
	case EventEdgeDeleted:
		return "edge_deleted"
	case EventLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers once per accepted mutation.
type Event struct {
	Type       EventType
	AffectedID string
	NewVersion int64

	// Cascaded lists the edges removed with a deleted node.
	Cascaded []string

	// Source is the Batch.Source of the mutation, if any.
	Source string
}

// Subscriber receives store events.
//
// Subscribers run synchronously on the mutating goroutine after the store's
// write lock is released. They may read from the store but MUST NOT mutate
// it; hand work to another goroutine instead.
type Subscriber func(Event)

type subscription struct {
	id uint64
	fn Subscriber
}

func eventFor(res OpResult, version int64, source string) Event {
	ev := Event{AffectedID: res.Key.ID, NewVersion: version, Source: source}
	switch res.Kind {
	case OpSetNode:
		ev.Type = EventNodeSet
	case OpDeleteNode:
		ev.Type = EventNodeDeleted
		ev.Cascaded = res.Cascaded
	case OpSetEdge:
		ev.Type = EventEdgeSet
	case OpDeleteEdge:
		ev.Type = EventEdgeDeleted
	}
	return ev
}
