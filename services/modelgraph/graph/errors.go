// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the versioned model graph store.
//
// The store holds the canonical node and edge maps of a systems-engineering
// model. Nodes are identified by an immutable UUID and carry a semantic ID
// that is unique within a (workspace, system) scope. Edges connect node UUIDs
// and are unique per (scope, source, target, type).
//
// # Ownership Model
//
// The store copies attribute maps on write. Values returned by reads share
// their attribute maps with the store's internal state:
//   - Callers MUST NOT mutate Node.Attributes or Edge.Attributes of a value
//     returned by a read. Use Clone() before modifying.
//   - Snapshots reference the internal maps directly (copy-on-write); the
//     store never mutates a map that a snapshot can see.
//
// # Thread Safety
//
// Store is safe for concurrent use. All mutations are serialized by a single
// write lock; reads take the read lock and observe a version consistent with
// the data they return. Snapshot and Overlay values are immutable or owned by
// a single writer respectively (see their docs).
//
// # Versioning
//
// Every accepted mutation increments the version by exactly one. A node
// delete together with its cascaded edge deletes counts as one mutation.
// Rejected mutations never change the version.
package graph

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrDuplicateSemanticID is returned when a node write would give a
	// second UUID the same semantic ID within a scope and upsert was not
	// requested.
	ErrDuplicateSemanticID = errors.New("duplicate semantic id")

	// ErrDuplicateEdgeKey is returned when an edge write would create a
	// second edge with the same (scope, source, target, type) key and upsert
	// was not requested.
	ErrDuplicateEdgeKey = errors.New("duplicate edge key")

	// ErrUnknownElementReference is returned when a mutation targets a node
	// or edge that does not exist, or an edge references a missing node.
	ErrUnknownElementReference = errors.New("unknown element reference")

	// ErrElementExists is returned when an add operation names a UUID that
	// is already present.
	ErrElementExists = errors.New("element already exists")

	// ErrInvalidNode is returned when a node is missing required fields.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdge is returned when an edge is missing required fields.
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrInvalidOp is returned for a batch operation with an unknown kind.
	ErrInvalidOp = errors.New("invalid batch operation")

	// ErrPreconditionFailed is returned when a batch precondition does not
	// hold against the current state.
	ErrPreconditionFailed = errors.New("batch precondition failed")

	// ErrMaxNodesExceeded is returned when a mutation would exceed the
	// configured node capacity.
	ErrMaxNodesExceeded = errors.New("maximum node count exceeded")

	// ErrMaxEdgesExceeded is returned when a mutation would exceed the
	// configured edge capacity.
	ErrMaxEdgesExceeded = errors.New("maximum edge count exceeded")

	// ErrNilContext is returned when a nil context is passed to a mutation.
	ErrNilContext = errors.New("context must not be nil")

	// ErrVersionRegression indicates the single-writer discipline was broken.
	// It is never returned; the store panics with it.
	ErrVersionRegression = errors.New("graph version regressed")
)
