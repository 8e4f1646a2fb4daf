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

// Snapshot is an immutable, versioned view of the store.
//
// Description:
//
//	A snapshot references the store's tables directly; taking one is O(1).
//	The next store write copies only the shards it touches, so the
//	snapshot's contents never change after it is returned.
//
// Thread Safety: Safe for concurrent use.
type Snapshot struct {
	reads
	st      *state
	version int64
}

// EmptySnapshot returns a snapshot of an empty graph at version 0.
func EmptySnapshot() *Snapshot {
	return newSnapshot(newState(), 0)
}

func newSnapshot(st *state, version int64) *Snapshot {
	return &Snapshot{reads: reads{r: st}, st: st, version: version}
}

// Version returns the store version the snapshot was taken at.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Compile-time interface check.
var _ View = (*Snapshot)(nil)
