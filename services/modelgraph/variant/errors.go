// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package variant provides copy-on-write branches of the model graph.
//
// A Variant is an Overlay over an immutable graph.Snapshot: writes land in a
// private override map and never touch the store. The Pool owns every
// variant, tiers idle ones to bound memory, and promotes a chosen variant
// back into the store atomically.
//
// # Tiers
//
//	Hot  - overlay retained in memory, ready for reads and writes
//	Warm - overrides encoded with msgpack and compressed with zstd
//	Cold - warm blob spilled to BadgerDB, or evicted if no spill is set
//
// Tiering is transparent: every operation pins its variant, rehydrating it
// to hot first. An evicted variant behaves exactly as if it had been
// discarded.
package variant

import "errors"

// Sentinel errors for variant operations.
var (
	// ErrVariantNotFound is returned for an unknown, discarded, promoted or
	// evicted variant.
	ErrVariantNotFound = errors.New("variant not found")

	// ErrPromotionConflict is returned when an element the variant changed
	// was deleted or changed in the store after the variant was created.
	ErrPromotionConflict = errors.New("promotion conflict")

	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("variant pool closed")
)
