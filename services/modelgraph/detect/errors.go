// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detect evaluates rule definitions against a graph view and
// reports violations.
//
// Rules are data, not code. Each rule carries a matcher drawn from a closed
// set of kinds:
//
//   - exact: nodes whose normalized key collides (tier 1 only).
//   - embedding_threshold: tiered similarity. Tier 1 is an exact key index,
//     tier 2 cosine similarity over cached embeddings, tier 3 an optional
//     external reviewer for borderline scores.
//   - structural: a named graph predicate such as orphan_node.
//
// The detector holds no graph state. Its only cache is the embedding cache,
// whose entries are keyed by node and invalidated by the digest of the
// text they were computed from.
package detect

import "errors"

var (
	// ErrInvalidRule is returned when a rule definition fails validation.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrInvalidCatalog is returned when a rule catalog cannot be parsed.
	ErrInvalidCatalog = errors.New("invalid rule catalog")

	// ErrNilView is returned when Detect is called without a view.
	ErrNilView = errors.New("view must not be nil")
)
