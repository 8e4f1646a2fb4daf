// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimize runs a violation-guided local search over graph
// variants.
//
// A run starts from a store snapshot, detects violations, turns them into
// candidate moves (MERGE, REALLOC, DELETE), applies each move to a fork of
// a variant and scores the result on several objectives. Non-dominated
// results form a Pareto front, which is returned to the caller. The
// optimizer never writes to the store; promotion is the caller's decision.
package optimize

import "errors"

var (
	// ErrInvalidMove is returned when a move's preconditions do not hold,
	// e.g. MERGE of nodes with different types. The optimizer treats it as
	// "try the next candidate".
	ErrInvalidMove = errors.New("invalid move")

	// ErrBudgetExhausted is reported when a run stops on its budget.
	ErrBudgetExhausted = errors.New("optimizer budget exhausted")

	// ErrTimeLimitExceeded is reported when a run stops on its time limit.
	ErrTimeLimitExceeded = errors.New("optimizer time limit exceeded")
)
