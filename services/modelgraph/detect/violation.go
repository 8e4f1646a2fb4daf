// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detect

import (
	"cmp"
	"slices"
	"strings"
)

// Tier records which matching stage produced a violation.
type Tier int

const (
	// TierStructural marks violations from structural predicates.
	TierStructural Tier = 0

	// TierExact is an exact key match, score 1.0.
	TierExact Tier = 1

	// TierEmbedding is a cosine-similarity match.
	TierEmbedding Tier = 2

	// TierReview is a borderline score confirmed by a Reviewer.
	TierReview Tier = 3
)

// Violation is a single rule finding.
//
// Violations are produced fresh per Detect call. Version is the version of
// the view they were computed against; they are only meaningful for it.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Weight   float64  `json:"weight"`

	// AffectedElementIDs are node or edge UUIDs. For similarity pairs the
	// two nodes are ordered by semantic ID.
	AffectedElementIDs []string `json:"affected_element_ids"`

	// Score is the match strength in [0, 1]; 1 for structural findings.
	Score float64 `json:"score"`

	SuggestedOperator Operator `json:"suggested_operator,omitempty"`

	Tier    Tier   `json:"tier"`
	Label   string `json:"label,omitempty"`
	Message string `json:"message,omitempty"`
	Version int64  `json:"version"`
}

// Key identifies a violation independent of score, for comparing reports.
func (v Violation) Key() string {
	return v.RuleID + "|" + strings.Join(v.AffectedElementIDs, ",")
}

// sortViolations orders by rule, then score descending, then affected IDs.
func sortViolations(vs []Violation) {
	slices.SortFunc(vs, func(a, b Violation) int {
		if c := strings.Compare(a.RuleID, b.RuleID); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return slices.Compare(a.AffectedElementIDs, b.AffectedElementIDs)
	})
}

// WeightedCount sums the weights of vs.
func WeightedCount(vs []Violation) float64 {
	var total float64
	for _, v := range vs {
		total += v.Weight
	}
	return total
}
