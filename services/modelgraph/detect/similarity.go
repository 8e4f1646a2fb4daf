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
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// Verdict is a Reviewer's decision on a borderline pair.
type Verdict struct {
	Accept bool

	// Score replaces the tier-2 score if positive.
	Score float64

	Reason string
}

// Reviewer is the optional tier-3 matcher, typically backed by an
// external model. It sees only pairs whose tier-2 score falls in the
// review band of a rule.
type Reviewer interface {
	Review(ctx context.Context, a, b graph.Node, score float64) (Verdict, error)
}

// normalizeKey folds case, punctuation and whitespace.
func normalizeKey(s string) string {
	return strings.Join(tokenize(s), " ")
}

func keyOf(n graph.Node, field string) string {
	switch field {
	case FieldSemanticID:
		return normalizeKey(n.SemanticID)
	case FieldDescription:
		return normalizeKey(n.Description)
	default:
		return normalizeKey(n.Name)
	}
}

type pair struct{ a, b int }

// groupNodes splits nodes into comparison groups: one per scope, or a
// single group when crossScope is set. Node order is preserved.
func groupNodes(nodes []graph.Node, crossScope bool) [][]graph.Node {
	if crossScope {
		return [][]graph.Node{nodes}
	}
	var groups [][]graph.Node
	for i := 0; i < len(nodes); {
		j := i + 1
		for j < len(nodes) && nodes[j].Scope == nodes[i].Scope {
			j++
		}
		groups = append(groups, nodes[i:j])
		i = j
	}
	return groups
}

// similarity evaluates an exact or embedding_threshold rule.
//
// Description:
//
//	Tier 1 buckets nodes by normalized key and reports every pair inside a
//	bucket with score 1.0. For embedding rules, remaining pairs are scored
//	by cosine similarity (tier 2); pairs at or above the merge threshold
//	are reported, and pairs in the review band go to the Reviewer (tier 3)
//	if one is configured. Tier 2 is quadratic in the group size.
func (d *Detector) similarity(ctx context.Context, view graph.View, rule Rule, version int64) ([]Violation, error) {
	m := rule.Matcher
	nodes := view.GetNodes(graph.NodeFilter{Types: []string{m.NodeType}, SemanticIDGlob: m.SemanticIDGlob})
	merge, duplicate := m.thresholds()
	op := rule.Operator
	if op == OperatorNone {
		op = OperatorMerge
	}

	newViolation := func(a, b graph.Node, score float64, tier Tier, label string) Violation {
		return Violation{
			RuleID:             rule.ID,
			Severity:           rule.Severity,
			Weight:             rule.EffectiveWeight(),
			AffectedElementIDs: []string{a.UUID, b.UUID},
			Score:              score,
			SuggestedOperator:  op,
			Tier:               tier,
			Label:              label,
			Message:            fmt.Sprintf("%s and %s are similar (%.2f)", a.SemanticID, b.SemanticID, score),
			Version:            version,
		}
	}
	labelFor := func(score float64) string {
		if score >= duplicate {
			return LabelNearDuplicate
		}
		return LabelMergeCandidate
	}

	var out []Violation
	for _, group := range groupNodes(nodes, m.CrossScope) {
		if len(group) < 2 {
			continue
		}

		// Tier 1.
		matched := make(map[pair]struct{})
		buckets := make(map[string][]int)
		for i, n := range group {
			if k := keyOf(n, m.field()); k != "" {
				buckets[k] = append(buckets[k], i)
			}
		}
		for i := range group {
			k := keyOf(group[i], m.field())
			idx := buckets[k]
			if k == "" || len(idx) < 2 || idx[0] != i {
				continue
			}
			for x := 0; x < len(idx); x++ {
				for y := x + 1; y < len(idx); y++ {
					matched[pair{idx[x], idx[y]}] = struct{}{}
					out = append(out, newViolation(group[idx[x]], group[idx[y]], 1.0, TierExact, LabelExactMatch))
				}
			}
		}
		if m.Kind != MatcherEmbeddingThreshold {
			continue
		}

		// Tier 2.
		vecs := make([][]float32, len(group))
		for i, n := range group {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			v, err := d.embeddings.Vector(ctx, n)
			if err != nil {
				return nil, err
			}
			vecs[i] = v
		}
		for i := range group {
			for j := i + 1; j < len(group); j++ {
				if _, ok := matched[pair{i, j}]; ok {
					continue
				}
				score := Cosine(vecs[i], vecs[j])
				switch {
				case score >= merge:
					out = append(out, newViolation(group[i], group[j], score, TierEmbedding, labelFor(score)))
				case d.reviewer != nil && m.ReviewThreshold > 0 && score >= m.ReviewThreshold:
					// Tier 3.
					if v, ok := d.review(ctx, rule, group[i], group[j], score); ok {
						if v.Score > 0 {
							score = v.Score
						}
						out = append(out, newViolation(group[i], group[j], score, TierReview, LabelMergeCandidate))
					}
				}
			}
		}
	}
	return out, nil
}

func (d *Detector) review(ctx context.Context, rule Rule, a, b graph.Node, score float64) (Verdict, bool) {
	v, err := d.reviewer.Review(ctx, a, b, score)
	if err != nil {
		recordReview(ctx, "error")
		d.logger.Warn("review failed, pair skipped",
			slog.String("rule", rule.ID),
			slog.String("a", a.SemanticID),
			slog.String("b", b.SemanticID),
			slog.String("error", err.Error()),
		)
		return Verdict{}, false
	}
	if !v.Accept {
		recordReview(ctx, "rejected")
		return v, false
	}
	recordReview(ctx, "accepted")
	return v, true
}
