// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimize

import (
	"cmp"
	"slices"
	"strings"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// Fingerprint digests the content of view. Edge endpoints are named by
// scope and semantic ID, so variants that reach the same model along
// different move paths share a fingerprint even when a merge minted a
// fresh UUID.
func Fingerprint(view graph.View) graph.Digest {
	nodes := view.GetNodes(graph.NodeFilter{})
	semantic := make(map[string]string, len(nodes))
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		semantic[n.UUID] = n.Scope.String() + "/" + n.SemanticID
		parts = append(parts, "n:"+n.ContentDigest().String())
	}
	for _, e := range view.GetEdges(graph.EdgeFilter{}) {
		d := graph.Edge{
			Scope:      e.Scope,
			SourceID:   semantic[e.SourceID],
			TargetID:   semantic[e.TargetID],
			Type:       e.Type,
			Attributes: e.Attributes,
		}.ContentDigest()
		parts = append(parts, "e:"+d.String())
	}
	slices.Sort(parts)
	return graph.TextDigest(parts...)
}

// Front is a set of mutually non-dominated candidates.
//
// Thread Safety: Not safe for concurrent use; the optimizer loop owns it.
type Front struct {
	members []*Candidate
}

// Add offers c to the front.
//
// Description:
//
//	c is rejected if a member dominates it or is the same model (equal
//	non-zero Digest). Members with an equal score but different content
//	are kept side by side. Otherwise c joins the front and every member c
//	dominates is evicted.
//
// Outputs:
//   - added: Whether c joined the front.
//   - evicted: Members removed because c dominates them.
func (f *Front) Add(c *Candidate) (added bool, evicted []*Candidate) {
	for _, m := range f.members {
		if m.Score.Dominates(c.Score) || (!c.Digest.IsZero() && m.Digest == c.Digest) {
			return false, nil
		}
	}
	kept := f.members[:0]
	for _, m := range f.members {
		if c.Score.Dominates(m.Score) {
			evicted = append(evicted, m)
			continue
		}
		kept = append(kept, m)
	}
	f.members = append(kept, c)
	return true, evicted
}

// Len returns the number of members.
func (f *Front) Len() int {
	return len(f.members)
}

// Members returns the members ordered by violations, coupling, cohesion
// (descending), then variant ID.
func (f *Front) Members() []*Candidate {
	out := slices.Clone(f.members)
	slices.SortFunc(out, func(a, b *Candidate) int {
		if c := cmp.Compare(a.Score.Violations, b.Score.Violations); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Score.Coupling, b.Score.Coupling); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Score.Cohesion, a.Score.Cohesion); c != 0 {
			return c
		}
		return strings.Compare(a.VariantID, b.VariantID)
	})
	return out
}

// Contains reports whether a member has the given variant ID.
func (f *Front) Contains(variantID string) bool {
	return slices.ContainsFunc(f.members, func(m *Candidate) bool {
		return m.VariantID == variantID
	})
}
