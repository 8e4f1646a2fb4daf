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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContentDigest(t *testing.T) {
	base := Node{
		UUID:       "u1",
		Scope:      testScope,
		SemanticID: "A.FN.001",
		Type:       "FUNC",
		Name:       "process customer data",
		Attributes: map[string]any{"rate": 10, "tags": []any{"a", "b"}},
	}

	t.Run("ignores identity and timestamps", func(t *testing.T) {
		other := base
		other.UUID = "u2"
		other.CreatedAt = time.Now()
		other.UpdatedAt = time.Now()
		assert.Equal(t, base.ContentDigest(), other.ContentDigest())
	})

	t.Run("numeric width does not matter", func(t *testing.T) {
		other := base
		other.Attributes = map[string]any{"rate": float64(10), "tags": []any{"a", "b"}}
		assert.Equal(t, base.ContentDigest(), other.ContentDigest())
	})

	t.Run("empty and nil attributes agree", func(t *testing.T) {
		a, b := base, base
		a.Attributes = nil
		b.Attributes = map[string]any{}
		assert.Equal(t, a.ContentDigest(), b.ContentDigest())
	})

	t.Run("content changes alter the digest", func(t *testing.T) {
		for name, mutate := range map[string]func(*Node){
			"name":        func(n *Node) { n.Name = "x" },
			"description": func(n *Node) { n.Description = "x" },
			"semantic":    func(n *Node) { n.SemanticID = "x" },
			"attribute":   func(n *Node) { n.Attributes = map[string]any{"rate": 11} },
		} {
			t.Run(name, func(t *testing.T) {
				other := base.Clone()
				mutate(&other)
				assert.NotEqual(t, base.ContentDigest(), other.ContentDigest())
			})
		}
	})
}

func TestTextDigest_Separator(t *testing.T) {
	assert.NotEqual(t, TextDigest("ab", "c"), TextDigest("a", "bc"))
	assert.Equal(t, TextDigest("a", "b"), TextDigest("a", "b"))
	assert.Len(t, TextDigest("x").Short(), 12)
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}))
	assert.True(t, ValuesEqual(int64(3), 3.0))
	assert.False(t, ValuesEqual("3", 3))
}
