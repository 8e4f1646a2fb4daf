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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(0)

	a, err := e.Embed(ctx, "process customer data")
	require.NoError(t, err)
	assert.Len(t, a, DefaultEmbeddingDim)

	t.Run("deterministic and normalized", func(t *testing.T) {
		again, err := e.Embed(ctx, "Process   customer DATA")
		require.NoError(t, err)
		assert.Equal(t, a, again)
		assert.InDelta(t, 1.0, Cosine(a, a), 1e-6)
	})

	t.Run("shared words score higher than unrelated text", func(t *testing.T) {
		near, _ := e.Embed(ctx, "process customer records")
		far, _ := e.Embed(ctx, "render invoice pdf")
		assert.Greater(t, Cosine(a, near), Cosine(a, far))
		assert.Greater(t, Cosine(a, near), 0.4)
	})

	t.Run("empty text", func(t *testing.T) {
		v, err := e.Embed(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, Cosine(v, a))
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := e.Embed(cctx, "x")
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestCosine(t *testing.T) {
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{-1, 0}), "negative similarity clamps to zero")
	assert.InDelta(t, 0.6, Cosine([]float32{1, 0}, []float32{3, 4}), 1e-9)
}

// countingEmbedder counts Embed calls and can block to expose concurrent
// callers.
type countingEmbedder struct {
	inner *HashEmbedder
	calls atomic.Int64
	delay time.Duration
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.inner.Embed(ctx, text)
}

func TestEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	n := graph.Node{UUID: "n1", Scope: scope, SemanticID: "A", Type: "FUNC", Name: "process customer data"}

	t.Run("hit after first compute", func(t *testing.T) {
		emb := &countingEmbedder{inner: NewHashEmbedder(64)}
		c := NewEmbeddingCache(emb, 10)
		v1, err := c.Vector(ctx, n)
		require.NoError(t, err)
		v2, err := c.Vector(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, v1, v2)
		assert.Equal(t, int64(1), emb.calls.Load())
		assert.Equal(t, 1, c.Len())
	})

	t.Run("text change invalidates", func(t *testing.T) {
		emb := &countingEmbedder{inner: NewHashEmbedder(64)}
		c := NewEmbeddingCache(emb, 10)
		before, _ := c.Vector(ctx, n)

		renamed := n
		renamed.Name = "render invoice pdf"
		after, err := c.Vector(ctx, renamed)
		require.NoError(t, err)
		want, _ := emb.inner.Embed(ctx, "render invoice pdf")
		assert.Equal(t, want, after)
		assert.NotEqual(t, before, after)
		assert.Equal(t, int64(2), emb.calls.Load())

		described := renamed
		described.Description = "monthly"
		got, _ := c.Vector(ctx, described)
		want, _ = emb.inner.Embed(ctx, "render invoice pdf\nmonthly")
		assert.Equal(t, want, got)
	})

	t.Run("non-text changes keep the vector", func(t *testing.T) {
		emb := &countingEmbedder{inner: NewHashEmbedder(64)}
		c := NewEmbeddingCache(emb, 10)
		_, _ = c.Vector(ctx, n)
		moved := n
		moved.SemanticID = "B"
		moved.Attributes = map[string]any{"k": 1}
		_, _ = c.Vector(ctx, moved)
		assert.Equal(t, int64(1), emb.calls.Load())
	})

	t.Run("concurrent lookups share one compute", func(t *testing.T) {
		emb := &countingEmbedder{inner: NewHashEmbedder(64), delay: 20 * time.Millisecond}
		c := NewEmbeddingCache(emb, 10)
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Vector(ctx, n)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), emb.calls.Load())
	})

	t.Run("invalidate", func(t *testing.T) {
		emb := &countingEmbedder{inner: NewHashEmbedder(64)}
		c := NewEmbeddingCache(emb, 10)
		_, _ = c.Vector(ctx, n)
		c.Invalidate(n.UUID)
		assert.Zero(t, c.Len())
		_, _ = c.Vector(ctx, n)
		assert.Equal(t, int64(2), emb.calls.Load())
	})
}
