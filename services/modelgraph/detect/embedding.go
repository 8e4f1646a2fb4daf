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
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"unicode"

	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	"github.com/AleutianAI/modelgraph/services/modelgraph/cache"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// Embedder turns text into a vector. Implementations must be safe for
// concurrent use and deterministic for a given text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultEmbeddingDim is the dimension of HashEmbedder vectors.
const DefaultEmbeddingDim = 256

// HashEmbedder is a local, deterministic embedder based on feature
// hashing.
//
// Description:
//
//	Each lower-cased word contributes a unit feature, and each character
//	trigram of a word contributes a half-weight feature. Features are
//	hashed with BLAKE3 into Dim buckets with a hashed sign, and the result
//	is L2-normalized. Identical texts score 1.0; texts sharing words and
//	word stems score proportionally.
//
// Thread Safety: Safe for concurrent use.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder returns a HashEmbedder of dimension dim, or
// DefaultEmbeddingDim if dim <= 0.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	return &HashEmbedder{Dim: dim}
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dim := h.Dim
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	vec := make([]float32, dim)
	for _, word := range tokenize(text) {
		h.add(vec, "w:"+word, 1)
		padded := "^" + word + "$"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			h.add(vec, "t:"+string(runes[i:i+3]), 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	sum := blake3.Sum256([]byte(feature))
	bucket := binary.LittleEndian.Uint64(sum[:8]) % uint64(len(vec))
	if sum[8]&1 == 1 {
		weight = -weight
	}
	vec[bucket] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sq float64
	for _, x := range vec {
		sq += float64(x) * float64(x)
	}
	if sq == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sq))
	for i := range vec {
		vec[i] *= inv
	}
}

// Cosine returns the cosine similarity of a and b, clamped to [0, 1].
// Vectors of different length, or zero vectors, score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return min(max(s, 0), 1)
}

// embeddingText is the text a node's embedding is derived from. It covers
// exactly the fields of graph.Node.TextDigest.
func embeddingText(n graph.Node) string {
	if n.Description == "" {
		return n.Name
	}
	return n.Name + "\n" + n.Description
}

type cachedVector struct {
	digest graph.Digest
	vec    []float32
}

// EmbeddingCache memoizes node embeddings.
//
// Description:
//
//	Entries are keyed by node UUID and tagged with the node's text digest.
//	A lookup whose digest differs from the cached one recomputes the
//	vector, so a stale embedding is never returned. Concurrent lookups of
//	the same (node, digest) share one Embed call.
//
// Thread Safety: Safe for concurrent use.
type EmbeddingCache struct {
	embedder Embedder
	lru      *cache.LRU[string, cachedVector]
	flight   singleflight.Group
	computes atomic.Int64
}

// NewEmbeddingCache creates a cache over embedder holding at most capacity
// vectors.
func NewEmbeddingCache(embedder Embedder, capacity int) *EmbeddingCache {
	return &EmbeddingCache{
		embedder: embedder,
		lru:      cache.New[string, cachedVector](capacity, nil),
	}
}

// Vector returns the embedding of n's current text.
func (c *EmbeddingCache) Vector(ctx context.Context, n graph.Node) ([]float32, error) {
	digest := n.TextDigest()
	if cv, ok := c.lru.Get(n.UUID); ok && cv.digest == digest {
		return cv.vec, nil
	}

	key := n.UUID + ":" + digest.String()
	v, err, _ := c.flight.Do(key, func() (any, error) {
		vec, err := c.embedder.Embed(ctx, embeddingText(n))
		if err != nil {
			return nil, err
		}
		c.computes.Add(1)
		c.lru.Set(n.UUID, cachedVector{digest: digest, vec: vec})
		return vec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed node %s: %w", n.UUID, err)
	}
	return v.([]float32), nil
}

// Invalidate drops the cached vector of a node.
func (c *EmbeddingCache) Invalidate(nodeID string) {
	c.lru.Delete(nodeID)
}

// Len returns the number of cached vectors.
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}

// Computes returns how many vectors have been computed.
func (c *EmbeddingCache) Computes() int64 {
	return c.computes.Load()
}
