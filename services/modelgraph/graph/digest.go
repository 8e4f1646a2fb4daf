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
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// Digest is a BLAKE3-256 content digest.
type Digest [32]byte

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for logs.
func (d Digest) Short() string {
	return d.String()[:12]
}

// TextDigest hashes text parts separated by a record separator so that
// ("ab", "c") and ("a", "bc") differ.
func TextDigest(parts ...string) Digest {
	h := blake3.New(32, nil)
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0x1e})
		}
		_, _ = h.Write([]byte(p))
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

type nodeContent struct {
	Scope       Scope          `json:"scope"`
	SemanticID  string         `json:"semantic_id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Attributes  map[string]any `json:"attributes"`
}

type edgeContent struct {
	Scope      Scope          `json:"scope"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

func nodeDigest(n Node) Digest {
	return digestOf(nodeContent{
		Scope:       n.Scope,
		SemanticID:  n.SemanticID,
		Type:        n.Type,
		Name:        n.Name,
		Description: n.Description,
		Attributes:  nonEmpty(n.Attributes),
	})
}

func edgeDigest(e Edge) Digest {
	return digestOf(edgeContent{
		Scope:      e.Scope,
		SourceID:   e.SourceID,
		TargetID:   e.TargetID,
		Type:       e.Type,
		Attributes: nonEmpty(e.Attributes),
	})
}

// nonEmpty folds an empty attribute map to nil; decoders disagree on which
// of the two an omitted map becomes.
func nonEmpty(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// digestOf hashes the JSON encoding of v. encoding/json sorts map keys, so
// the encoding is canonical for attribute maps, and numeric values hash the
// same regardless of the integer width a decoder chose.
func digestOf(v any) Digest {
	data, err := json.Marshal(v)
	if err != nil {
		// Attribute values that JSON cannot encode still need a stable digest.
		data = []byte(fmt.Sprintf("%#v", v))
	}
	return Digest(blake3.Sum256(data))
}

// ValuesEqual compares two attribute values by their canonical encoding.
func ValuesEqual(a, b any) bool {
	return digestOf(a) == digestOf(b)
}
