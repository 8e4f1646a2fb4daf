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
	"fmt"
	"time"
)

// Default configuration values.
const (
	// DefaultMaxNodes is the default maximum number of nodes a store can hold.
	DefaultMaxNodes = 1_000_000

	// DefaultMaxEdges is the default maximum number of edges a store can hold.
	DefaultMaxEdges = 10_000_000
)

// Scope identifies the (workspace, system) pair that semantic IDs and edge
// keys are unique within.
type Scope struct {
	Workspace string `json:"workspace" msgpack:"workspace" yaml:"workspace"`
	System    string `json:"system" msgpack:"system" yaml:"system"`
}

// String returns "workspace/system".
func (s Scope) String() string {
	return s.Workspace + "/" + s.System
}

// IsZero reports whether both parts of the scope are empty.
func (s Scope) IsZero() bool {
	return s.Workspace == "" && s.System == ""
}

// Node is an element of the model graph.
//
// UUID is the immutable identity and survives renames. SemanticID is the
// externally visible key, unique within Scope.
type Node struct {
	UUID        string         `json:"uuid" msgpack:"uuid"`
	Scope       Scope          `json:"scope" msgpack:"scope"`
	SemanticID  string         `json:"semantic_id" msgpack:"semantic_id"`
	Type        string         `json:"type" msgpack:"type"`
	Name        string         `json:"name" msgpack:"name"`
	Description string         `json:"description,omitempty" msgpack:"description,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
	CreatedAt   time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" msgpack:"updated_at"`

	// digest caches ContentDigest; set by the store on write.
	digest Digest
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	n.Attributes = cloneAttributes(n.Attributes)
	return n
}

// ContentDigest returns the digest of the node's content fields.
//
// Description:
//
//	The digest covers scope, semantic ID, type, name, description and
//	attributes. UUID and timestamps are excluded so that re-writing the same
//	content does not register as a modification.
func (n Node) ContentDigest() Digest {
	if !n.digest.IsZero() {
		return n.digest
	}
	return nodeDigest(n)
}

// TextDigest returns the digest of the text an embedding is derived from.
func (n Node) TextDigest() Digest {
	return TextDigest(n.Name, n.Description)
}

func (n Node) semanticKey() semanticKey {
	return semanticKey{scope: n.Scope, id: n.SemanticID}
}

// Edge is a directed, typed relationship between two nodes.
//
// SourceID and TargetID are node UUIDs.
type Edge struct {
	UUID       string         `json:"uuid" msgpack:"uuid"`
	Scope      Scope          `json:"scope" msgpack:"scope"`
	SourceID   string         `json:"source_id" msgpack:"source_id"`
	TargetID   string         `json:"target_id" msgpack:"target_id"`
	Type       string         `json:"type" msgpack:"type"`
	Attributes map[string]any `json:"attributes,omitempty" msgpack:"attributes,omitempty"`

	digest Digest
}

// Clone returns a deep copy of the edge.
func (e Edge) Clone() Edge {
	e.Attributes = cloneAttributes(e.Attributes)
	return e
}

// Key returns the uniqueness key of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Scope: e.Scope, SourceID: e.SourceID, TargetID: e.TargetID, Type: e.Type}
}

// ContentDigest returns the digest of the edge's content fields.
func (e Edge) ContentDigest() Digest {
	if !e.digest.IsZero() {
		return e.digest
	}
	return edgeDigest(e)
}

// References reports whether the edge has nodeID as an endpoint.
func (e Edge) References(nodeID string) bool {
	return e.SourceID == nodeID || e.TargetID == nodeID
}

// EdgeKey is the uniqueness key of an edge.
type EdgeKey struct {
	Scope    Scope
	SourceID string
	TargetID string
	Type     string
}

// String renders the key for error messages.
func (k EdgeKey) String() string {
	return fmt.Sprintf("%s:%s-[%s]->%s", k.Scope, k.SourceID, k.Type, k.TargetID)
}

type semanticKey struct {
	scope Scope
	id    string
}

// ElementKind distinguishes nodes from edges in element keys.
type ElementKind int

const (
	// ElementNode marks a node key.
	ElementNode ElementKind = iota + 1

	// ElementEdge marks an edge key.
	ElementEdge
)

// String returns the string representation of the ElementKind.
func (k ElementKind) String() string {
	switch k {
	case ElementNode:
		return "node"
	case ElementEdge:
		return "edge"
	default:
		return "unknown"
	}
}

// ElementKey identifies a node or an edge by UUID.
type ElementKey struct {
	Kind ElementKind
	ID   string
}

// NodeKey returns the element key of a node UUID.
func NodeKey(id string) ElementKey {
	return ElementKey{Kind: ElementNode, ID: id}
}

// EdgeElementKey returns the element key of an edge UUID.
func EdgeElementKey(id string) ElementKey {
	return ElementKey{Kind: ElementEdge, ID: id}
}

// String returns "node:<uuid>" or "edge:<uuid>".
func (k ElementKey) String() string {
	return k.Kind.String() + ":" + k.ID
}

// SetOption configures a single node or edge write.
type SetOption func(*setOptions)

type setOptions struct {
	upsert bool
}

// WithUpsert allows a write whose semantic ID (or edge key) is held by a
// different UUID. The write is rebound to the existing identity instead of
// being rejected.
func WithUpsert() SetOption {
	return func(o *setOptions) {
		o.upsert = true
	}
}

func collectSetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// cloneAttributes deep-copies nested maps and slices produced by JSON, YAML
// and msgpack decoders. Scalars are copied by value.
func cloneAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneAttributes(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
