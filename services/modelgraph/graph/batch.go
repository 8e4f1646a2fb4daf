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
	"errors"
	"fmt"
)

// OpKind identifies a batch operation.
type OpKind int

const (
	// OpSetNode adds or updates a node.
	OpSetNode OpKind = iota + 1

	// OpDeleteNode deletes a node and cascades its incident edges.
	OpDeleteNode

	// OpSetEdge adds or updates an edge.
	OpSetEdge

	// OpDeleteEdge deletes an edge.
	OpDeleteEdge
)

// String returns the string representation of the OpKind.
func (k OpKind) String() string {
	switch k {
	case OpSetNode:
		return "set_node"
	case OpDeleteNode:
		return "delete_node"
	case OpSetEdge:
		return "set_edge"
	case OpDeleteEdge:
		return "delete_edge"
	default:
		return "unknown"
	}
}

// SemanticRef names a node by (scope, semantic ID) instead of UUID.
type SemanticRef struct {
	Scope      Scope
	SemanticID string
}

// Op is a single operation of a Batch.
type Op struct {
	Kind OpKind

	// Node is the payload of OpSetNode.
	Node Node

	// Edge is the payload of OpSetEdge.
	Edge Edge

	// ID is the UUID targeted by OpDeleteNode or OpDeleteEdge.
	ID string

	// NodeRef resolves the target of OpDeleteNode when ID is empty, and
	// the identity of OpSetNode when MustExist is set and Node.UUID is
	// empty.
	NodeRef *SemanticRef

	// SourceRef and TargetRef resolve edge endpoints by semantic ID when
	// the corresponding UUID is empty. They see earlier ops of the batch.
	SourceRef *SemanticRef
	TargetRef *SemanticRef

	// Upsert allows rebinding to an existing holder of the same key.
	Upsert bool

	// MustExist rejects the op unless the target already exists.
	MustExist bool

	// MustNotExist rejects the op if the UUID is already present.
	MustNotExist bool

	// KeepSemanticID fills an empty Node.SemanticID of an OpSetNode from
	// the node it replaces.
	KeepSemanticID bool

	// KeepTimestamps stores CreatedAt/UpdatedAt as given.
	KeepTimestamps bool
}

// Precondition is an assertion about the state a batch is applied to.
type Precondition struct {
	Key ElementKey

	// Present asserts the element exists (true) or is absent (false).
	Present bool

	// Digest, if non-zero, asserts the element's content digest.
	Digest Digest
}

// Batch is an ordered list of ops applied all-or-nothing.
type Batch struct {
	Ops           []Op
	Preconditions []Precondition

	// Source tags the batch in logs and traces, e.g. "promotion".
	Source string

	// DeferUniqueness checks semantic-ID and edge-key uniqueness once
	// against the final state of the batch instead of after every op.
	// Replaying the final overrides of a variant needs this: two nodes that
	// swapped semantic IDs through a temporary one are only valid together.
	DeferUniqueness bool
}

// OpResult describes an applied op.
type OpResult struct {
	Kind OpKind
	Key  ElementKey

	// Node or Edge is the stored value for set ops.
	Node Node
	Edge Edge

	// Cascaded lists edges removed by a node delete.
	Cascaded []string
}

// BatchResult describes an applied batch.
type BatchResult struct {
	Results     []OpResult
	FromVersion int64
	ToVersion   int64
}

// OpError reports the failing op of a rejected batch.
type OpError struct {
	Index int
	Kind  OpKind
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("op %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Apply executes a batch against the overlay. On error the overlay may hold
// a partial prefix of the batch; callers stage on a Fork and keep it only on
// success.
func (o *Overlay) Apply(b Batch) ([]OpResult, error) {
	if err := o.checkPreconditions(b.Preconditions); err != nil {
		return nil, err
	}
	o.deferUnique = b.DeferUniqueness
	defer func() { o.deferUnique = false }()

	results := make([]OpResult, 0, len(b.Ops))
	for i, op := range b.Ops {
		res, err := o.applyOp(op)
		if err != nil {
			return nil, &OpError{Index: i, Kind: op.Kind, Err: err}
		}
		results = append(results, res)
	}
	if b.DeferUniqueness {
		if err := o.verifyUnique(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// verifyUnique checks that no two visible nodes share a semantic key and no
// two visible edges share an edge key, then rebuilds the override indexes.
func (o *Overlay) verifyUnique() error {
	nodes, edges := o.Overrides()

	semantic := make(map[semanticKey]string, len(nodes))
	for _, n := range nodes {
		k := n.semanticKey()
		if other, dup := semantic[k]; dup {
			return fmt.Errorf("%w: %s in %s held by %s and %s", ErrDuplicateSemanticID, n.SemanticID, n.Scope, other, n.UUID)
		}
		if holder, ok := o.base.nodeBySemantic(k); ok && holder != n.UUID && !o.shadowsNode(holder) {
			return fmt.Errorf("%w: %s in %s held by %s", ErrDuplicateSemanticID, n.SemanticID, n.Scope, holder)
		}
		semantic[k] = n.UUID
	}

	edgeKeys := make(map[EdgeKey]string, len(edges))
	for _, e := range edges {
		k := e.Key()
		if other, dup := edgeKeys[k]; dup {
			return fmt.Errorf("%w: %s held by %s and %s", ErrDuplicateEdgeKey, k, other, e.UUID)
		}
		if holder, ok := o.base.edgeByKey(k); ok && holder != e.UUID && !o.shadowsEdge(holder) {
			return fmt.Errorf("%w: %s held by %s", ErrDuplicateEdgeKey, k, holder)
		}
		edgeKeys[k] = e.UUID
	}

	o.semantic = semantic
	o.edgeKeys = edgeKeys
	return nil
}

func (o *Overlay) checkPreconditions(pre []Precondition) error {
	var errs []error
	for _, p := range pre {
		var (
			present bool
			digest  Digest
		)
		switch p.Key.Kind {
		case ElementNode:
			n, ok := o.node(p.Key.ID)
			present, digest = ok, n.ContentDigest()
		case ElementEdge:
			e, ok := o.edge(p.Key.ID)
			present, digest = ok, e.ContentDigest()
		default:
			errs = append(errs, fmt.Errorf("%w: precondition on %s", ErrInvalidOp, p.Key))
			continue
		}
		switch {
		case present != p.Present:
			errs = append(errs, fmt.Errorf("%w: %s present=%t, want %t", ErrPreconditionFailed, p.Key, present, p.Present))
		case present && !p.Digest.IsZero() && digest != p.Digest:
			errs = append(errs, fmt.Errorf("%w: %s changed (%s != %s)", ErrPreconditionFailed, p.Key, digest.Short(), p.Digest.Short()))
		}
	}
	return errors.Join(errs...)
}

func (o *Overlay) applyOp(op Op) (OpResult, error) {
	switch op.Kind {
	case OpSetNode:
		n := op.Node
		if n.UUID == "" && op.NodeRef != nil {
			id, err := o.resolve(op.NodeRef)
			if err != nil {
				return OpResult{}, err
			}
			n.UUID = id
		}
		cur, exists := o.node(n.UUID)
		if op.MustExist && (n.UUID == "" || !exists) {
			return OpResult{}, fmt.Errorf("%w: node %s (%s)", ErrUnknownElementReference, n.UUID, n.SemanticID)
		}
		if op.MustNotExist && n.UUID != "" && exists {
			return OpResult{}, fmt.Errorf("%w: node %s", ErrElementExists, n.UUID)
		}
		if op.KeepSemanticID && n.SemanticID == "" && exists {
			n.SemanticID = cur.SemanticID
		}
		stored, err := o.setNode(n, setOptions{upsert: op.Upsert}, op.KeepTimestamps)
		if err != nil {
			return OpResult{}, err
		}
		return OpResult{Kind: op.Kind, Key: NodeKey(stored.UUID), Node: stored}, nil

	case OpDeleteNode:
		id := op.ID
		if id == "" && op.NodeRef != nil {
			resolved, err := o.resolve(op.NodeRef)
			if err != nil {
				return OpResult{}, err
			}
			id = resolved
		}
		cascaded, err := o.DeleteNode(id)
		if err != nil {
			return OpResult{}, err
		}
		return OpResult{Kind: op.Kind, Key: NodeKey(id), Cascaded: cascaded}, nil

	case OpSetEdge:
		e := op.Edge
		if e.SourceID == "" && op.SourceRef != nil {
			id, err := o.resolve(op.SourceRef)
			if err != nil {
				return OpResult{}, err
			}
			e.SourceID = id
		}
		if e.TargetID == "" && op.TargetRef != nil {
			id, err := o.resolve(op.TargetRef)
			if err != nil {
				return OpResult{}, err
			}
			e.TargetID = id
		}
		_, exists := o.edge(e.UUID)
		if op.MustExist && (e.UUID == "" || !exists) {
			return OpResult{}, fmt.Errorf("%w: edge %s", ErrUnknownElementReference, e.UUID)
		}
		if op.MustNotExist && e.UUID != "" && exists {
			return OpResult{}, fmt.Errorf("%w: edge %s", ErrElementExists, e.UUID)
		}
		stored, err := o.setEdge(e, setOptions{upsert: op.Upsert})
		if err != nil {
			return OpResult{}, err
		}
		return OpResult{Kind: op.Kind, Key: EdgeElementKey(stored.UUID), Edge: stored}, nil

	case OpDeleteEdge:
		if err := o.DeleteEdge(op.ID); err != nil {
			return OpResult{}, err
		}
		return OpResult{Kind: op.Kind, Key: EdgeElementKey(op.ID)}, nil

	default:
		return OpResult{}, fmt.Errorf("%w: kind %d", ErrInvalidOp, op.Kind)
	}
}

func (o *Overlay) resolve(ref *SemanticRef) (string, error) {
	id, ok := o.nodeBySemantic(semanticKey{scope: ref.Scope, id: ref.SemanticID})
	if !ok {
		return "", fmt.Errorf("%w: node %s in %s", ErrUnknownElementReference, ref.SemanticID, ref.Scope)
	}
	return id, nil
}
