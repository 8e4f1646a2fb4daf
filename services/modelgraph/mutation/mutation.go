// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mutation decodes typed mutation documents and applies them to a
// graph store or a variant.
//
// A document is the only channel external collaborators use to change a
// graph. It carries a scope and an ordered list of ops:
//
//	{
//	  "workspace": "acme",
//	  "system": "drone",
//	  "ops": [
//	    {"op": "add_node", "node": {"semantic_id": "A.FN.001", "type": "FUNC", "name": "process customer data"}},
//	    {"op": "add_edge", "edge": {"source": {"semantic_id": "A.FN.001"}, "target": {"semantic_id": "A.FC.001"}, "type": "allocate"}},
//	    {"op": "delete_node", "ref": {"semantic_id": "B.FN.001"}}
//	  ]
//	}
//
// All ops of a document are applied as one batch: either every op is
// accepted or the target graph is unchanged.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// ErrInvalidDocument is returned when a document fails to decode or
// validate.
var ErrInvalidDocument = errors.New("invalid mutation document")

// OpType names a mutation.
type OpType string

const (
	OpAddNode    OpType = "add_node"
	OpUpdateNode OpType = "update_node"
	OpDeleteNode OpType = "delete_node"
	OpAddEdge    OpType = "add_edge"
	OpDeleteEdge OpType = "delete_edge"
)

// Ref names a node by UUID or by semantic ID within the document scope.
type Ref struct {
	UUID       string `json:"uuid,omitempty" validate:"omitempty,uuid"`
	SemanticID string `json:"semantic_id,omitempty" validate:"omitempty,max=256"`
}

// IsZero reports whether neither field is set.
func (r Ref) IsZero() bool {
	return r.UUID == "" && r.SemanticID == ""
}

// NodeSpec is the payload of add_node and update_node.
//
// update_node replaces the node's content. An empty SemanticID keeps the
// semantic ID of the referenced node.
type NodeSpec struct {
	UUID        string         `json:"uuid,omitempty" validate:"omitempty,uuid"`
	SemanticID  string         `json:"semantic_id,omitempty" validate:"omitempty,max=256"`
	Type        string         `json:"type" validate:"required,max=64"`
	Name        string         `json:"name" validate:"max=16384"`
	Description string         `json:"description,omitempty" validate:"max=16384"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// EdgeSpec is the payload of add_edge.
type EdgeSpec struct {
	UUID       string         `json:"uuid,omitempty" validate:"omitempty,uuid"`
	Source     Ref            `json:"source"`
	Target     Ref            `json:"target"`
	Type       string         `json:"type" validate:"required,max=64"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Op is one typed mutation.
//
// Which fields are required depends on Op:
//
//	add_node     node (semantic_id required)
//	update_node  ref, node
//	delete_node  ref
//	add_edge     edge (source and target refs required)
//	delete_edge  edge_id
type Op struct {
	Op     OpType    `json:"op" validate:"required,oneof=add_node update_node delete_node add_edge delete_edge"`
	Ref    *Ref      `json:"ref,omitempty"`
	Node   *NodeSpec `json:"node,omitempty"`
	Edge   *EdgeSpec `json:"edge,omitempty"`
	EdgeID string    `json:"edge_id,omitempty" validate:"omitempty,uuid"`

	// Upsert rebinds add_node/add_edge to an existing holder of the same
	// semantic ID or edge key.
	Upsert bool `json:"upsert,omitempty"`
}

// Document is an ordered list of ops applied atomically within one scope.
type Document struct {
	Workspace string `json:"workspace" validate:"required,max=256"`
	System    string `json:"system" validate:"required,max=256"`

	// Source tags the resulting batch, e.g. "agent" or "import".
	Source string `json:"source,omitempty" validate:"max=64"`

	Ops []Op `json:"ops" validate:"required,min=1,max=10000,dive"`
}

// Scope returns the document scope.
func (d *Document) Scope() graph.Scope {
	return graph.Scope{Workspace: d.Workspace, System: d.System}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(validateOp, Op{})
}

// validateOp checks the per-type required fields of an Op.
func validateOp(sl validator.StructLevel) {
	op := sl.Current().Interface().(Op)

	requireRef := func(r *Ref, field string) {
		if r == nil || r.IsZero() {
			sl.ReportError(r, field, field, "required_for_op", string(op.Op))
		}
	}

	switch op.Op {
	case OpAddNode:
		if op.Node == nil {
			sl.ReportError(op.Node, "Node", "node", "required_for_op", string(op.Op))
			return
		}
		if op.Node.SemanticID == "" {
			sl.ReportError(op.Node.SemanticID, "SemanticID", "semantic_id", "required_for_op", string(op.Op))
		}
	case OpUpdateNode:
		requireRef(op.Ref, "Ref")
		if op.Node == nil {
			sl.ReportError(op.Node, "Node", "node", "required_for_op", string(op.Op))
		}
	case OpDeleteNode:
		requireRef(op.Ref, "Ref")
	case OpAddEdge:
		if op.Edge == nil {
			sl.ReportError(op.Edge, "Edge", "edge", "required_for_op", string(op.Op))
			return
		}
		requireRef(&op.Edge.Source, "Source")
		requireRef(&op.Edge.Target, "Target")
	case OpDeleteEdge:
		if op.EdgeID == "" {
			sl.ReportError(op.EdgeID, "EdgeID", "edge_id", "required_for_op", string(op.Op))
		}
	}
}

// Validate checks the document against its struct tags and the per-op
// rules.
func (d *Document) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return nil
}

// Decode reads one JSON document from r and validates it. Unknown fields
// are rejected.
func Decode(r io.Reader) (*Document, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Batch converts the document into a graph batch.
//
// Description:
//
//	Semantic-ID references are resolved by the graph when the batch is
//	applied, so a reference may name a node added by an earlier op of the
//	same document. add_node and add_edge never overwrite an existing UUID;
//	update_node fails unless its target exists.
//
// Outputs:
//   - graph.Batch: Ready for graph.Mutator.Apply.
//   - error: ErrInvalidDocument if validation fails.
func (d *Document) Batch() (graph.Batch, error) {
	if err := d.Validate(); err != nil {
		return graph.Batch{}, err
	}
	scope := d.Scope()
	source := d.Source
	if source == "" {
		source = "mutation"
	}
	b := graph.Batch{Source: source, Ops: make([]graph.Op, 0, len(d.Ops))}
	for _, op := range d.Ops {
		b.Ops = append(b.Ops, convert(scope, op))
	}
	return b, nil
}

func convert(scope graph.Scope, op Op) graph.Op {
	switch op.Op {
	case OpAddNode:
		return graph.Op{
			Kind:         graph.OpSetNode,
			Node:         nodeFromSpec(scope, *op.Node),
			Upsert:       op.Upsert,
			MustNotExist: true,
		}
	case OpUpdateNode:
		n := nodeFromSpec(scope, *op.Node)
		n.UUID = op.Ref.UUID
		out := graph.Op{Kind: graph.OpSetNode, Node: n, MustExist: true, KeepSemanticID: true}
		if n.UUID == "" {
			out.NodeRef = &graph.SemanticRef{Scope: scope, SemanticID: op.Ref.SemanticID}
		}
		return out
	case OpDeleteNode:
		out := graph.Op{Kind: graph.OpDeleteNode, ID: op.Ref.UUID}
		if out.ID == "" {
			out.NodeRef = &graph.SemanticRef{Scope: scope, SemanticID: op.Ref.SemanticID}
		}
		return out
	case OpAddEdge:
		spec := op.Edge
		out := graph.Op{
			Kind: graph.OpSetEdge,
			Edge: graph.Edge{
				UUID:       spec.UUID,
				Scope:      scope,
				SourceID:   spec.Source.UUID,
				TargetID:   spec.Target.UUID,
				Type:       spec.Type,
				Attributes: spec.Attributes,
			},
			Upsert:       op.Upsert,
			MustNotExist: true,
		}
		if spec.Source.UUID == "" {
			out.SourceRef = &graph.SemanticRef{Scope: scope, SemanticID: spec.Source.SemanticID}
		}
		if spec.Target.UUID == "" {
			out.TargetRef = &graph.SemanticRef{Scope: scope, SemanticID: spec.Target.SemanticID}
		}
		return out
	default: // OpDeleteEdge
		return graph.Op{Kind: graph.OpDeleteEdge, ID: op.EdgeID}
	}
}

func nodeFromSpec(scope graph.Scope, s NodeSpec) graph.Node {
	return graph.Node{
		UUID:        s.UUID,
		Scope:       scope,
		SemanticID:  s.SemanticID,
		Type:        s.Type,
		Name:        s.Name,
		Description: s.Description,
		Attributes:  s.Attributes,
	}
}

// Apply converts d and applies it to m as one batch.
//
// Inputs:
//   - ctx: Must not be nil.
//   - m: A *graph.Store or a *variant.Variant.
//   - d: The document.
//
// Outputs:
//   - graph.BatchResult: Per-op results and the version range.
//   - error: ErrInvalidDocument, or the graph error of the first failing
//     op wrapped in a *graph.OpError.
func Apply(ctx context.Context, m graph.Mutator, d *Document) (graph.BatchResult, error) {
	b, err := d.Batch()
	if err != nil {
		return graph.BatchResult{}, err
	}
	return m.Apply(ctx, b)
}
