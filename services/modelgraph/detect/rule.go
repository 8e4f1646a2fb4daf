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
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Severity grades a violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// DefaultWeight returns the objective weight used when a rule sets none.
func (s Severity) DefaultWeight() float64 {
	switch s {
	case SeverityInfo:
		return 0.1
	case SeverityWarning:
		return 0.5
	case SeverityCritical:
		return 2.0
	default:
		return 1.0
	}
}

// Operator names the move that would resolve a violation.
type Operator string

const (
	// OperatorNone marks violations with no automatic fix.
	OperatorNone    Operator = ""
	OperatorMerge   Operator = "MERGE"
	OperatorRealloc Operator = "REALLOC"
	OperatorDelete  Operator = "DELETE"
)

// MatcherKind selects a matcher variant.
type MatcherKind string

const (
	MatcherExact              MatcherKind = "exact"
	MatcherEmbeddingThreshold MatcherKind = "embedding_threshold"
	MatcherStructural         MatcherKind = "structural"
)

// Predicate names a structural check.
type Predicate string

const (
	// PredicateOrphanNode flags nodes without incident edges.
	PredicateOrphanNode Predicate = "orphan_node"

	// PredicateAllocationConflict flags sources with more than one
	// outgoing edge of EdgeType.
	PredicateAllocationConflict Predicate = "allocation_conflict"

	// PredicateMissingEdge flags nodes lacking an edge of EdgeType in
	// Direction.
	PredicateMissingEdge Predicate = "missing_edge"

	// PredicateRequiredAttribute flags nodes lacking Attribute.
	PredicateRequiredAttribute Predicate = "required_attribute"
)

// Key fields used by similarity matchers.
const (
	FieldName        = "name"
	FieldSemanticID  = "semantic_id"
	FieldDescription = "description"
)

// Default similarity thresholds and edge type.
const (
	DefaultMergeThreshold     = 0.70
	DefaultDuplicateThreshold = 0.85
	DefaultAllocationEdgeType = "allocate"
)

// Labels attached to similarity violations.
const (
	LabelMergeCandidate = "merge_candidate"
	LabelNearDuplicate  = "near_duplicate"
	LabelExactMatch     = "exact_match"
)

// Matcher is a tagged union over MatcherKind. Fields that do not apply to
// Kind are ignored.
type Matcher struct {
	Kind MatcherKind `yaml:"kind" json:"kind" validate:"required,oneof=exact embedding_threshold structural"`

	// NodeType restricts the matcher to nodes of one type. Empty matches
	// every type for structural predicates; similarity matchers require it.
	NodeType string `yaml:"node_type,omitempty" json:"node_type,omitempty"`

	// SemanticIDGlob further restricts candidate nodes, e.g. "*.FN.*".
	SemanticIDGlob string `yaml:"semantic_id_glob,omitempty" json:"semantic_id_glob,omitempty"`

	// Field is the key compared by exact and tier-1 matching.
	// Default: name.
	Field string `yaml:"field,omitempty" json:"field,omitempty" validate:"omitempty,oneof=name semantic_id description"`

	// MergeThreshold and DuplicateThreshold gate tier-2 scores.
	MergeThreshold     float64 `yaml:"merge_threshold,omitempty" json:"merge_threshold,omitempty" validate:"gte=0,lte=1"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold,omitempty" json:"duplicate_threshold,omitempty" validate:"gte=0,lte=1"`

	// ReviewThreshold opens the tier-3 band [ReviewThreshold,
	// MergeThreshold). Zero disables review.
	ReviewThreshold float64 `yaml:"review_threshold,omitempty" json:"review_threshold,omitempty" validate:"gte=0,lte=1"`

	// CrossScope compares nodes of different scopes.
	CrossScope bool `yaml:"cross_scope,omitempty" json:"cross_scope,omitempty"`

	Predicate Predicate `yaml:"predicate,omitempty" json:"predicate,omitempty" validate:"omitempty,oneof=orphan_node allocation_conflict missing_edge required_attribute"`

	// EdgeType is the edge type checked by allocation_conflict (default
	// allocate) and missing_edge.
	EdgeType string `yaml:"edge_type,omitempty" json:"edge_type,omitempty"`

	// Direction for missing_edge: out, in or any. Default: out.
	Direction string `yaml:"direction,omitempty" json:"direction,omitempty" validate:"omitempty,oneof=out in any"`

	// Attribute for required_attribute.
	Attribute string `yaml:"attribute,omitempty" json:"attribute,omitempty"`
}

// Rule is a single rule definition.
type Rule struct {
	ID          string   `yaml:"id" json:"id" validate:"required,max=128"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    Severity `yaml:"severity" json:"severity" validate:"required,oneof=info warning error critical"`

	// Weight scales the rule in the weighted-violation objective.
	// Zero takes Severity.DefaultWeight.
	Weight float64 `yaml:"weight,omitempty" json:"weight,omitempty" validate:"gte=0"`

	Matcher Matcher `yaml:"matcher" json:"matcher"`

	// Operator overrides the move suggested by the matcher.
	Operator Operator `yaml:"operator,omitempty" json:"operator,omitempty" validate:"omitempty,oneof=MERGE REALLOC DELETE"`

	// Disabled rules are skipped by Detect.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// EffectiveWeight returns Weight, or the severity default if unset.
func (r Rule) EffectiveWeight() float64 {
	if r.Weight > 0 {
		return r.Weight
	}
	return r.Severity.DefaultWeight()
}

var ruleValidate *validator.Validate

func init() {
	ruleValidate = validator.New()
	ruleValidate.RegisterStructValidation(validateMatcher, Matcher{})
}

func validateMatcher(sl validator.StructLevel) {
	m := sl.Current().Interface().(Matcher)
	switch m.Kind {
	case MatcherExact, MatcherEmbeddingThreshold:
		if m.NodeType == "" {
			sl.ReportError(m.NodeType, "NodeType", "node_type", "required_for_kind", string(m.Kind))
		}
		merge, dup := m.thresholds()
		if dup < merge {
			sl.ReportError(m.DuplicateThreshold, "DuplicateThreshold", "duplicate_threshold", "gtefield", "MergeThreshold")
		}
		if m.ReviewThreshold > 0 && m.ReviewThreshold >= merge {
			sl.ReportError(m.ReviewThreshold, "ReviewThreshold", "review_threshold", "ltfield", "MergeThreshold")
		}
	case MatcherStructural:
		switch m.Predicate {
		case "":
			sl.ReportError(m.Predicate, "Predicate", "predicate", "required_for_kind", string(m.Kind))
		case PredicateMissingEdge:
			if m.EdgeType == "" {
				sl.ReportError(m.EdgeType, "EdgeType", "edge_type", "required_for_predicate", string(m.Predicate))
			}
		case PredicateRequiredAttribute:
			if m.Attribute == "" {
				sl.ReportError(m.Attribute, "Attribute", "attribute", "required_for_predicate", string(m.Predicate))
			}
		}
	}
}

// Validate checks the rule definition.
func (r Rule) Validate() error {
	if err := ruleValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidRule, r.ID, err)
	}
	return nil
}

// ValidateRules validates every rule and rejects duplicate IDs.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

func (m Matcher) field() string {
	if m.Field == "" {
		return FieldName
	}
	return m.Field
}

func (m Matcher) thresholds() (merge, duplicate float64) {
	merge, duplicate = m.MergeThreshold, m.DuplicateThreshold
	if merge == 0 {
		merge = DefaultMergeThreshold
	}
	if duplicate == 0 {
		duplicate = DefaultDuplicateThreshold
	}
	return merge, duplicate
}

func (m Matcher) edgeType() string {
	if m.EdgeType == "" {
		return DefaultAllocationEdgeType
	}
	return m.EdgeType
}

func (m Matcher) direction() string {
	if m.Direction == "" {
		return "out"
	}
	return m.Direction
}
