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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/modelgraph/services/modelgraph/detect"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
	"github.com/AleutianAI/modelgraph/services/modelgraph/variant"
)

// Termination reasons reported in Result.Reason.
const (
	ReasonBudget    = "budget"
	ReasonTime      = "time"
	ReasonConverged = "converged"
	ReasonNoMoves   = "no_moves"
	ReasonCancelled = "cancelled"
)

// Config configures an Optimizer.
type Config struct {
	Budget BudgetConfig `yaml:"budget" json:"budget"`

	// Rules drive move selection and the violation objective.
	Rules []detect.Rule `yaml:"-" json:"-"`

	// MaxCandidatesPerIteration is how many moves are tried from the
	// selected parent per iteration.
	// Default: 8
	MaxCandidatesPerIteration int `yaml:"max_candidates_per_iteration" json:"max_candidates_per_iteration" validate:"gte=0"`

	// Parallelism bounds concurrent candidate evaluation.
	// Default: 4
	Parallelism int `yaml:"parallelism" json:"parallelism" validate:"gte=0"`

	// AllocationEdgeType is the edge type REALLOC and cohesion scoring use.
	// Default: "allocate"
	AllocationEdgeType string `yaml:"allocation_edge_type" json:"allocation_edge_type"`

	// Logger for run events. Default: slog.Default().
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns the default optimizer configuration.
func DefaultConfig() Config {
	return Config{
		Budget:                    DefaultBudgetConfig(),
		MaxCandidatesPerIteration: 8,
		Parallelism:               4,
		AllocationEdgeType:        detect.DefaultAllocationEdgeType,
	}
}

// Candidate is a scored variant.
type Candidate struct {
	VariantID string `json:"variant_id"`

	// ParentID is the variant the candidate was forked from; empty for the
	// root.
	ParentID string `json:"parent_id,omitempty"`

	Score      Score              `json:"score"`
	Violations []detect.Violation `json:"violations"`

	// Moves is the path of moves from the base snapshot.
	Moves []Move `json:"moves"`

	// Iteration is the iteration that produced the candidate; 0 for the root.
	Iteration int64 `json:"iteration"`

	// Digest fingerprints the variant's content; equal digests mean the
	// same model reached by different moves.
	Digest graph.Digest `json:"-"`

	// untried holds moves suggested by this candidate's violations that have
	// not been expanded yet.
	untried []Move

	// pin keeps the variant hot while the run holds the candidate.
	pin *variant.Variant
}

// Result is the outcome of a run.
//
// The variants of Front remain in the pool; the caller promotes or
// discards them.
type Result struct {
	// Front is ordered as Front.Members.
	Front []*Candidate `json:"front"`

	BaseVersion int64         `json:"base_version"`
	Iterations  int64         `json:"iterations"`
	Evaluated   int64         `json:"evaluated"`
	Accepted    int           `json:"accepted"`
	Rejected    int           `json:"rejected"`
	Invalid     int           `json:"invalid"`
	Reason      string        `json:"reason"`
	Duration    time.Duration `json:"duration"`
}

// VariantIDs returns the variant IDs of the front.
func (r *Result) VariantIDs() []string {
	ids := make([]string, len(r.Front))
	for i, c := range r.Front {
		ids[i] = c.VariantID
	}
	return ids
}

// Best returns the first front member, or nil for an empty front.
func (r *Result) Best() *Candidate {
	if len(r.Front) == 0 {
		return nil
	}
	return r.Front[0]
}

// Optimizer searches for better variants of a snapshot.
//
// Thread Safety: Run may be called concurrently; runs share the pool and
// the detector's embedding cache.
type Optimizer struct {
	pool     *variant.Pool
	detector *detect.Detector
	cfg      Config
	logger   *slog.Logger
}

// New creates an optimizer. A nil detector gets detect.New(); zero config
// fields take the defaults.
func New(pool *variant.Pool, detector *detect.Detector, cfg Config) *Optimizer {
	def := DefaultConfig()
	if cfg.MaxCandidatesPerIteration <= 0 {
		cfg.MaxCandidatesPerIteration = def.MaxCandidatesPerIteration
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.AllocationEdgeType == "" {
		cfg.AllocationEdgeType = def.AllocationEdgeType
	}
	if detector == nil {
		detector = detect.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		pool:     pool,
		detector: detector,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "optimizer")),
	}
}

// outcome is one evaluated move.
type outcome struct {
	move      Move
	candidate *Candidate
	invalid   error
}

// Run searches from base.
//
// Description:
//
//	Run creates a root variant over base and scores it. Each iteration
//	selects a front member with untried moves (round robin), forks it once
//	per move, applies the move and scores the fork. Forks are evaluated in
//	parallel and offered to the front in move order, so a run is
//	deterministic for its inputs. Forks that are rejected or later
//	dominated are discarded from the pool.
//
//	Moves that fail with ErrInvalidMove or a graph uniqueness or reference
//	error are counted as invalid and skipped.
//
//	Every candidate is pinned in the pool while the run holds it, so tier
//	eviction never removes a front member mid-run. The pins are released
//	before Run returns; the front may then be demoted like any variant.
//
//	Run never writes to the store.
//
// Outputs:
//   - *Result: The front and run statistics. On cancellation the partial
//     result is returned together with the context error.
//   - error: Non-nil if the root could not be created or scored, a move
//     failed unexpectedly, or ctx was cancelled.
func (o *Optimizer) Run(ctx context.Context, base *graph.Snapshot) (*Result, error) {
	if ctx == nil {
		return nil, graph.ErrNilContext
	}
	if base == nil {
		return nil, fmt.Errorf("optimize: nil base snapshot")
	}
	ctx, span := tracer.Start(ctx, "optimize.Optimizer.Run",
		trace.WithAttributes(
			attribute.Int64("base_version", base.Version()),
			attribute.Int("rules", len(o.cfg.Rules)),
		),
	)
	defer span.End()

	start := time.Now()
	budget := NewBudget(o.cfg.Budget)
	res := &Result{BaseVersion: base.Version()}

	rootVariant, err := o.pool.CreateAcquire(base)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create root failed")
		return nil, err
	}
	root := &Candidate{VariantID: rootVariant.ID(), pin: rootVariant}
	if err := o.score(ctx, rootVariant, root); err != nil {
		o.drop(root)
		span.RecordError(err)
		span.SetStatus(codes.Error, "score root failed")
		return nil, fmt.Errorf("score root: %w", err)
	}

	front := &Front{}
	front.Add(root)
	cursor := 0

	o.logger.Info("optimizer run started",
		slog.Int64("base_version", base.Version()),
		slog.String("root", root.Score.String()),
		slog.Int("root_moves", len(root.untried)),
	)

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			res.Reason, runErr = ReasonCancelled, err
			break
		}
		if err := budget.checkLimits(); err != nil {
			res.Reason = ReasonBudget
			if errors.Is(err, ErrTimeLimitExceeded) {
				res.Reason = ReasonTime
			}
			break
		}
		if budget.Converged() {
			res.Reason = ReasonConverged
			break
		}

		parent := selectParent(front, &cursor)
		if parent == nil {
			res.Reason = ReasonNoMoves
			break
		}
		n := min(o.cfg.MaxCandidatesPerIteration, len(parent.untried))
		moves := parent.untried[:n]
		parent.untried = parent.untried[n:]
		iteration := budget.Iterations() + 1

		outcomes, err := o.expand(ctx, parent, moves, iteration)
		if err != nil {
			if ctx.Err() != nil {
				res.Reason, runErr = ReasonCancelled, ctx.Err()
				o.discardOutcomes(outcomes)
				break
			}
			o.discardOutcomes(outcomes)
			o.discardFront(front)
			span.RecordError(err)
			span.SetStatus(codes.Error, "expand failed")
			return nil, err
		}

		improved := false
		for _, out := range outcomes {
			if out == nil {
				continue
			}
			budget.RecordCandidate()
			res.Evaluated++
			if out.invalid != nil {
				res.Invalid++
				optimizerCandidatesTotal.WithLabelValues("invalid").Inc()
				o.logger.Debug("invalid move",
					slog.String("move", out.move.String()),
					slog.String("error", out.invalid.Error()),
				)
				continue
			}
			added, evicted := front.Add(out.candidate)
			if !added {
				res.Rejected++
				optimizerCandidatesTotal.WithLabelValues("rejected").Inc()
				o.drop(out.candidate)
				continue
			}
			improved = true
			res.Accepted++
			optimizerCandidatesTotal.WithLabelValues("accepted").Inc()
			for _, e := range evicted {
				o.drop(e)
			}
		}
		budget.RecordIteration(improved)
		optimizerIterationsTotal.Inc()
		optimizerFrontSize.Set(float64(front.Len()))
	}

	res.Front = front.Members()
	o.unpin(res.Front)
	res.Iterations = budget.Iterations()
	res.Duration = time.Since(start)
	optimizerRunDuration.Observe(res.Duration.Seconds())
	optimizerRunsTotal.WithLabelValues(res.Reason).Inc()

	span.SetAttributes(
		attribute.String("reason", res.Reason),
		attribute.Int64("iterations", res.Iterations),
		attribute.Int("front", len(res.Front)),
	)
	o.logger.Info("optimizer run finished",
		slog.String("reason", res.Reason),
		slog.Int64("iterations", res.Iterations),
		slog.Int64("evaluated", res.Evaluated),
		slog.Int("front", len(res.Front)),
		slog.Duration("duration", res.Duration),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "cancelled")
	}
	return res, runErr
}

// selectParent returns the next front member with untried moves, in
// insertion order starting at *cursor, or nil if none has any.
func selectParent(front *Front, cursor *int) *Candidate {
	n := len(front.members)
	for i := 0; i < n; i++ {
		idx := (*cursor + i) % n
		if c := front.members[idx]; len(c.untried) > 0 {
			*cursor = idx + 1
			return c
		}
	}
	return nil
}

// expand forks parent once per move and scores each fork. The returned
// slice is index-aligned with moves.
func (o *Optimizer) expand(ctx context.Context, parent *Candidate, moves []Move, iteration int64) ([]*outcome, error) {
	outcomes := make([]*outcome, len(moves))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)

	for i, m := range moves {
		g.Go(func() error {
			v, err := o.pool.ForkAcquire(gctx, parent.VariantID)
			if err != nil {
				return fmt.Errorf("fork %s: %w", parent.VariantID, err)
			}
			child := &Candidate{
				VariantID: v.ID(),
				ParentID:  parent.VariantID,
				Moves:     append(append([]Move(nil), parent.Moves...), m),
				Iteration: iteration,
				pin:       v,
			}
			outcomes[i] = &outcome{move: m, candidate: child}

			err = ApplyMove(gctx, v, m, o.cfg.AllocationEdgeType)
			if err == nil {
				err = o.score(gctx, v, child)
			}
			if err == nil {
				return nil
			}
			if skippable(err) {
				outcomes[i].invalid = err
				o.drop(child)
				return nil
			}
			return fmt.Errorf("move %s: %w", m, err)
		})
	}
	err := g.Wait()
	return outcomes, err
}

// skippable reports whether a move error means "try the next candidate".
func skippable(err error) bool {
	return errors.Is(err, ErrInvalidMove) ||
		errors.Is(err, graph.ErrDuplicateSemanticID) ||
		errors.Is(err, graph.ErrDuplicateEdgeKey) ||
		errors.Is(err, graph.ErrUnknownElementReference)
}

// score detects violations on v and fills in c's score and moves.
func (o *Optimizer) score(ctx context.Context, v *variant.Variant, c *Candidate) error {
	violations, err := o.detector.Detect(ctx, v, o.cfg.Rules)
	if err != nil {
		return err
	}
	c.Violations = violations
	c.Score = Evaluate(v, violations, o.cfg.AllocationEdgeType)
	c.Digest = Fingerprint(v)
	c.untried = MovesFor(v, violations)
	return nil
}

func (o *Optimizer) discard(id string) {
	if err := o.pool.Discard(context.Background(), id); err != nil && !errors.Is(err, variant.ErrVariantNotFound) {
		o.logger.Warn("discard candidate failed",
			slog.String("variant", id),
			slog.String("error", err.Error()),
		)
	}
}

// drop discards c's variant and releases the run's pin on it.
func (o *Optimizer) drop(c *Candidate) {
	o.discard(c.VariantID)
	if c.pin != nil {
		o.pool.Release(c.pin)
		c.pin = nil
	}
}

// unpin releases the run's pins on candidates handed to the caller.
func (o *Optimizer) unpin(cs []*Candidate) {
	for _, c := range cs {
		if c.pin != nil {
			o.pool.Release(c.pin)
			c.pin = nil
		}
	}
}

// discardOutcomes drops the forks of an aborted iteration.
func (o *Optimizer) discardOutcomes(outcomes []*outcome) {
	for _, out := range outcomes {
		if out != nil && out.invalid == nil {
			o.drop(out.candidate)
		}
	}
}

func (o *Optimizer) discardFront(front *Front) {
	for _, c := range front.members {
		o.drop(c)
	}
}
