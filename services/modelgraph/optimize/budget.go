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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BudgetConfig limits an optimizer run. Zero values disable a limit,
// except that a run always stops when no untried move remains.
type BudgetConfig struct {
	// MaxIterations caps search iterations.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations" validate:"gte=0"`

	// MaxCandidates caps evaluated candidates across the run.
	MaxCandidates int `yaml:"max_candidates" json:"max_candidates" validate:"gte=0"`

	// TimeLimit caps wall-clock time.
	TimeLimit time.Duration `yaml:"time_limit" json:"time_limit" validate:"gte=0"`

	// ConvergenceWindow stops the run after this many consecutive
	// iterations without a front improvement.
	ConvergenceWindow int `yaml:"convergence_window" json:"convergence_window" validate:"gte=0"`
}

// DefaultBudgetConfig returns the default limits.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxIterations:     200,
		MaxCandidates:     2000,
		TimeLimit:         30 * time.Second,
		ConvergenceWindow: 10,
	}
}

// Budget tracks consumption during a run.
//
// Thread Safety: Safe for concurrent use.
type Budget struct {
	config    BudgetConfig
	startTime time.Time

	iterations atomic.Int64
	candidates atomic.Int64
	stale      atomic.Int64

	mu          sync.RWMutex
	exhausted   bool
	exhaustedBy string
}

// NewBudget creates a budget that starts counting time now.
func NewBudget(config BudgetConfig) *Budget {
	return &Budget{config: config, startTime: time.Now()}
}

// Config returns the budget configuration.
func (b *Budget) Config() BudgetConfig {
	return b.config
}

// RecordIteration counts a finished iteration. improved resets the
// convergence counter.
func (b *Budget) RecordIteration(improved bool) int64 {
	if improved {
		b.stale.Store(0)
	} else {
		b.stale.Add(1)
	}
	return b.iterations.Add(1)
}

// RecordCandidate counts an evaluated candidate.
func (b *Budget) RecordCandidate() int64 {
	return b.candidates.Add(1)
}

// Iterations returns the number of finished iterations.
func (b *Budget) Iterations() int64 {
	return b.iterations.Load()
}

// Candidates returns the number of evaluated candidates.
func (b *Budget) Candidates() int64 {
	return b.candidates.Load()
}

// Elapsed returns time since the budget was created.
func (b *Budget) Elapsed() time.Duration {
	return time.Since(b.startTime)
}

// Converged reports whether the convergence window has passed without
// improvement.
func (b *Budget) Converged() bool {
	w := b.config.ConvergenceWindow
	return w > 0 && b.stale.Load() >= int64(w)
}

// Exhausted reports whether any hard limit has been reached.
func (b *Budget) Exhausted() bool {
	return b.checkLimits() != nil
}

// ExhaustedBy returns which limit was hit, or "".
func (b *Budget) ExhaustedBy() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exhaustedBy
}

func (b *Budget) checkLimits() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhausted {
		if b.exhaustedBy == "time" {
			return ErrTimeLimitExceeded
		}
		return ErrBudgetExhausted
	}
	if b.config.TimeLimit > 0 && time.Since(b.startTime) >= b.config.TimeLimit {
		b.exhausted, b.exhaustedBy = true, "time"
		return ErrTimeLimitExceeded
	}
	if b.config.MaxIterations > 0 && b.iterations.Load() >= int64(b.config.MaxIterations) {
		b.exhausted, b.exhaustedBy = true, "iterations"
		return ErrBudgetExhausted
	}
	if b.config.MaxCandidates > 0 && b.candidates.Load() >= int64(b.config.MaxCandidates) {
		b.exhausted, b.exhaustedBy = true, "candidates"
		return ErrBudgetExhausted
	}
	return nil
}

// String returns a human-readable budget status.
func (b *Budget) String() string {
	status := ""
	if b.Exhausted() {
		status = fmt.Sprintf(" [EXHAUSTED by %s]", b.ExhaustedBy())
	}
	return fmt.Sprintf("Budget{iterations=%d/%d, candidates=%d/%d, time=%v/%v, stale=%d/%d}%s",
		b.Iterations(), b.config.MaxIterations,
		b.Candidates(), b.config.MaxCandidates,
		b.Elapsed().Round(time.Millisecond), b.config.TimeLimit,
		b.stale.Load(), b.config.ConvergenceWindow,
		status)
}
