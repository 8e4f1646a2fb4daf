// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/modelgraph/services/modelgraph/detect"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// DefaultValidationDebounce is the quiet period before a validation run.
const DefaultValidationDebounce = 250 * time.Millisecond

// Report is the result of one validation run.
type Report struct {
	Version    int64              `json:"version"`
	Violations []detect.Violation `json:"violations"`
	Weighted   float64            `json:"weighted"`
	At         time.Time          `json:"at"`
	Duration   time.Duration      `json:"duration"`

	// Err is set when detection failed; Violations is then empty.
	Err string `json:"error,omitempty"`
}

// RulesFunc returns the rules to validate with. It is called once per run.
type RulesFunc func() []detect.Rule

// ValidationScheduler re-runs detection after store changes settle.
//
// Description:
//
//	The scheduler subscribes to the store. Each event restarts a debounce
//	timer; when the store has been quiet for the debounce period, the
//	latest snapshot is validated on the scheduler's goroutine. Bursts of
//	mutations therefore cost one run, and the store's write path never
//	waits on detection.
//
// Thread Safety: Safe for concurrent use.
type ValidationScheduler struct {
	store    *graph.Store
	detector *detect.Detector
	rules    RulesFunc
	debounce time.Duration
	logger   *slog.Logger

	signal      chan struct{}
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once

	mu      sync.Mutex
	latest  *Report
	updated chan struct{}

	runs atomic.Int64
}

// NewValidationScheduler creates a stopped scheduler. A debounce of zero
// uses DefaultValidationDebounce.
func NewValidationScheduler(store *graph.Store, detector *detect.Detector, rules RulesFunc, debounce time.Duration, logger *slog.Logger) *ValidationScheduler {
	if debounce <= 0 {
		debounce = DefaultValidationDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationScheduler{
		store:    store,
		detector: detector,
		rules:    rules,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "validation_scheduler")),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		updated:  make(chan struct{}),
	}
}

// Start subscribes to the store, schedules an initial run and starts the
// worker. It runs until ctx is cancelled or Stop is called.
func (s *ValidationScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.unsubscribe = s.store.Subscribe(func(graph.Event) { s.Trigger() })
	s.Trigger()
	go s.loop(ctx)
}

// Trigger schedules a run after the debounce period. It never blocks.
func (s *ValidationScheduler) Trigger() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Stop unsubscribes and waits for the worker to exit.
func (s *ValidationScheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

func (s *ValidationScheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.debounce)
	timer.Stop()
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.signal:
			timer.Reset(s.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			s.run(ctx)
		}
	}
}

func (s *ValidationScheduler) run(ctx context.Context) {
	start := time.Now()
	snap := s.store.Snapshot()
	violations, err := s.detector.Detect(ctx, snap, s.rules())
	if ctx.Err() != nil {
		return
	}

	r := &Report{
		Version:    snap.Version(),
		Violations: violations,
		Weighted:   detect.WeightedCount(violations),
		At:         time.Now(),
		Duration:   time.Since(start),
	}
	if err != nil {
		r.Violations, r.Weighted, r.Err = nil, 0, err.Error()
		s.logger.Warn("validation failed",
			slog.Int64("version", r.Version),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("validation complete",
			slog.Int64("version", r.Version),
			slog.Int("violations", len(violations)),
			slog.Duration("duration", r.Duration),
		)
	}
	s.runs.Add(1)

	s.mu.Lock()
	s.latest = r
	close(s.updated)
	s.updated = make(chan struct{})
	s.mu.Unlock()
}

// Latest returns the most recent report.
func (s *ValidationScheduler) Latest() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Report{}, false
	}
	return *s.latest, true
}

// Wait blocks until a report for version minVersion or later exists.
func (s *ValidationScheduler) Wait(ctx context.Context, minVersion int64) (Report, error) {
	for {
		s.mu.Lock()
		latest, updated := s.latest, s.updated
		s.mu.Unlock()
		if latest != nil && latest.Version >= minVersion {
			return *latest, nil
		}
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		case <-updated:
		}
	}
}

// Runs returns the number of completed validation runs.
func (s *ValidationScheduler) Runs() int64 {
	return s.runs.Load()
}
