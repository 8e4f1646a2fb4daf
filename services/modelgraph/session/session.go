// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session wires one graph store to its collaborators.
//
// A Session owns the store, the change tracker, the variant pool, the
// detector with its rules, the optional rules archive and the background
// validation scheduler. There is no process-wide graph; every consumer
// holds a Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/modelgraph/services/modelgraph/changes"
	"github.com/AleutianAI/modelgraph/services/modelgraph/config"
	"github.com/AleutianAI/modelgraph/services/modelgraph/detect"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
	"github.com/AleutianAI/modelgraph/services/modelgraph/mutation"
	"github.com/AleutianAI/modelgraph/services/modelgraph/optimize"
	"github.com/AleutianAI/modelgraph/services/modelgraph/persist"
	"github.com/AleutianAI/modelgraph/services/modelgraph/storage/badger"
	"github.com/AleutianAI/modelgraph/services/modelgraph/variant"
)

// ErrNoArchive is returned by Save and Restore when no archive is
// configured.
var ErrNoArchive = errors.New("session has no archive")

// Session is one working graph and everything that operates on it.
//
// Thread Safety: Safe for concurrent use.
type Session struct {
	cfg    config.Config
	root   *slog.Logger
	logger *slog.Logger

	store     *graph.Store
	tracker   *changes.Tracker
	pool      *variant.Pool
	detector  *detect.Detector
	scheduler *ValidationScheduler
	watcher   *detect.CatalogWatcher

	db       *badger.DB
	working  *persist.Archive
	baseline *persist.Archive

	rulesMu sync.RWMutex
	rules   []detect.Rule

	unsubscribe func()
	closeOnce   sync.Once
}

// Open builds a session from cfg.
//
// Description:
//
//	The archive database is opened when configured, and the rule catalog
//	is loaded (and watched when detect.watch is set). Open does not read
//	the archive; call Restore to resume saved state. The validation
//	scheduler starts when validation is enabled.
//
// Outputs:
//   - *Session: Call Close when done.
//   - error: If the archive cannot be opened or the catalog is invalid.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:    cfg,
		root:   logger,
		logger: logger.With(slog.String("component", "session")),
	}

	s.store = graph.NewStore(
		graph.WithMaxNodes(cfg.Store.MaxNodes),
		graph.WithMaxEdges(cfg.Store.MaxEdges),
		graph.WithLogger(logger),
	)
	s.tracker = changes.NewTracker(s.store)

	if cfg.Archive.Path != "" || cfg.Archive.InMemory {
		dbCfg := badger.DefaultConfig()
		dbCfg.Path = cfg.Archive.Path
		dbCfg.InMemory = cfg.Archive.InMemory
		if dbCfg.InMemory {
			dbCfg = badger.InMemoryConfig()
		}
		dbCfg.Logger = logger
		db, err := badger.Open(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		s.db = db
		s.working = persist.NewArchive(db, "", logger)
		s.baseline = persist.NewArchive(db, persist.BaselineNamespace, logger)
	}

	poolCfg := variant.Config{
		HotCapacity:  cfg.Pool.HotCapacity,
		WarmCapacity: cfg.Pool.WarmCapacity,
		MaxNodes:     cfg.Store.MaxNodes,
		MaxEdges:     cfg.Store.MaxEdges,
		Logger:       logger,
	}
	if cfg.Pool.Spill && s.db != nil {
		spill := variant.NewBadgerSpill(s.db)
		if err := spill.Clear(); err != nil {
			s.closeDB()
			return nil, fmt.Errorf("clear stale spill: %w", err)
		}
		poolCfg.Spill = spill
	}
	s.pool = variant.NewPool(poolCfg)

	s.detector = detect.New(
		detect.WithEmbedder(detect.NewHashEmbedder(cfg.Detect.EmbeddingDim)),
		detect.WithCacheSize(cfg.Detect.EmbeddingCacheSize),
		detect.WithLogger(logger),
	)
	s.unsubscribe = s.store.Subscribe(s.onEvent)

	if cfg.Validation.Enabled {
		s.scheduler = NewValidationScheduler(s.store, s.detector, s.Rules, cfg.Validation.Debounce, logger)
	}

	if err := s.loadRules(ctx); err != nil {
		s.Close(context.Background())
		return nil, err
	}
	if s.scheduler != nil {
		s.scheduler.Start(ctx)
	}

	s.logger.Info("session opened",
		slog.Bool("archive", s.db != nil),
		slog.Int("rules", len(s.Rules())),
		slog.Bool("validation", s.scheduler != nil),
	)
	return s, nil
}

func (s *Session) loadRules(ctx context.Context) error {
	path := s.cfg.Detect.Catalog
	if path == "" {
		return nil
	}
	if !s.cfg.Detect.Watch {
		cat, err := detect.LoadCatalog(path)
		if err != nil {
			return err
		}
		s.setRules(cat.Enabled())
		return nil
	}

	w, err := detect.WatchCatalog(ctx, path, &detect.WatchOptions{
		Debounce: s.cfg.Detect.WatchDebounce,
		Logger:   s.root,
		OnReload: func(rules []detect.Rule) {
			s.setRules(enabled(rules))
			if s.scheduler != nil {
				s.scheduler.Trigger()
			}
		},
	})
	if err != nil {
		return err
	}
	s.watcher = w
	s.setRules(enabled(w.Rules()))
	return nil
}

func enabled(rules []detect.Rule) []detect.Rule {
	return (&detect.Catalog{Rules: rules}).Enabled()
}

// onEvent drops cached embeddings of deleted nodes.
func (s *Session) onEvent(ev graph.Event) {
	if ev.Type == graph.EventNodeDeleted {
		s.detector.Embeddings().Invalidate(ev.AffectedID)
	}
}

func (s *Session) setRules(rules []detect.Rule) {
	s.rulesMu.Lock()
	s.rules = rules
	s.rulesMu.Unlock()
}

// Store returns the session's store.
func (s *Session) Store() *graph.Store { return s.store }

// Tracker returns the change tracker.
func (s *Session) Tracker() *changes.Tracker { return s.tracker }

// Pool returns the variant pool.
func (s *Session) Pool() *variant.Pool { return s.pool }

// Detector returns the violation detector.
func (s *Session) Detector() *detect.Detector { return s.detector }

// Rules returns the active rules.
func (s *Session) Rules() []detect.Rule {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	return s.rules
}

// SetRules validates and installs rules, replacing the catalog's until
// the next catalog reload.
func (s *Session) SetRules(rules []detect.Rule) error {
	if err := detect.ValidateRules(rules); err != nil {
		return err
	}
	s.setRules(enabled(rules))
	if s.scheduler != nil {
		s.scheduler.Trigger()
	}
	return nil
}

// Apply applies a mutation document to the store.
func (s *Session) Apply(ctx context.Context, doc *mutation.Document) (graph.BatchResult, error) {
	return mutation.Apply(ctx, s.store, doc)
}

// Status returns the changes since the last commit.
func (s *Session) Status() changes.Summary {
	return s.tracker.Changes()
}

// Commit makes the current state the baseline and returns its version.
func (s *Session) Commit() int64 {
	return s.tracker.Commit().Version()
}

// Detect validates the current state with the active rules.
func (s *Session) Detect(ctx context.Context) ([]detect.Violation, error) {
	return s.detector.Detect(ctx, s.store.Snapshot(), s.Rules())
}

// Validation returns the latest background validation report.
func (s *Session) Validation() (Report, bool) {
	if s.scheduler == nil {
		return Report{}, false
	}
	return s.scheduler.Latest()
}

// WaitValidation blocks until background validation has covered version.
func (s *Session) WaitValidation(ctx context.Context, version int64) (Report, error) {
	if s.scheduler == nil {
		return Report{}, errors.New("validation is disabled")
	}
	return s.scheduler.Wait(ctx, version)
}

// Optimize runs the optimizer over the current state. The front's
// variants stay in the pool until promoted or discarded.
func (s *Session) Optimize(ctx context.Context, budget *optimize.BudgetConfig) (*optimize.Result, error) {
	cfg := s.cfg.Optimizer
	cfg.Rules = s.Rules()
	cfg.Logger = s.root
	if budget != nil {
		cfg.Budget = *budget
	}
	return optimize.New(s.pool, s.detector, cfg).Run(ctx, s.store.Snapshot())
}

// Promote applies a variant to the store.
func (s *Session) Promote(ctx context.Context, variantID string) (graph.BatchResult, error) {
	return s.pool.Promote(ctx, variantID, s.store)
}

// Discard drops variants. Unknown IDs are ignored.
func (s *Session) Discard(ctx context.Context, variantIDs ...string) {
	for _, id := range variantIDs {
		if err := s.pool.Discard(ctx, id); err != nil && !errors.Is(err, variant.ErrVariantNotFound) {
			s.logger.Warn("discard variant failed", slog.String("variant_id", id), slog.String("error", err.Error()))
		}
	}
}

// Import replaces the store's state with rows and commits it.
func (s *Session) Import(ctx context.Context, rows persist.Rows) error {
	if err := persist.LoadSnapshot(ctx, s.store, rows); err != nil {
		return err
	}
	s.tracker.Commit()
	return nil
}

// Export returns the current state, committed or not.
func (s *Session) Export() persist.Rows {
	return persist.ExportSnapshot(s.store)
}

// Save writes the current state and the baseline to the archive.
func (s *Session) Save(ctx context.Context) error {
	if s.db == nil {
		return ErrNoArchive
	}
	if err := s.baseline.Save(ctx, persist.ExportSnapshot(s.tracker.Baseline())); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	if err := s.working.Save(ctx, s.Export()); err != nil {
		return fmt.Errorf("save working state: %w", err)
	}
	return nil
}

// Restore loads the archived baseline and working state.
//
// Description:
//
//	The baseline is loaded and committed first, then the working state is
//	loaded on top, so Status reports the same changes as before Save. An
//	archive without a baseline uses the working state as the baseline.
//
// Outputs:
//   - bool: False if the archive was empty and nothing was loaded.
//   - error: ErrNoArchive, or a load error. The store is unchanged on
//     error only if the baseline load itself failed.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	if s.db == nil {
		return false, ErrNoArchive
	}
	working, err := s.working.Load(ctx)
	if errors.Is(err, persist.ErrEmptyArchive) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("restore working state: %w", err)
	}

	base, err := s.baseline.Load(ctx)
	switch {
	case errors.Is(err, persist.ErrEmptyArchive):
		base = working
	case err != nil:
		return false, fmt.Errorf("restore baseline: %w", err)
	}

	if err := s.Import(ctx, base); err != nil {
		return false, fmt.Errorf("restore baseline: %w", err)
	}
	if err := persist.LoadSnapshot(ctx, s.store, working); err != nil {
		return false, fmt.Errorf("restore working state: %w", err)
	}
	s.logger.Info("session restored",
		slog.Int("nodes", s.store.NodeCount()),
		slog.Int("edges", s.store.EdgeCount()),
		slog.Int("uncommitted", s.Status().Total()),
	)
	return true, nil
}

// Close stops background work, discards variants and closes the archive.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.scheduler != nil {
			s.scheduler.Stop()
		}
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.pool.Close(ctx)
		err = s.closeDB()
	})
	return err
}

func (s *Session) closeDB() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
