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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StoreOptions configures Store behavior and limits.
type StoreOptions struct {
	// MaxNodes is the maximum number of nodes the store can hold.
	// Default: 1,000,000
	MaxNodes int

	// MaxEdges is the maximum number of edges the store can hold.
	// Default: 10,000,000
	MaxEdges int

	// Clock stamps CreatedAt/UpdatedAt. Default: time.Now.
	Clock func() time.Time

	// Logger receives debug logs for applied batches.
	Logger *slog.Logger
}

// DefaultStoreOptions returns sensible defaults for store configuration.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		MaxNodes: DefaultMaxNodes,
		MaxEdges: DefaultMaxEdges,
		Clock:    time.Now,
	}
}

// StoreOption is a functional option for configuring Store.
type StoreOption func(*StoreOptions)

// WithMaxNodes sets the maximum number of nodes the store can hold.
func WithMaxNodes(n int) StoreOption {
	return func(o *StoreOptions) {
		o.MaxNodes = n
	}
}

// WithMaxEdges sets the maximum number of edges the store can hold.
func WithMaxEdges(n int) StoreOption {
	return func(o *StoreOptions) {
		o.MaxEdges = n
	}
}

// WithStoreClock sets the time source for node timestamps.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(o *StoreOptions) {
		o.Clock = now
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(o *StoreOptions) {
		o.Logger = logger
	}
}

// Store is the authoritative, versioned model graph.
//
// Description:
//
//	All mutations go through Apply, which stages the batch on an Overlay over
//	the committed state while holding the write lock, then commits the
//	overlay. A rejected batch leaves no trace. Each accepted op increments
//	the version by one and produces one Event.
//
//	Events are delivered synchronously, in version order and in subscriber
//	registration order, before the mutating call returns.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	st      *state
	shared  atomic.Bool
	version atomic.Int64

	// notifyMu is taken before mu is released so deliveries happen in
	// version order.
	notifyMu sync.Mutex
	notified int64

	subsMu  sync.Mutex
	subs    []subscription
	nextSub uint64

	opts   StoreOptions
	logger *slog.Logger
}

// NewStore creates an empty store at version 0.
func NewStore(opts ...StoreOption) *Store {
	options := DefaultStoreOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		st:     newState(),
		opts:   options,
		logger: logger.With(slog.String("component", "graph_store")),
	}
}

// Version returns the current store version.
func (s *Store) Version() int64 {
	return s.version.Load()
}

// Snapshot returns an immutable view of the current state in O(1).
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.shared.Store(true)
	return newSnapshot(s.st, s.version.Load())
}

// Read runs fn against a view that is consistent with a single version.
// fn runs under the read lock and MUST NOT call store methods.
func (s *Store) Read(fn func(View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fn(newSnapshot(s.st, s.version.Load()))
}

// mutable returns the state for writing, cloning it first if a snapshot
// can see it. The clone shares every shard until written. Caller must hold
// mu.
func (s *Store) mutable() *state {
	if s.shared.Load() {
		s.st = s.st.clone()
		s.shared.Store(false)
	}
	return s.st
}

func (s *Store) stage() *Overlay {
	return newOverlay(s.st,
		WithLimits(s.opts.MaxNodes, s.opts.MaxEdges),
		WithClock(s.opts.Clock),
	)
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// GetNode returns the node with the given UUID.
func (s *Store) GetNode(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reads{s.st}.GetNode(id)
}

// GetNodeBySemanticID returns the node holding semanticID in scope.
func (s *Store) GetNodeBySemanticID(scope Scope, semanticID string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reads{s.st}.GetNodeBySemanticID(scope, semanticID)
}

// GetEdge returns the edge with the given UUID.
func (s *Store) GetEdge(id string) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reads{s.st}.GetEdge(id)
}

// GetEdgeByKey returns the edge holding the uniqueness key.
func (s *Store) GetEdgeByKey(key EdgeKey) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reads{s.st}.GetEdgeByKey(key)
}

// GetNodes returns the nodes matching filter.
func (s *Store) GetNodes(filter NodeFilter) []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reads{s.st}.GetNodes(filter)
}

// GetEdges returns the edges matching filter.
func (s *Store) GetEdges(filter EdgeFilter) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reads{s.st}.GetEdges(filter)
}

// IncidentEdges returns the edges touching nodeID.
func (s *Store) IncidentEdges(nodeID string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reads{s.st}.IncidentEdges(nodeID)
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.nodeCount()
}

// EdgeCount returns the number of edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.edgeCount()
}

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

// SetNode adds or updates a node. See Overlay.SetNode for the rules.
func (s *Store) SetNode(ctx context.Context, n Node, opts ...SetOption) (Node, error) {
	so := collectSetOptions(opts)
	res, err := s.applySingle(ctx, Op{Kind: OpSetNode, Node: n, Upsert: so.upsert})
	if err != nil {
		return Node{}, err
	}
	return res.Node, nil
}

// DeleteNode deletes a node and its incident edges as one mutation.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.applySingle(ctx, Op{Kind: OpDeleteNode, ID: id})
	return err
}

// SetEdge adds or updates an edge. See Overlay.SetEdge for the rules.
func (s *Store) SetEdge(ctx context.Context, e Edge, opts ...SetOption) (Edge, error) {
	so := collectSetOptions(opts)
	res, err := s.applySingle(ctx, Op{Kind: OpSetEdge, Edge: e, Upsert: so.upsert})
	if err != nil {
		return Edge{}, err
	}
	return res.Edge, nil
}

// DeleteEdge deletes an edge.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	_, err := s.applySingle(ctx, Op{Kind: OpDeleteEdge, ID: id})
	return err
}

func (s *Store) applySingle(ctx context.Context, op Op) (OpResult, error) {
	res, err := s.Apply(ctx, Batch{Ops: []Op{op}})
	if err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) {
			return OpResult{}, opErr.Err
		}
		return OpResult{}, err
	}
	return res.Results[0], nil
}

// Apply executes a batch atomically.
//
// Description:
//
//	Preconditions are checked and every op is validated on a staging
//	overlay before anything is committed. The first failing op rejects the
//	whole batch and the store is unchanged. On success the version advances
//	by len(b.Ops) and one event per op is delivered to subscribers.
//
// Inputs:
//   - ctx: Context for cancellation and tracing. Must not be nil.
//   - b: The batch. An empty batch is a no-op.
//
// Outputs:
//   - BatchResult: Per-op results and the version range.
//   - error: *OpError wrapping the graph sentinel for a rejected op,
//     ErrPreconditionFailed, or the context error.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Apply(ctx context.Context, b Batch) (BatchResult, error) {
	if ctx == nil {
		return BatchResult{}, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return BatchResult{}, err
	}
	if len(b.Ops) == 0 && len(b.Preconditions) == 0 {
		v := s.Version()
		return BatchResult{FromVersion: v, ToVersion: v}, nil
	}

	ctx, span := tracer.Start(ctx, "graph.Store.Apply",
		trace.WithAttributes(
			attribute.Int("graph.ops", len(b.Ops)),
			attribute.String("graph.source", b.Source),
		),
	)
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	from := s.version.Load()
	staged := s.stage()
	results, err := staged.Apply(b)
	if err != nil {
		s.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch rejected")
		recordApplyMetrics(ctx, b.Source, 0, time.Since(start), false)
		s.logger.Debug("batch rejected",
			slog.String("source", b.Source),
			slog.Int("ops", len(b.Ops)),
			slog.String("error", err.Error()),
		)
		return BatchResult{FromVersion: from, ToVersion: from}, err
	}
	if len(results) == 0 {
		s.mu.Unlock()
		return BatchResult{FromVersion: from, ToVersion: from}, nil
	}

	s.mutable().applyOverlay(staged)
	to := s.version.Add(int64(len(results)))

	events := make([]Event, len(results))
	for i, res := range results {
		events[i] = eventFor(res, from+int64(i)+1, b.Source)
	}

	s.notifyMu.Lock()
	s.mu.Unlock()
	s.deliver(events)

	duration := time.Since(start)
	recordApplyMetrics(ctx, b.Source, len(results), duration, true)
	span.SetAttributes(
		attribute.Int64("graph.from_version", from),
		attribute.Int64("graph.to_version", to),
	)
	s.logger.Debug("batch applied",
		slog.String("source", b.Source),
		slog.Int("ops", len(results)),
		slog.Int64("version", to),
		slog.Duration("duration", duration),
	)

	return BatchResult{Results: results, FromVersion: from, ToVersion: to}, nil
}

// Load replaces the entire state with the given nodes and edges.
//
// Description:
//
//	The new state is built and validated in isolation; on error the store
//	is unchanged. Timestamps are kept as given. A successful load counts as
//	one mutation and emits a single EventLoaded.
func (s *Store) Load(ctx context.Context, nodes []Node, edges []Edge) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "graph.Store.Load",
		trace.WithAttributes(
			attribute.Int("graph.node_count", len(nodes)),
			attribute.Int("graph.edge_count", len(edges)),
		),
	)
	defer span.End()

	staged := newOverlay(newState(), WithLimits(s.opts.MaxNodes, s.opts.MaxEdges), WithClock(s.opts.Clock))
	for _, n := range nodes {
		if _, err := staged.applyOp(Op{Kind: OpSetNode, Node: n, MustNotExist: true, KeepTimestamps: true}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load rejected")
			return fmt.Errorf("load node %s: %w", n.SemanticID, err)
		}
	}
	for _, e := range edges {
		if _, err := staged.applyOp(Op{Kind: OpSetEdge, Edge: e, MustNotExist: true}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load rejected")
			return fmt.Errorf("load edge %s: %w", e.UUID, err)
		}
	}
	next := newState()
	next.applyOverlay(staged)

	s.mu.Lock()
	s.st = next
	s.shared.Store(false)
	v := s.version.Add(1)
	s.notifyMu.Lock()
	s.mu.Unlock()
	s.deliver([]Event{{Type: EventLoaded, NewVersion: v, Source: "load"}})

	s.logger.Info("graph loaded",
		slog.Int("nodes", next.nodeCount()),
		slog.Int("edges", next.edgeCount()),
		slog.Int64("version", v),
	)
	return nil
}

// Subscribe registers fn for change events and returns a function that
// removes it. Subscribers are called in registration order.
func (s *Store) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			s.subs = slices.DeleteFunc(s.subs, func(sub subscription) bool {
				return sub.id == id
			})
		})
	}
}

// deliver dispatches events in order. Caller must hold notifyMu; deliver
// releases it.
func (s *Store) deliver(events []Event) {
	defer s.notifyMu.Unlock()

	s.subsMu.Lock()
	subs := slices.Clone(s.subs)
	s.subsMu.Unlock()

	for _, ev := range events {
		if ev.NewVersion <= s.notified {
			panic(fmt.Errorf("%w: event version %d after %d", ErrVersionRegression, ev.NewVersion, s.notified))
		}
		s.notified = ev.NewVersion
		for _, sub := range subs {
			sub.fn(ev)
		}
	}
}

// Compile-time interface checks.
var (
	_ View  = (*Store)(nil)
	_ Graph = (*Store)(nil)
)
