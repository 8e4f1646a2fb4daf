// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package variant

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/modelgraph/services/modelgraph/cache"
	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// Config configures a Pool.
type Config struct {
	// HotCapacity is the number of variants kept as live overlays.
	// Pinned variants always stay hot and may exceed it temporarily.
	// Default: 64
	HotCapacity int

	// WarmCapacity is the number of compressed variants kept in memory.
	// Default: 1024
	WarmCapacity int

	// Spill receives variants pushed out of the warm tier. If nil they are
	// evicted.
	Spill Spill

	// MaxNodes and MaxEdges cap every variant, as for the store.
	MaxNodes int
	MaxEdges int

	// Logger for tier transitions. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		HotCapacity:  64,
		WarmCapacity: 1024,
		MaxNodes:     graph.DefaultMaxNodes,
		MaxEdges:     graph.DefaultMaxEdges,
	}
}

// Stats counts variants per tier.
type Stats struct {
	Hot    int `json:"hot"`
	Pinned int `json:"pinned"`
	Warm   int `json:"warm"`
	Cold   int `json:"cold"`
}

// Pool owns all variants of a session.
//
// Description:
//
//	Variants are addressed by ID. Operations pin a variant, which makes it
//	hot, and unpin it when done. Unpinned hot variants form an LRU list;
//	beyond HotCapacity the least recently used are encoded into the warm
//	tier, and beyond WarmCapacity warm blobs go to the spill or are evicted.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	variants map[string]*Variant
	hot      *list.List // unpinned hot variants, front = most recent
	hotCount int
	cold     int
	warm     *cache.LRU[string, []byte]
	closed   bool

	// promoteMu serializes promotions.
	promoteMu sync.Mutex
}

// NewPool creates a pool. Zero capacities take the defaults.
func NewPool(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.HotCapacity <= 0 {
		cfg.HotCapacity = def.HotCapacity
	}
	if cfg.WarmCapacity <= 0 {
		cfg.WarmCapacity = def.WarmCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "variant_pool")),
		variants: make(map[string]*Variant),
		hot:      list.New(),
	}
	p.warm = cache.New[string, []byte](cfg.WarmCapacity, p.onWarmEvict)
	return p
}

func (p *Pool) overlayOptions() []graph.OverlayOption {
	return []graph.OverlayOption{graph.WithLimits(p.cfg.MaxNodes, p.cfg.MaxEdges)}
}

// Create starts a variant over base and returns its ID.
//
// Description:
//
//	The variant references base directly; no element is copied. Creation
//	needs no coordination with the store.
func (p *Pool) Create(base *graph.Snapshot) (string, error) {
	v, err := p.create(base, false)
	if err != nil {
		return "", err
	}
	return v.id, nil
}

// CreateAcquire is Create followed by Acquire, with no window in which the
// new variant can be demoted or evicted. Release it when done.
func (p *Pool) CreateAcquire(base *graph.Snapshot) (*Variant, error) {
	return p.create(base, true)
}

func (p *Pool) create(base *graph.Snapshot, pin bool) (*Variant, error) {
	if base == nil {
		return nil, fmt.Errorf("create variant: nil base snapshot")
	}
	v := &Variant{
		id:        uuid.NewString(),
		base:      base,
		createdAt: time.Now(),
		pool:      p,
		ov:        graph.NewOverlay(base, p.overlayOptions()...),
	}
	if err := p.add(v, pin); err != nil {
		return nil, err
	}
	p.logger.Debug("variant created",
		slog.String("variant_id", v.id),
		slog.Int64("base_version", base.Version()),
	)
	return v, nil
}

// Fork creates a new variant holding a copy of id's overrides over the same
// base. Cost is proportional to the parent's override count.
func (p *Pool) Fork(ctx context.Context, id string) (string, error) {
	child, err := p.fork(ctx, id, false)
	if err != nil {
		return "", err
	}
	return child.id, nil
}

// ForkAcquire is Fork followed by Acquire of the child, with no window in
// which the child can be demoted or evicted. Release it when done.
func (p *Pool) ForkAcquire(ctx context.Context, id string) (*Variant, error) {
	return p.fork(ctx, id, true)
}

func (p *Pool) fork(ctx context.Context, id string, pin bool) (*Variant, error) {
	parent, err := p.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer p.Release(parent)

	parent.mu.Lock()
	ov, err := parent.overlay()
	if err != nil {
		parent.mu.Unlock()
		return nil, err
	}
	child := &Variant{
		id:        uuid.NewString(),
		parentID:  parent.id,
		base:      parent.base,
		createdAt: time.Now(),
		pool:      p,
		ov:        ov.Fork(),
	}
	parent.mu.Unlock()

	if err := p.add(child, pin); err != nil {
		return nil, err
	}
	return child, nil
}

// add registers a new hot variant, pinned or at the front of the LRU.
func (p *Pool) add(v *Variant, pin bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	v.tier = TierHot
	if pin {
		v.pins = 1
	} else {
		v.elem = p.hot.PushFront(v)
	}
	p.variants[v.id] = v
	p.hotCount++
	variantsCreatedTotal.Inc()
	p.enforceHot()
	p.updateGauges()
	return nil
}

// Acquire pins a variant, rehydrating it to the hot tier if needed. Every
// successful Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context, id string) (*Variant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	v, ok := p.variants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, id)
	}
	if err := p.rehydrate(ctx, v); err != nil {
		return nil, err
	}
	if v.elem != nil {
		p.hot.Remove(v.elem)
		v.elem = nil
	}
	v.pins++
	p.enforceHot()
	p.updateGauges()
	return v, nil
}

// Release unpins a variant acquired with Acquire.
func (p *Pool) Release(v *Variant) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.pins == 0 {
		return
	}
	v.pins--
	if v.pins > 0 {
		return
	}
	if v.discarded {
		p.dropHot(v)
		p.updateGauges()
		return
	}
	v.elem = p.hot.PushFront(v)
	p.enforceHot()
	p.updateGauges()
}

// With runs fn with the variant pinned.
func (p *Pool) With(ctx context.Context, id string, fn func(*Variant) error) error {
	v, err := p.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer p.Release(v)
	return fn(v)
}

// Discard drops a variant. It has no effect on the store. A variant that
// is pinned elsewhere is dropped when its last pin is released.
func (p *Pool) Discard(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.variants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVariantNotFound, id)
	}
	p.drop(ctx, v)
	p.updateGauges()
	p.logger.Debug("variant discarded", slog.String("variant_id", id))
	return nil
}

// drop removes v from every tier. Caller must hold p.mu.
func (p *Pool) drop(ctx context.Context, v *Variant) {
	delete(p.variants, v.id)
	switch v.tier {
	case TierHot:
		if v.pins > 0 {
			v.discarded = true
			return
		}
		p.dropHot(v)
	case TierWarm:
		p.warm.Delete(v.id)
	case TierCold:
		p.cold--
		if err := p.cfg.Spill.Delete(ctx, v.id); err != nil {
			p.logger.Warn("delete spilled variant failed",
				slog.String("variant_id", v.id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// dropHot releases a hot variant's overlay. Caller must hold p.mu.
func (p *Pool) dropHot(v *Variant) {
	if v.elem != nil {
		p.hot.Remove(v.elem)
		v.elem = nil
	}
	v.mu.Lock()
	v.ov = nil
	v.mu.Unlock()
	p.hotCount--
}

// Tier reports the tier a variant currently lives in.
func (p *Pool) Tier(id string) (Tier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.variants[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrVariantNotFound, id)
	}
	return v.tier, nil
}

// IDs returns the IDs of all live variants, sorted.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.variants))
	for id := range p.variants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of live variants.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.variants)
}

// Stats returns per-tier counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Hot:    p.hotCount,
		Pinned: p.hotCount - p.hot.Len(),
		Warm:   p.warm.Len(),
		Cold:   p.cold,
	}
}

// Close drops every variant. Pinned variants become unusable once
// released.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, v := range p.variants {
		p.drop(ctx, v)
	}
	p.closed = true
	p.updateGauges()
}

// -----------------------------------------------------------------------------
// Tiering
// -----------------------------------------------------------------------------

// rehydrate brings v back to the hot tier. Caller must hold p.mu.
func (p *Pool) rehydrate(ctx context.Context, v *Variant) error {
	var (
		blob []byte
		err  error
	)
	switch v.tier {
	case TierHot:
		return nil
	case TierWarm:
		var ok bool
		blob, ok = p.warm.Take(v.id)
		if !ok {
			delete(p.variants, v.id)
			return fmt.Errorf("%w: %s", ErrVariantNotFound, v.id)
		}
	case TierCold:
		blob, err = p.cfg.Spill.Get(ctx, v.id)
		if err != nil {
			return fmt.Errorf("load spilled variant %s: %w", v.id, err)
		}
		if err := p.cfg.Spill.Delete(ctx, v.id); err != nil {
			p.logger.Warn("delete spilled variant failed",
				slog.String("variant_id", v.id),
				slog.String("error", err.Error()),
			)
		}
		p.cold--
	}

	st, err := decodeState(blob)
	if err != nil {
		// The blob is unusable; the variant is gone either way.
		delete(p.variants, v.id)
		variantEvictionsTotal.Inc()
		return fmt.Errorf("%w: %s: %w", ErrVariantNotFound, v.id, err)
	}

	v.mu.Lock()
	v.ov = graph.RestoreOverlay(v.base, st, p.overlayOptions()...)
	v.mu.Unlock()
	v.tier = TierHot
	p.hotCount++
	return nil
}

// enforceHot demotes least recently used unpinned variants until the hot
// tier fits. Caller must hold p.mu.
func (p *Pool) enforceHot() {
	for p.hotCount > p.cfg.HotCapacity && p.hot.Len() > 0 {
		p.demote(p.hot.Back().Value.(*Variant))
	}
}

// demote moves an unpinned hot variant to the warm tier. Caller must hold
// p.mu.
func (p *Pool) demote(v *Variant) {
	p.hot.Remove(v.elem)
	v.elem = nil

	v.mu.Lock()
	blob, err := encodeState(v.ov.State())
	v.ov = nil
	v.mu.Unlock()
	p.hotCount--

	if err != nil {
		p.logger.Warn("variant encode failed, evicting",
			slog.String("variant_id", v.id),
			slog.String("error", err.Error()),
		)
		delete(p.variants, v.id)
		variantEvictionsTotal.Inc()
		return
	}
	v.tier = TierWarm
	variantDemotionsTotal.WithLabelValues(TierWarm.String()).Inc()
	p.warm.Set(v.id, blob)
}

// onWarmEvict spills or evicts a warm blob pushed out of the warm LRU. It
// runs inside warm.Set, which is only called with p.mu held.
func (p *Pool) onWarmEvict(id string, blob []byte) {
	v, ok := p.variants[id]
	if !ok {
		return
	}
	if p.cfg.Spill != nil {
		err := p.cfg.Spill.Put(context.Background(), id, blob)
		if err == nil {
			v.tier = TierCold
			p.cold++
			variantDemotionsTotal.WithLabelValues(TierCold.String()).Inc()
			return
		}
		p.logger.Warn("variant spill failed, evicting",
			slog.String("variant_id", id),
			slog.String("error", err.Error()),
		)
	}
	delete(p.variants, id)
	variantEvictionsTotal.Inc()
	p.logger.Debug("variant evicted", slog.String("variant_id", id))
}

// updateGauges publishes tier sizes. Caller must hold p.mu.
func (p *Pool) updateGauges() {
	variantsGauge.WithLabelValues(TierHot.String()).Set(float64(p.hotCount))
	variantsGauge.WithLabelValues(TierWarm.String()).Set(float64(p.warm.Len()))
	variantsGauge.WithLabelValues(TierCold.String()).Set(float64(p.cold))
}
