// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
	"github.com/AleutianAI/modelgraph/services/modelgraph/storage/badger"
)

// Key prefixes of the archive keyspace, relative to the namespace.
const (
	nodePrefix  = "node/"
	edgePrefix  = "edge/"
	manifestKey = "meta/manifest"
)

// BaselineNamespace holds the change tracker baseline next to the working
// state.
const BaselineNamespace = "baseline/"

// manifest is written last by Save and checked by Load.
type manifest struct {
	Format  int       `msgpack:"format"`
	Version int64     `msgpack:"version"`
	Nodes   int       `msgpack:"nodes"`
	Edges   int       `msgpack:"edges"`
	SavedAt time.Time `msgpack:"saved_at"`
}

// Archive stores rows in BadgerDB, one key per node and edge.
//
// Thread Safety: Safe for concurrent use; concurrent Saves interleave.
type Archive struct {
	db     *badger.DB
	ns     string
	logger *slog.Logger
}

// NewArchive returns an archive over db. Keys are prefixed with namespace,
// so several archives can share one database; "" is the working state. A
// nil logger uses slog.Default().
func NewArchive(db *badger.DB, namespace string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		db: db,
		ns: namespace,
		logger: logger.With(
			slog.String("component", "archive"),
			slog.String("namespace", namespace),
		),
	}
}

func (a *Archive) key(parts ...string) string {
	return a.ns + strings.Join(parts, "")
}

// Save replaces the archive contents with rows.
//
// Description:
//
//	Rows are written first, stale keys are deleted, and the manifest is
//	written last. A crash mid-save leaves a manifest that does not match
//	the rows, which Load reports as ErrCorruptArchive.
func (a *Archive) Save(ctx context.Context, rows Rows) error {
	start := time.Now()
	live := make(map[string]struct{}, len(rows.Nodes)+len(rows.Edges))

	// Invalidate the manifest before touching rows.
	if err := a.db.Delete(ctx, a.key(manifestKey)); err != nil {
		return fmt.Errorf("clear manifest: %w", err)
	}

	err := a.db.Batch(ctx, func(b *badger.WriteBatch) error {
		for _, n := range rows.Nodes {
			key := a.key(nodePrefix, n.UUID)
			live[key] = struct{}{}
			if err := b.Put(key, n); err != nil {
				return err
			}
		}
		for _, e := range rows.Edges {
			key := a.key(edgePrefix, e.UUID)
			live[key] = struct{}{}
			if err := b.Put(key, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	var stale []string
	for _, prefix := range []string{nodePrefix, edgePrefix} {
		keys, err := a.db.Keys(ctx, a.key(prefix))
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, k := range keys {
			if _, ok := live[k]; !ok {
				stale = append(stale, k)
			}
		}
	}
	if len(stale) > 0 {
		err = a.db.Batch(ctx, func(b *badger.WriteBatch) error {
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("delete stale rows: %w", err)
		}
	}

	m := manifest{
		Format:  FormatVersion,
		Version: rows.Version,
		Nodes:   len(rows.Nodes),
		Edges:   len(rows.Edges),
		SavedAt: time.Now().UTC(),
	}
	if err := a.db.Put(ctx, a.key(manifestKey), m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	a.logger.Info("archive saved",
		slog.Int("nodes", m.Nodes),
		slog.Int("edges", m.Edges),
		slog.Int("stale", len(stale)),
		slog.Int64("version", m.Version),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Load reads the archived rows.
//
// Outputs:
//   - Rows: Nodes and edges in key order.
//   - error: ErrEmptyArchive if nothing was saved, ErrCorruptArchive if the
//     rows do not match the manifest.
func (a *Archive) Load(ctx context.Context) (Rows, error) {
	var m manifest
	if err := a.db.Get(ctx, a.key(manifestKey), &m); err != nil {
		if errors.Is(err, badger.ErrNotFound) {
			if keys, kerr := a.db.Keys(ctx, a.key(nodePrefix)); kerr == nil && len(keys) > 0 {
				return Rows{}, fmt.Errorf("%w: rows without manifest", ErrCorruptArchive)
			}
			return Rows{}, ErrEmptyArchive
		}
		return Rows{}, fmt.Errorf("read manifest: %w", err)
	}
	if m.Format > FormatVersion {
		return Rows{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, m.Format)
	}

	rows := Rows{Format: m.Format, Version: m.Version, ExportedAt: m.SavedAt}
	err := a.db.Scan(ctx, a.key(nodePrefix), func(key string, value []byte) error {
		var n graph.Node
		if err := msgpack.Unmarshal(value, &n); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptArchive, key, err)
		}
		if n.UUID != strings.TrimPrefix(key, a.key(nodePrefix)) {
			return fmt.Errorf("%w: %s holds node %s", ErrCorruptArchive, key, n.UUID)
		}
		rows.Nodes = append(rows.Nodes, n)
		return nil
	})
	if err != nil {
		return Rows{}, err
	}
	err = a.db.Scan(ctx, a.key(edgePrefix), func(key string, value []byte) error {
		var e graph.Edge
		if err := msgpack.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptArchive, key, err)
		}
		rows.Edges = append(rows.Edges, e)
		return nil
	})
	if err != nil {
		return Rows{}, err
	}

	if len(rows.Nodes) != m.Nodes || len(rows.Edges) != m.Edges {
		return Rows{}, fmt.Errorf("%w: manifest has %d nodes and %d edges, found %d and %d",
			ErrCorruptArchive, m.Nodes, m.Edges, len(rows.Nodes), len(rows.Edges))
	}
	return rows, nil
}

// Saved reports the version and time of the last completed save.
func (a *Archive) Saved(ctx context.Context) (version int64, at time.Time, err error) {
	var m manifest
	if err := a.db.Get(ctx, a.key(manifestKey), &m); err != nil {
		if errors.Is(err, badger.ErrNotFound) {
			return 0, time.Time{}, ErrEmptyArchive
		}
		return 0, time.Time{}, err
	}
	return m.Version, m.SavedAt, nil
}
