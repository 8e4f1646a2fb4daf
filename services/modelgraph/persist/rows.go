// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist moves graph state across the boundary to durable
// storage.
//
// Rows are the flat exchange format: every node and edge with its UUID,
// semantic ID and timestamps. ExportSnapshot reads rows from any view;
// LoadSnapshot replaces a store's state with rows. Archive keeps rows in
// BadgerDB for the CLI.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// FormatVersion is the current rows format.
const FormatVersion = 1

var (
	// ErrUnsupportedFormat is returned for rows written by a newer format.
	ErrUnsupportedFormat = errors.New("unsupported rows format")

	// ErrEmptyArchive is returned when loading from an archive that has
	// never been saved.
	ErrEmptyArchive = errors.New("archive is empty")

	// ErrCorruptArchive is returned when an archive's rows do not match its
	// manifest.
	ErrCorruptArchive = errors.New("archive is corrupt")
)

// Rows is a full export of a graph.
type Rows struct {
	Format int `json:"format" msgpack:"format"`

	// Version is the view version the rows were exported at.
	Version    int64     `json:"version" msgpack:"version"`
	ExportedAt time.Time `json:"exported_at" msgpack:"exported_at"`

	Nodes []graph.Node `json:"nodes" msgpack:"nodes"`
	Edges []graph.Edge `json:"edges" msgpack:"edges"`
}

// ExportSnapshot returns every node and edge of view.
//
// Description:
//
//	Pass the store to export its current state, committed or not. Nodes
//	and edges are in the view's canonical order, so two exports of equal
//	states are equal.
func ExportSnapshot(view graph.View) Rows {
	return Rows{
		Format:     FormatVersion,
		Version:    view.Version(),
		ExportedAt: time.Now().UTC(),
		Nodes:      view.GetNodes(graph.NodeFilter{}),
		Edges:      view.GetEdges(graph.EdgeFilter{}),
	}
}

// LoadSnapshot replaces the store's state with rows.
//
// Description:
//
//	The load is all-or-nothing: rows that violate uniqueness or reference
//	missing nodes leave the store unchanged. Timestamps are kept. The
//	store's version advances by one; the change tracker baseline is not
//	touched, so callers resuming a session commit afterwards.
func LoadSnapshot(ctx context.Context, s *graph.Store, rows Rows) error {
	if rows.Format > FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedFormat, rows.Format)
	}
	if err := s.Load(ctx, rows.Nodes, rows.Edges); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}

// WriteJSON writes rows as indented JSON.
func WriteJSON(w io.Writer, rows Rows) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("encode rows: %w", err)
	}
	return nil
}

// ReadJSON reads rows written by WriteJSON or by an external exporter.
// A missing format field is treated as the current format.
func ReadJSON(r io.Reader) (Rows, error) {
	var rows Rows
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return Rows{}, fmt.Errorf("decode rows: %w", err)
	}
	if rows.Format == 0 {
		rows.Format = FormatVersion
	}
	if rows.Format > FormatVersion {
		return Rows{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, rows.Format)
	}
	return rows, nil
}
