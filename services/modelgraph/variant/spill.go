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
	"context"
	"errors"

	"github.com/AleutianAI/modelgraph/services/modelgraph/storage/badger"
)

// Spill stores cold-tier variant blobs outside the process heap.
type Spill interface {
	Put(ctx context.Context, id string, blob []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

const spillPrefix = "variant/"

// BadgerSpill keeps cold variants in a BadgerDB keyspace.
type BadgerSpill struct {
	db *badger.DB
}

// NewBadgerSpill creates a spill over db. The pool does not own db.
func NewBadgerSpill(db *badger.DB) *BadgerSpill {
	return &BadgerSpill{db: db}
}

// Put stores blob for id.
func (s *BadgerSpill) Put(ctx context.Context, id string, blob []byte) error {
	return s.db.PutRaw(ctx, spillPrefix+id, blob)
}

// Get returns the blob for id, or ErrVariantNotFound.
func (s *BadgerSpill) Get(ctx context.Context, id string) ([]byte, error) {
	blob, err := s.db.GetRaw(ctx, spillPrefix+id)
	if errors.Is(err, badger.ErrNotFound) {
		return nil, ErrVariantNotFound
	}
	return blob, err
}

// Delete removes the blob for id.
func (s *BadgerSpill) Delete(ctx context.Context, id string) error {
	return s.db.Delete(ctx, spillPrefix+id)
}

// Clear removes every spilled variant. Used when a pool starts so blobs
// from a previous process, whose base snapshots are gone, do not linger.
func (s *BadgerSpill) Clear() error {
	return s.db.DropPrefix(spillPrefix)
}
