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
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AleutianAI/modelgraph/services/modelgraph/graph"
)

// The encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// encodeState serializes overrides for the warm and cold tiers.
func encodeState(st graph.OverlayState) ([]byte, error) {
	raw, err := msgpack.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// decodeState reverses encodeState.
func decodeState(blob []byte) (graph.OverlayState, error) {
	var st graph.OverlayState
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return st, fmt.Errorf("decompress overlay: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("decode overlay: %w", err)
	}
	return st, nil
}
