// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"fmt"
	"math/rand"
)

// TokenSequence is an immutable ordered sequence of byte-level token IDs in
// [0, NumTokens). The three corpus splits (train/valid/test) are
// TokenSequences owned by the training loop; no component mutates one.
type TokenSequence []byte

// SampleBatch slices a batch of random fixed-length subsequences out of
// source, paired with their one-position-shifted targets:
//
//	inputs[r][c]  = source[start_r + c]
//	targets[r][c] = source[start_r + c + 1]
//
// so the model is asked to predict the next token at every position. Each
// row's start offset is an independent uniform draw from rng in
// [0, len(source)-length-1), which guarantees target access never reads
// past the end of source.
//
// Both returned tensors are [batchSize, length] with float32-encoded token
// IDs, ready for Model.Forward. Returns ErrInvalidArgument if the source is
// too short for the window or batchSize < 1.
func SampleBatch(rng *rand.Rand, source TokenSequence, length, batchSize int) (inputs, targets *Tensor, err error) {
	if length < 1 || length+1 >= len(source) {
		return nil, nil, fmt.Errorf("%w: window %d+1 does not fit in sequence of %d tokens", ErrInvalidArgument, length, len(source))
	}
	if batchSize < 1 {
		return nil, nil, fmt.Errorf("%w: batch size %d < 1", ErrInvalidArgument, batchSize)
	}

	shape := NewShape(batchSize, length)
	inputs, targets = New(shape, F32), New(shape, F32)
	in, tg := inputs.DataPtr(), targets.DataPtr()
	high := len(source) - length - 1
	for r := 0; r < batchSize; r++ {
		start := rng.Intn(high)
		row := r * length
		for c := 0; c < length; c++ {
			in[row+c] = float32(source[start+c])
			tg[row+c] = float32(source[start+c+1])
		}
	}
	return inputs, targets, nil
}
