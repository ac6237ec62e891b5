// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "fmt"

// Compression measures how well the model's final head compresses data, in
// bits per byte: the mean next-token negative log-likelihood over the whole
// corpus, converted from nats.
//
// The corpus is cut into non-overlapping windows of context+1 bytes; each
// window yields context prediction targets. Full windows are evaluated in
// batches of up to batchSize; a shorter tail window runs on its own, and a
// tail of fewer than 2 bytes predicts nothing and is dropped. The result
// depends only on the windowing, never on batchSize. Works against any Model.
func Compression(m Model, data TokenSequence, context, batchSize int) (float64, error) {
	if context < 1 {
		return 0, fmt.Errorf("%w: context must be >= 1, got %d", ErrInvalidArgument, context)
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("%w: batchSize must be >= 1, got %d", ErrInvalidArgument, batchSize)
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 bytes to evaluate, got %d", ErrExhaustedData, len(data))
	}

	totalNats := float64(0)
	totalTokens := 0
	windowBytes := context + 1

	batch := make([]TokenSequence, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		nats, n := windowNLL(m, batch, context)
		totalNats += nats
		totalTokens += n
		batch = batch[:0]
	}

	for start := 0; start+1 < len(data); start += context {
		end := start + windowBytes
		if end > len(data) {
			// Short tail window: evaluated alone since its sequence
			// length differs from the full windows.
			flush()
			tail := data[start:]
			nats, n := windowNLL(m, []TokenSequence{tail}, len(tail)-1)
			totalNats += nats
			totalTokens += n
			break
		}
		batch = append(batch, data[start:end])
		if len(batch) == batchSize {
			flush()
		}
	}
	flush()

	return totalNats / float64(totalTokens) * LOG2E, nil
}

// windowNLL runs one forward pass over equally sized windows and returns the
// summed next-token negative log-likelihood of the final head, in nats,
// along with the number of predictions it covers. Each window holds seqLen+1
// bytes: positions [0, seqLen) are inputs, positions [1, seqLen] targets.
func windowNLL(m Model, windows []TokenSequence, seqLen int) (float64, int) {
	batch := len(windows)
	inputs := make([]float32, batch*seqLen)
	targets := make([]float32, batch*seqLen)
	for b, w := range windows {
		for s := 0; s < seqLen; s++ {
			inputs[b*seqLen+s] = float32(w[s])
			targets[b*seqLen+s] = float32(w[s+1])
		}
	}
	in := FromSliceNoCopy(inputs, NewShape(batch, seqLen))
	tg := FromSliceNoCopy(targets, NewShape(batch, seqLen))

	outputs := m.Forward(in)
	final := outputs[len(outputs)-1]
	n := batch * seqLen
	return float64(CrossEntropy(final, tg)) * float64(n), n
}
