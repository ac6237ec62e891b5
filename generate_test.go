// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math/rand"
	"testing"
)

// The sampler must return seed + continuation in a fresh slice and never
// touch the seed it was handed.
func TestSampleSequencePreservesSeed(t *testing.T) {
	m := NewTiny()
	seed := TokenSequence{10, 20, 30}
	original := append(TokenSequence(nil), seed...)
	rng := rand.New(rand.NewSource(5))

	out := SampleSequence(m, seed, m.Config().Context, 8, 1.0, rng)
	if len(out) != len(seed)+8 {
		t.Fatalf("expected length %d, got %d", len(seed)+8, len(out))
	}
	for i := range seed {
		if out[i] != seed[i] {
			t.Fatalf("index %d: seed not preserved in output", i)
		}
		if seed[i] != original[i] {
			t.Fatalf("index %d: seed slice was mutated", i)
		}
	}
}

// Length 0 asks for no continuation: the result is exactly the seed content,
// in a fresh slice, with no forward pass and no randomness consumed.
func TestSampleSequenceZeroLength(t *testing.T) {
	m := NewTiny()
	seed := TokenSequence{40, 41, 42}
	rng := rand.New(rand.NewSource(3))

	out := SampleSequence(m, seed, m.Config().Context, 0, 1.0, rng)
	if len(out) != len(seed) {
		t.Fatalf("expected length %d, got %d", len(seed), len(out))
	}
	for i := range seed {
		if out[i] != seed[i] {
			t.Fatalf("index %d: expected %d, got %d", i, seed[i], out[i])
		}
	}
	if &out[0] == &seed[0] {
		t.Error("expected a fresh slice, got the seed itself")
	}
}

// Temperature 0 is deterministic argmax decoding: two calls agree without
// consuming any randomness.
func TestSampleSequenceGreedyDeterministic(t *testing.T) {
	m := NewTiny()
	seed := TokenSequence{1, 2, 3}

	a := SampleSequence(m, seed, m.Config().Context, 6, 0, nil)
	b := SampleSequence(m, seed, m.Config().Context, 6, 0, nil)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("index %d: greedy decoding diverged: %d vs %d", i, a[i], b[i])
		}
	}
}

// Equal RNG seeds reproduce the same stochastic sample.
func TestSampleSequenceSeededReproducible(t *testing.T) {
	m := NewTiny()
	seed := TokenSequence{5, 6, 7, 8}

	a := SampleSequence(m, seed, m.Config().Context, 10, 1.0, rand.New(rand.NewSource(123)))
	b := SampleSequence(m, seed, m.Config().Context, 10, 1.0, rand.New(rand.NewSource(123)))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("index %d: equal seeds diverged: %d vs %d", i, a[i], b[i])
		}
	}
}

// Once the sequence outgrows maxContext, only the trailing window feeds the
// model; the call must still extend by exactly the requested length.
func TestSampleSequenceContextWindow(t *testing.T) {
	m := NewTiny()
	seed := make(TokenSequence, m.Config().Context) // already at capacity
	for i := range seed {
		seed[i] = byte(i)
	}

	out := SampleSequence(m, seed, m.Config().Context, 4, 0, nil)
	if len(out) != len(seed)+4 {
		t.Fatalf("expected length %d, got %d", len(seed)+4, len(out))
	}
}

// sampleFromLogits with one dominant logit should essentially always pick it.
func TestSampleFromLogitsDominant(t *testing.T) {
	logits := make([]float32, NumTokens)
	logits[77] = 50 // overwhelming mass after softmax
	rng := rand.New(rand.NewSource(9))

	for trial := 0; trial < 50; trial++ {
		if got := sampleFromLogits(logits, 1.0, rng); got != 77 {
			t.Fatalf("trial %d: expected token 77, got %d", trial, got)
		}
	}
}

func TestSampleFromLogitsZeroTemperature(t *testing.T) {
	logits := []float32{0.1, 3.0, -2.0}
	if got := sampleFromLogits(logits, 0, nil); got != 1 {
		t.Errorf("expected argmax index 1, got %d", got)
	}
}
