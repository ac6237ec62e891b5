// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math/rand"
	"testing"
)

// Every target row must be its input row shifted by one position, and every
// window must come entirely from the source sequence.
func TestSampleBatchShiftProperty(t *testing.T) {
	source := make(TokenSequence, 1000)
	for i := range source {
		source[i] = byte(i % NumTokens)
	}
	rng := rand.New(rand.NewSource(7))

	inputs, targets, err := SampleBatch(rng, source, 10, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inputs.Shape().Equal(NewShape(4, 10)) || !targets.Shape().Equal(NewShape(4, 10)) {
		t.Fatalf("unexpected shapes: %v, %v", inputs.Shape(), targets.Shape())
	}

	in, tg := inputs.DataPtr(), targets.DataPtr()
	for r := 0; r < 4; r++ {
		row := r * 10
		// The source here is i mod 256, so the shift is checkable without
		// knowing the start offset.
		for c := 0; c < 10; c++ {
			want := byte((int(in[row+c]) + 1) % NumTokens)
			if byte(tg[row+c]) != want {
				t.Fatalf("row %d col %d: input %v targets %v, want shift by one", r, c, in[row+c], tg[row+c])
			}
		}
	}
}

// Start offsets must leave room for the shifted target: with a length-1000
// source and length-10 windows, the last admissible start is 988.
func TestSampleBatchStartBounds(t *testing.T) {
	source := make(TokenSequence, 1000)
	for i := range source {
		source[i] = byte(i / 4) // distinct enough to recover the offset
	}
	rng := rand.New(rand.NewSource(99))

	for trial := 0; trial < 200; trial++ {
		inputs, _, err := SampleBatch(rng, source, 10, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		first := int(inputs.DataPtr()[0])
		// first = source[start] = start/4, so start <= 988 means first <= 247.
		if first > 988/4 {
			t.Fatalf("window started past the admissible range: first byte %d", first)
		}
	}
}

func TestSampleBatchRejectsBadArguments(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	source := make(TokenSequence, 16)

	_, _, err := SampleBatch(rng, source, 0, 1)
	assertInvalidArgument(t, err)

	_, _, err = SampleBatch(rng, source, 16, 1) // window+target exceeds source
	assertInvalidArgument(t, err)

	_, _, err = SampleBatch(rng, source, 4, 0)
	assertInvalidArgument(t, err)
}

// Equal seeds must reproduce the exact same batch.
func TestSampleBatchDeterministic(t *testing.T) {
	source := make(TokenSequence, 512)
	for i := range source {
		source[i] = byte(i * 31)
	}

	a, _, err := SampleBatch(rand.New(rand.NewSource(42)), source, 8, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _, err := SampleBatch(rand.New(rand.NewSource(42)), source, 8, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ad, bd := a.DataPtr(), b.DataPtr()
	for i := range ad {
		if ad[i] != bd[i] {
			t.Fatalf("index %d: %f != %f with equal seeds", i, ad[i], bd[i])
		}
	}
}
