// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func tinyLoopConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.Model = TinyConfig()
	cfg.Train.TotalSteps = 6
	cfg.NumBatches = 6
	cfg.BatchSize = 2
	cfg.Context = 16
	cfg.TestEvery = 3
	cfg.TestSubset = 64
	cfg.TestBatchSize = 2
	cfg.SampleLength = 8
	return cfg
}

func loopSplits(n int) (train, valid, test TokenSequence) {
	data := make(TokenSequence, 3*n)
	for i := range data {
		data[i] = byte(i * 5)
	}
	return data[:n], data[n : 2*n], data[2*n:]
}

// A short end-to-end run: metrics keyed by instances seen, a final
// full-split evaluation, no errors.
func TestTrainingLoopRun(t *testing.T) {
	train, valid, test := loopSplits(256)

	var emitted []int
	var sawBPB, sawFinal bool
	sink := sinkFunc(func(instancesSeen int, fields map[string]float64) error {
		emitted = append(emitted, instancesSeen)
		if _, ok := fields["bpb"]; ok {
			sawBPB = true
		}
		if _, ok := fields["bpb_final"]; ok {
			sawFinal = true
			return nil
		}
		// Every per-step record carries the raw per-layer losses in bits
		// alongside their running averages, from the step's own forward.
		for k := 0; k < NumSupervised; k++ {
			if _, ok := fields[fmt.Sprintf("loss_bits_%d", k)]; !ok {
				t.Errorf("missing per-layer loss for layer %d", k)
			}
			if _, ok := fields[fmt.Sprintf("ema_bits_%d", k)]; !ok {
				t.Errorf("missing EMA loss for layer %d", k)
			}
		}
		if fields["loss_bits_3"] != fields["loss_teacher"] {
			t.Errorf("final-layer loss %g disagrees with the teacher loss %g from the same step",
				fields["loss_bits_3"], fields["loss_teacher"])
		}
		return nil
	})

	cfg := tinyLoopConfig()
	loop, err := NewTrainingLoop(cfg, train, valid, test, rand.New(rand.NewSource(11)), sink, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bpb, err := loop.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bpb <= 0 {
		t.Errorf("expected positive bits per byte, got %f", bpb)
	}
	if loop.InstancesSeen() != cfg.NumBatches*cfg.BatchSize {
		t.Errorf("expected %d instances seen, got %d", cfg.NumBatches*cfg.BatchSize, loop.InstancesSeen())
	}
	// One record per step plus the closing record.
	if len(emitted) != cfg.NumBatches+1 {
		t.Fatalf("expected %d records, got %d", cfg.NumBatches+1, len(emitted))
	}
	for i := 1; i < len(emitted); i++ {
		if emitted[i] < emitted[i-1] {
			t.Fatal("instances_seen must be non-decreasing")
		}
	}
	if !sawBPB || !sawFinal {
		t.Errorf("expected periodic and final compression records, got bpb=%v final=%v", sawBPB, sawFinal)
	}
}

// Two loops with equal configs and equal seeds must agree exactly.
func TestTrainingLoopDeterministic(t *testing.T) {
	train, valid, test := loopSplits(256)
	cfg := tinyLoopConfig()

	run := func() float64 {
		loop, err := NewTrainingLoop(cfg, train, valid, test, rand.New(rand.NewSource(77)), nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		bpb, err := loop.Run()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return bpb
	}

	if a, b := run(), run(); a != b {
		t.Errorf("equal seeds diverged: %v vs %v", a, b)
	}
}

// A failing sink must not stop training.
func TestTrainingLoopSurvivesSinkFailure(t *testing.T) {
	train, valid, test := loopSplits(256)
	sink := sinkFunc(func(int, map[string]float64) error {
		return ErrSinkUnavailable
	})

	logged := 0
	logf := func(string, ...any) { logged++ }

	loop, err := NewTrainingLoop(tinyLoopConfig(), train, valid, test, rand.New(rand.NewSource(3)), sink, logf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := loop.Run(); err != nil {
		t.Fatalf("sink failure leaked out of Run: %v", err)
	}
	if logged == 0 {
		t.Error("expected the sink failure to be logged")
	}
}

func TestTrainingLoopValidation(t *testing.T) {
	train, valid, test := loopSplits(256)
	rng := rand.New(rand.NewSource(1))

	cfg := tinyLoopConfig()
	cfg.Context = cfg.Model.Context + 1
	_, err := NewTrainingLoop(cfg, train, valid, test, rng, nil, nil)
	assertInvalidArgument(t, err)

	cfg = tinyLoopConfig()
	_, err = NewTrainingLoop(cfg, train[:4], valid, test, rng, nil, nil)
	if !errors.Is(err, ErrExhaustedData) {
		t.Errorf("expected ErrExhaustedData for a short training split, got %v", err)
	}
}

// With Final set, valid joins the training data and test becomes the
// held-out split.
func TestTrainingLoopFinalSplit(t *testing.T) {
	train, valid, test := loopSplits(256)
	cfg := tinyLoopConfig()
	cfg.Final = true

	loop, err := NewTrainingLoop(cfg, train, valid, test, rand.New(rand.NewSource(8)), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loop.trainData) != len(train)+len(valid) {
		t.Errorf("expected joined training data of %d bytes, got %d", len(train)+len(valid), len(loop.trainData))
	}
	if &loop.heldOut[0] != &test[0] {
		t.Error("expected test to be the held-out split")
	}
}

// Control bytes are clamped up to space; everything else, including bytes
// above ASCII, passes through untouched.
func TestFormatSample(t *testing.T) {
	seed := TokenSequence{'h', 'i', '\n'}
	continuation := TokenSequence{0x01, 'a', 0xc3}
	got := formatSample(seed, continuation)
	want := "[hi ] a\xc3"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

// sinkFunc adapts a function to the Sink interface.
type sinkFunc func(instancesSeen int, fields map[string]float64) error

func (f sinkFunc) Emit(instancesSeen int, fields map[string]float64) error {
	return f(instancesSeen, fields)
}

func (sinkFunc) Close() error { return nil }
