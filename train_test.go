// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math"
	"testing"
)

// One-cycle schedule: starts at LRMin, peaks at LRMax when the ramp ends,
// and anneals back to LRMin by the final step under both decay shapes.
func TestScheduleLREndpoints(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.LRMin = 1e-4
	cfg.LRMax = 1e-3
	cfg.Peak = 0.25
	cfg.TotalSteps = 1000

	for _, anneal := range []string{AnnealCos, AnnealLinear} {
		cfg.Anneal = anneal

		if lr := ScheduleLR(0, cfg); math.Abs(float64(lr-cfg.LRMin)) > 1e-6 {
			t.Errorf("%s: expected LRMin at step 0, got %g", anneal, lr)
		}
		if lr := ScheduleLR(250, cfg); math.Abs(float64(lr-cfg.LRMax)) > 1e-6 {
			t.Errorf("%s: expected LRMax at the peak, got %g", anneal, lr)
		}
		if lr := ScheduleLR(1000, cfg); math.Abs(float64(lr-cfg.LRMin)) > 1e-6 {
			t.Errorf("%s: expected LRMin at the end, got %g", anneal, lr)
		}
		// Past the end the rate stays pinned at LRMin.
		if lr := ScheduleLR(5000, cfg); math.Abs(float64(lr-cfg.LRMin)) > 1e-6 {
			t.Errorf("%s: expected LRMin past the end, got %g", anneal, lr)
		}
	}
}

// The Anneal mode shapes the ramp too: a cosine ramp rises slower than the
// linear one early on, and the two agree at the halfway point.
func TestScheduleLRRampShape(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.LRMin = 1e-4
	cfg.LRMax = 1e-3
	cfg.Peak = 0.5
	cfg.TotalSteps = 1000

	cfg.Anneal = AnnealLinear
	linQuarter := ScheduleLR(125, cfg)
	linHalf := ScheduleLR(250, cfg)

	cfg.Anneal = AnnealCos
	cosQuarter := ScheduleLR(125, cfg)
	cosHalf := ScheduleLR(250, cfg)

	if cosQuarter >= linQuarter {
		t.Errorf("cosine ramp should lag the linear ramp at the quarter point: %g vs %g", cosQuarter, linQuarter)
	}
	// cos(pi/2) = 0 puts both shapes at the midpoint of [min, max].
	if math.Abs(float64(cosHalf-linHalf)) > 1e-6 {
		t.Errorf("ramp shapes should agree halfway: cos %g vs linear %g", cosHalf, linHalf)
	}
	want := cfg.LRMax - 0.5*(cfg.LRMax-cfg.LRMin)*(1.0+CosF32(3.1415927*0.25))
	if cosQuarter != want {
		t.Errorf("expected cosine ramp %g at the quarter point, got %g", want, cosQuarter)
	}
}

// ScheduleLR is a pure function of (step, config).
func TestScheduleLRPure(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.TotalSteps = 500
	for step := 0; step <= 500; step += 50 {
		if a, b := ScheduleLR(step, cfg), ScheduleLR(step, cfg); a != b {
			t.Fatalf("step %d: schedule is not deterministic: %g vs %g", step, a, b)
		}
	}
}

func TestTrainConfigValidate(t *testing.T) {
	good := DefaultTrainConfig()
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := good
	bad.LRMax = good.LRMin / 2
	assertInvalidArgument(t, bad.Validate())

	bad = good
	bad.Anneal = "exp"
	assertInvalidArgument(t, bad.Validate())

	bad = good
	bad.Gamma = -1
	assertInvalidArgument(t, bad.Validate())
}

// Single training step: losses non-negative, step counters advance, and the
// result carries the outcome tag.
func TestTrainStep(t *testing.T) {
	m := NewTiny()
	cfg := DefaultTrainConfig()
	cfg.TotalSteps = 100
	trainer, err := NewTrainer(m, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input, targets := tinyBatch(2, 8)
	res := trainer.TrainStep(input, targets)

	if res.Outcome != StepApplied {
		t.Fatalf("expected StepApplied, got %v", res.Outcome)
	}
	if res.TotalLoss < 0 || res.TeacherLoss < 0 {
		t.Errorf("expected non-negative losses, got total=%f teacher=%f", res.TotalLoss, res.TeacherLoss)
	}
	if len(res.StudentLosses) != NumSupervised-1 {
		t.Errorf("expected %d student losses, got %d", NumSupervised-1, len(res.StudentLosses))
	}
	if trainer.Step() != 1 || trainer.Applied() != 1 {
		t.Errorf("expected step=1 applied=1, got %d and %d", trainer.Step(), trainer.Applied())
	}
}

// Parameters and optimizer moments must survive an overflow step untouched,
// and the loss scale must shrink.
func TestTrainStepSkipsOnOverflow(t *testing.T) {
	m := NewTiny()
	cfg := DefaultTrainConfig()
	cfg.TotalSteps = 100
	trainer, err := NewTrainer(m, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Poison one weight so the forward pass produces non-finite logits and
	// the backward pass overflows.
	params := m.Parameters()
	params[0].DataPtr()[0] = float32(math.Inf(1))
	before := append([]float32(nil), params[1].Data()...)
	scaleBefore := trainer.Scaler().Scale()

	input, targets := tinyBatch(1, 4)
	res := trainer.TrainStep(input, targets)

	if res.Outcome != StepSkippedOverflow {
		t.Fatalf("expected StepSkippedOverflow, got %v", res.Outcome)
	}
	if trainer.Step() != 1 || trainer.Applied() != 0 {
		t.Errorf("expected step=1 applied=0, got %d and %d", trainer.Step(), trainer.Applied())
	}
	after := params[1].Data()
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("parameters changed on a skipped step")
		}
	}
	if trainer.Scaler().Scale() >= scaleBefore {
		t.Errorf("expected loss scale to shrink after overflow, got %g -> %g", scaleBefore, trainer.Scaler().Scale())
	}
}

// The schedule advances on every iteration, including skipped ones: after an
// overflow the next step must report the rate for its own iteration index,
// not a stalled one.
func TestScheduleAdvancesOnSkippedStep(t *testing.T) {
	m := NewTiny()
	cfg := DefaultTrainConfig()
	cfg.TotalSteps = 100
	trainer, err := NewTrainer(m, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	params := m.Parameters()
	orig := params[0].DataPtr()[0]
	params[0].DataPtr()[0] = float32(math.Inf(1))

	input, targets := tinyBatch(1, 4)
	first := trainer.TrainStep(input, targets)
	if first.Outcome != StepSkippedOverflow {
		t.Fatalf("expected StepSkippedOverflow, got %v", first.Outcome)
	}
	if first.LR != ScheduleLR(0, cfg) {
		t.Errorf("iteration 1: expected LR %g, got %g", ScheduleLR(0, cfg), first.LR)
	}

	params[0].DataPtr()[0] = orig
	second := trainer.TrainStep(input, targets)
	if second.Outcome != StepApplied {
		t.Fatalf("expected StepApplied after un-poisoning, got %v", second.Outcome)
	}
	if want := ScheduleLR(1, cfg); second.LR != want {
		t.Errorf("iteration 2: expected LR %g, got %g (schedule stalled)", want, second.LR)
	}
	if ScheduleLR(0, cfg) == ScheduleLR(1, cfg) {
		t.Fatal("schedule steps 0 and 1 must differ for this test to mean anything")
	}
}

func TestLossScaler(t *testing.T) {
	scaler := DynamicLossScaler()

	if scaler.Scale() != 65536.0 {
		t.Errorf("expected init scale 65536, got %f", scaler.Scale())
	}

	scaled := scaler.ScaleLoss(1.0)
	if scaled != 65536.0 {
		t.Errorf("expected scaled loss 65536, got %f", scaled)
	}

	unscaled := scaler.UnscaleGrads(65536.0)
	if unscaled != 1.0 {
		t.Errorf("expected unscaled grad 1.0, got %f", unscaled)
	}

	if scaler.ShouldSkipStep() {
		t.Error("should not skip step initially")
	}

	nan := float32(math.NaN())
	if !scaler.CheckOverflow([]float32{0, nan}) {
		t.Error("expected NaN to register as overflow")
	}
	if !scaler.CheckOverflow([]float32{float32(math.Inf(-1))}) {
		t.Error("expected -Inf to register as overflow")
	}
	if scaler.CheckOverflow([]float32{1, -1, 0}) {
		t.Error("finite gradients must not register as overflow")
	}

	scaler.MarkOverflow()
	scaler.Update()
	if scaler.Scale() != 32768.0 {
		t.Errorf("expected scale halved to 32768 after overflow, got %f", scaler.Scale())
	}
}

func TestStaticLossScalerNeverAdjusts(t *testing.T) {
	scaler := StaticLossScaler(1024)
	scaler.MarkOverflow()
	scaler.Update()
	if scaler.Scale() != 1024 {
		t.Errorf("static scale must not change, got %f", scaler.Scale())
	}
}

// Multiple steps on a fixed batch: the combined loss should trend down,
// demonstrating that gradients flow through all four supervised outputs.
func TestConvergence(t *testing.T) {
	m := NewTiny()
	cfg := DefaultTrainConfig()
	cfg.LRMin = 1e-4
	cfg.LRMax = 3e-3
	cfg.Peak = 0.1
	cfg.TotalSteps = 240
	trainer, err := NewTrainer(m, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input, targets := tinyBatch(2, 8)

	nSteps := 200
	losses := make([]float32, nSteps)
	for i := 0; i < nSteps; i++ {
		res := trainer.TrainStep(input, targets)
		losses[i] = res.TotalLoss
	}

	// Check that average loss decreased from first quarter to last quarter
	// (more robust than single-point comparison).
	quarter := nSteps / 4
	firstQuarterAvg := float32(0)
	lastQuarterAvg := float32(0)
	for i := 0; i < quarter; i++ {
		firstQuarterAvg += losses[i]
		lastQuarterAvg += losses[nSteps-quarter+i]
	}
	firstQuarterAvg /= float32(quarter)
	lastQuarterAvg /= float32(quarter)

	if lastQuarterAvg >= firstQuarterAvg {
		t.Errorf("loss did not decrease: first_quarter_avg=%.6f last_quarter_avg=%.6f",
			firstQuarterAvg, lastQuarterAvg)
	}
}

// countingModel wraps a Model and counts forward passes.
type countingModel struct {
	Model
	forwards int
}

func (c *countingModel) Forward(input *Tensor) []*Tensor {
	c.forwards++
	return c.Model.Forward(input)
}

// The trainer, sampler, and evaluator accept any Model implementation, and
// one training step costs exactly one forward pass.
func TestModelInterface(t *testing.T) {
	counted := &countingModel{Model: NewTiny()}
	cfg := DefaultTrainConfig()
	cfg.TotalSteps = 100
	trainer, err := NewTrainer(counted, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input, targets := tinyBatch(1, 4)
	res := trainer.TrainStep(input, targets)
	if res.Outcome != StepApplied {
		t.Fatalf("expected StepApplied, got %v", res.Outcome)
	}
	if counted.forwards != 1 {
		t.Errorf("expected exactly 1 forward per training step, got %d", counted.forwards)
	}

	seed := TokenSequence{1, 2, 3}
	out := SampleSequence(counted, seed, 8, 2, 0, nil)
	if len(out) != 5 {
		t.Errorf("expected 5 tokens from sampling, got %d", len(out))
	}

	data := make(TokenSequence, 64)
	if _, err := Compression(counted, data, 8, 2); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// tinyBatch builds a deterministic [batch, seqLen] input/target pair with
// the one-position shift the model trains on.
func tinyBatch(batch, seqLen int) (input, targets *Tensor) {
	inputData := make([]float32, batch*seqLen)
	targetData := make([]float32, batch*seqLen)
	for i := range inputData {
		inputData[i] = float32(i % NumTokens)
		targetData[i] = float32((i + 1) % NumTokens)
	}
	input = FromSlice(inputData, NewShape(batch, seqLen))
	targets = FromSlice(targetData, NewShape(batch, seqLen))
	return input, targets
}
