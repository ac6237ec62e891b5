// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math"
	"math/rand"
	"testing"
)

// Cross-entropy of a uniform distribution over the byte vocabulary is
// exactly log(256) nats, which is 8 bits.
func TestCrossEntropyUniform(t *testing.T) {
	logits := Zeros(NewShape(1, 2, NumTokens), F32)
	targets := FromSlice([]float32{13, 200}, NewShape(1, 2))

	loss := CrossEntropy(logits, targets)
	want := float32(math.Log(NumTokens))
	if math.Abs(float64(loss-want)) > 1e-4 {
		t.Errorf("expected %f, got %f", want, loss)
	}
	if LOG2E*float64(loss) < 7.999 || LOG2E*float64(loss) > 8.001 {
		t.Errorf("uniform byte model should cost 8 bits, got %f", LOG2E*float64(loss))
	}
}

// Cross-entropy gradient: each row should sum to ~0 (softmax gradient property),
// and the scale factor must pass through linearly.
func TestCrossEntropyGradRows(t *testing.T) {
	logits := FromSlice(
		[]float32{
			1, 2, 3,
			2, 1, 0,
		},
		NewShape(1, 2, 3),
	)
	targets := FromSlice([]float32{2, 0}, NewShape(1, 2))
	grad := crossEntropyGrad(logits, targets, 1.0)

	if !grad.Shape().Equal(logits.Shape()) {
		t.Fatalf("expected grad shape %v, got %v", logits.Shape(), grad.Shape())
	}

	// Each row of softmax gradient sums to 0: sum(softmax) = 1, minus 1 for target.
	row0 := grad.DataPtr()[:3]
	row1 := grad.DataPtr()[3:6]
	sum0 := row0[0] + row0[1] + row0[2]
	sum1 := row1[0] + row1[1] + row1[2]
	if math.Abs(float64(sum0)) > 1e-4 || math.Abs(float64(sum1)) > 1e-4 {
		t.Fatalf("expected per-row grad sums ~0, got %f and %f", sum0, sum1)
	}

	half := crossEntropyGrad(logits, targets, 0.5)
	for i, g := range grad.DataPtr() {
		if math.Abs(float64(half.DataPtr()[i]-0.5*g)) > 1e-6 {
			t.Fatalf("index %d: scale 0.5 should halve the gradient", i)
		}
	}
}

// With gamma = 0 the combined loss equals the teacher loss exactly, to the
// last bit, and the student gradients vanish.
func TestDistillLossGammaZero(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	teacher := RandnWithStd(NewShape(2, 3, NumTokens), F32, 1.0, rng)
	students := []*Tensor{
		RandnWithStd(NewShape(2, 3, NumTokens), F32, 1.0, rng),
		RandnWithStd(NewShape(2, 3, NumTokens), F32, 1.0, rng),
	}
	targets := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))

	total, teacherLoss, studentLosses := DistillLoss(teacher, targets, students, 0)
	if total != teacherLoss {
		t.Errorf("gamma=0: total %f != teacher %f", total, teacherLoss)
	}
	if len(studentLosses) != 2 {
		t.Fatalf("expected 2 student losses, got %d", len(studentLosses))
	}

	outputs := append(append([]*Tensor(nil), students...), teacher)
	grads := DistillGrads(outputs, targets, 0)
	for k := 0; k < 2; k++ {
		for _, g := range grads[k].DataPtr() {
			if g != 0 {
				t.Fatal("gamma=0: student gradients must be exactly zero")
			}
		}
	}
}

// The combined loss is teacher + gamma * mean(students) and the student
// gradients carry weight gamma / len(students).
func TestDistillLossWeighting(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	teacher := RandnWithStd(NewShape(1, 4, NumTokens), F32, 1.0, rng)
	students := []*Tensor{
		RandnWithStd(NewShape(1, 4, NumTokens), F32, 1.0, rng),
		RandnWithStd(NewShape(1, 4, NumTokens), F32, 1.0, rng),
		RandnWithStd(NewShape(1, 4, NumTokens), F32, 1.0, rng),
	}
	targets := FromSlice([]float32{9, 8, 7, 6}, NewShape(1, 4))

	gamma := float32(0.5)
	total, teacherLoss, studentLosses := DistillLoss(teacher, targets, students, gamma)
	mean := (studentLosses[0] + studentLosses[1] + studentLosses[2]) / 3
	want := teacherLoss + gamma*mean
	if math.Abs(float64(total-want)) > 1e-5 {
		t.Errorf("expected total %f, got %f", want, total)
	}

	outputs := append(append([]*Tensor(nil), students...), teacher)
	weighted := DistillGrads(outputs, targets, gamma)
	unit := DistillGrads(outputs, targets, 0)
	// Teacher gradient is independent of gamma.
	for i, g := range unit[3].DataPtr() {
		if math.Abs(float64(weighted[3].DataPtr()[i]-g)) > 1e-7 {
			t.Fatal("teacher gradient must not depend on gamma")
		}
		_ = i
	}
	// Student gradient scales as gamma/3 relative to a scale-1 CE gradient.
	ref := crossEntropyGrad(students[0], targets, 1.0)
	for i, g := range ref.DataPtr() {
		want := g * gamma / 3
		if math.Abs(float64(weighted[0].DataPtr()[i]-want)) > 1e-7 {
			t.Fatalf("index %d: expected student grad %g, got %g", i, want, weighted[0].DataPtr()[i])
		}
	}
}

// The first observation replaces the +Inf initial state instead of blending,
// and later updates move the average toward the observation without ever
// leaving the [min, max] envelope of what it has seen.
func TestEMAUpdate(t *testing.T) {
	ema := NewEMALosses(3)
	for _, v := range ema {
		if !math.IsInf(v, 1) {
			t.Fatal("expected +Inf initial EMA state")
		}
	}

	first := EMAUpdate(ema[0], 4.5, EMABeta)
	if first != 4.5 {
		t.Errorf("first observation should pass through, got %f", first)
	}

	second := EMAUpdate(first, 2.5, EMABeta)
	if second >= first || second <= 2.5 {
		t.Errorf("expected blend strictly between 2.5 and 4.5, got %f", second)
	}
	want := EMABeta*4.5 + (1-EMABeta)*2.5
	if math.Abs(second-want) > 1e-12 {
		t.Errorf("expected %f, got %f", want, second)
	}
}

// UpdateEMALosses returns fresh state and leaves the old slice untouched.
func TestUpdateEMALossesImmutable(t *testing.T) {
	losses := []float32{5.5, 5.4, 5.3, 5.2}

	ema := NewEMALosses(NumSupervised)
	next := UpdateEMALosses(losses, ema)

	if len(next) != NumSupervised {
		t.Fatalf("expected %d entries, got %d", NumSupervised, len(next))
	}
	for k := range ema {
		if !math.IsInf(ema[k], 1) {
			t.Error("input state must not be mutated")
		}
		if next[k] != float64(losses[k]) {
			t.Errorf("layer %d: first update should equal the observation", k)
		}
	}

	third := UpdateEMALosses(losses, next)
	if third[0] != next[0] {
		t.Error("repeated equal observations must leave the average fixed")
	}
}
