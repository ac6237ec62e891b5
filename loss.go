// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "math"

// LOG2E converts natural-log losses to base-2: bits = nats * LOG2E.
// Reported losses and the compression metric are in bits, the native unit
// of a byte-level model.
const LOG2E = 1.4426950408889634

// CrossEntropy computes the mean next-token negative log-likelihood over
// all positions.
//
//	L = -(1/N) * sum_{b,s} log(softmax(logits[b,s])[target[b,s]])
//
// Numerically stable via log-sum-exp:
//
//	log(softmax(x)_i) = x_i - max(x) - log(sum(exp(x - max(x))))
func CrossEntropy(logits, targets *Tensor) float32 {
	dims := logits.Shape().DimsRef()
	batch, seqLen, vocabSize := dims[0], dims[1], dims[2]

	logitsData := logits.DataPtr()
	targetsData := targets.DataPtr()

	totalLoss := float32(0)
	numTokens := batch * seqLen

	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			offset := (b*seqLen + s) * vocabSize
			targetIdx := int(targetsData[b*seqLen+s])
			if targetIdx < 0 || targetIdx >= vocabSize {
				panic("target index out of range in CrossEntropy")
			}
			row := logitsData[offset : offset+vocabSize]

			// Numerical stability: subtract max before exp
			_, maxVal := argmax(row)

			sumExp := float32(0)
			for _, logit := range row {
				sumExp += ExpF32(logit - maxVal)
			}
			// log_prob = logit[target] - max - log(sum_exp)
			logProb := row[targetIdx] - maxVal - LogF32(sumExp)
			totalLoss -= logProb
		}
	}

	return totalLoss / float32(numTokens)
}

// crossEntropyGrad computes scale * dL/d(logits) for the mean cross-entropy.
//
//	grad[b, s, v] = scale * (softmax(logits[b,s])[v] - one_hot(target[b,s])[v]) / N
//
// This is the standard softmax gradient (prob - target); scale folds in the
// weight a loss term carries in a combined objective.
func crossEntropyGrad(logits, targets *Tensor, scale float32) *Tensor {
	dims := logits.Shape().DimsRef()
	batch, seqLen, vocabSize := dims[0], dims[1], dims[2]
	numTokens := batch * seqLen

	grad := Zeros(logits.Shape(), F32)
	logitsData := logits.DataPtr()
	targetsData := targets.DataPtr()
	gradData := grad.DataPtr()

	rowBuffer := make([]float32, vocabSize)
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			tokenIdx := b*seqLen + s
			offset := tokenIdx * vocabSize
			targetIdx := int(targetsData[tokenIdx])
			if targetIdx < 0 || targetIdx >= vocabSize {
				panic("target index out of range in crossEntropyGrad")
			}

			copy(rowBuffer, logitsData[offset:offset+vocabSize])
			softmaxInPlace(rowBuffer)
			copy(gradData[offset:offset+vocabSize], rowBuffer)
			// softmax(logits)[target] - 1.0 (the one-hot subtraction)
			gradData[offset+targetIdx] -= 1.0
		}
	}

	factor := scale / float32(numTokens)
	for i := range gradData {
		gradData[i] *= factor
	}
	return grad
}

// DistillLoss combines the final-layer ("teacher") predictive loss with the
// intermediate-layer ("student") losses into one optimization scalar:
//
//	total = teacher + gamma * mean(students)
//
// gamma = 0 recovers plain teacher-only training. Pure function: no state,
// no side effects.
func DistillLoss(teacherLogits, targets *Tensor, studentLogits []*Tensor, gamma float32) (total, teacherLoss float32, studentLosses []float32) {
	teacherLoss = CrossEntropy(teacherLogits, targets)
	studentLosses = make([]float32, len(studentLogits))
	studentMean := float32(0)
	for k, sl := range studentLogits {
		studentLosses[k] = CrossEntropy(sl, targets)
		studentMean += studentLosses[k]
	}
	if len(studentLogits) > 0 {
		studentMean /= float32(len(studentLogits))
	}
	return teacherLoss + gamma*studentMean, teacherLoss, studentLosses
}

// DistillGrads returns one logit-gradient tensor per supervised output for
// the DistillLoss objective, ordered like Model.Forward (students
// shallow-to-deep, teacher last). Student gradients carry the combined
// objective's gamma/len(students) weight; the teacher's carries weight 1.
func DistillGrads(outputs []*Tensor, targets *Tensor, gamma float32) []*Tensor {
	grads := make([]*Tensor, len(outputs))
	nStudents := len(outputs) - 1
	studentScale := float32(0)
	if nStudents > 0 {
		studentScale = gamma / float32(nStudents)
	}
	for k, out := range outputs {
		scale := studentScale
		if k == len(outputs)-1 {
			scale = 1.0
		}
		grads[k] = crossEntropyGrad(out, targets, scale)
	}
	return grads
}

// ---------------------------------------------------------------------------
// EMA loss tracking
// ---------------------------------------------------------------------------

// EMABeta is the default smoothing factor for the per-layer loss averages.
const EMABeta = 0.99

// NewEMALosses returns per-layer EMA state initialized to +Inf. The first
// update replaces +Inf with the observed loss instead of blending, so the
// infinity never propagates into the running average.
func NewEMALosses(n int) []float64 {
	ema := make([]float64, n)
	for i := range ema {
		ema[i] = math.Inf(1)
	}
	return ema
}

// EMAUpdate blends one new observation into a running average:
//
//	new_ema = beta*old + (1-beta)*value
//
// unless old is non-finite, in which case the observation is taken as-is.
func EMAUpdate(old, value, beta float64) float64 {
	if math.IsInf(old, 0) || math.IsNaN(old) {
		return value
	}
	return beta*old + (1-beta)*value
}

// UpdateEMALosses folds one observed loss per supervised output into its
// running average. The losses come straight out of the training step's own
// forward pass (a monitoring signal only, never fed back into gradients).
// Returns the new EMA state; the old state is not mutated.
func UpdateEMALosses(losses []float32, ema []float64) []float64 {
	if len(losses) != len(ema) {
		panic("EMA state length does not match supervised output count")
	}
	newEMA := make([]float64, len(ema))
	for k, loss := range losses {
		newEMA[k] = EMAUpdate(ema[k], float64(loss), EMABeta)
	}
	return newEMA
}
