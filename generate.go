// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "math/rand"

// SamplingStrategy defines how to pick the next token from logit scores.
// Implementations: GreedySampling, TemperatureSampling.
type SamplingStrategy interface {
	PickToken(logits []float32) int
}

// GreedySampling always picks the token with the highest logit (argmax).
type GreedySampling struct{}

// PickToken returns the index of the maximum logit.
func (g GreedySampling) PickToken(logits []float32) int {
	idx, _ := argmax(logits)
	return idx
}

// TemperatureSampling scales logits by 1/T then samples from the softmax
// distribution. Higher T = more random, lower T = more greedy. T <= 0
// degrades to greedy decoding.
type TemperatureSampling struct {
	Temperature float32
	Rand        *rand.Rand
}

// PickToken samples a token after temperature scaling.
func (s TemperatureSampling) PickToken(logits []float32) int {
	return sampleFromLogits(logits, s.Temperature, s.Rand)
}

// SampleSequence continues a seed auto-regressively for length tokens and
// returns seed followed by the continuation in a fresh slice; the seed is
// never mutated. It works against any Model. At each step the trailing
// maxContext tokens are fed through the model (no KV cache), the final
// head's last-position logits are sampled, and the new token is appended.
func SampleSequence(m Model, seed TokenSequence, maxContext, length int, temperature float32, rng *rand.Rand) TokenSequence {
	if len(seed) == 0 {
		panic("SampleSequence requires a non-empty seed")
	}
	if maxContext < 1 {
		panic("SampleSequence requires maxContext >= 1")
	}
	var strategy SamplingStrategy = GreedySampling{}
	if temperature > 0 {
		strategy = TemperatureSampling{Temperature: temperature, Rand: rng}
	}

	out := make(TokenSequence, len(seed), len(seed)+length)
	copy(out, seed)
	for i := 0; i < length; i++ {
		window := out
		if len(window) > maxContext {
			window = window[len(window)-maxContext:]
		}
		logits := forwardIDs(m, window)
		// Final head, last position only.
		// Flat offset: (seq_len - 1) * vocab_size
		data := logits[len(logits)-1].DataPtr()
		last := data[(len(window)-1)*NumTokens : len(window)*NumTokens]
		out = append(out, byte(strategy.PickToken(last)))
	}
	return out
}

// softmaxInPlace applies softmax to xs in-place with numerical stability.
//   p_i = exp(x_i - max(x)) / sum(exp(x_j - max(x)))
func softmaxInPlace(xs []float32) {
	if len(xs) == 0 {
		return
	}
	_, maxVal := argmax(xs)
	for i := range xs {
		xs[i] = ExpF32(xs[i] - maxVal)
	}
	normalizeInPlace(xs)
}

// sampleFromProbs samples an index from a discrete probability distribution
// using the inverse CDF method.
func sampleFromProbs(probs []float32, rng *rand.Rand) int {
	r := rng.Float32()
	cum := float32(0)
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// sampleFromLogits applies temperature scaling, softmax, then samples.
//   scaled_i = logit_i / temperature
//   p = softmax(scaled)
//   sample from p
func sampleFromLogits(logits []float32, temperature float32, rng *rand.Rand) int {
	if temperature <= 0 {
		idx, _ := argmax(logits)
		return idx
	}
	scaled := make([]float32, len(logits))
	invTemp := float32(1.0) / temperature
	for i, v := range logits {
		scaled[i] = v * invTemp
	}
	softmaxInPlace(scaled)
	return sampleFromProbs(scaled, rng)
}
