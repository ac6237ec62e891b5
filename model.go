// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "math/rand"

// NumSupervised is the number of supervised output taps: three intermediate
// ("student") taps at the quarter points of the block stack plus the final
// ("teacher") tap after the last block. Forward returns them shallow-to-deep,
// teacher last.
const NumSupervised = 4

// Model is the interface the training loop, sampler and evaluator drive.
// Forward maps [batch, seq] token IDs to NumSupervised logit tensors of
// shape [batch, seq, NumTokens]; Backward takes one gradient tensor per
// output and propagates them jointly through the trunk.
type Model interface {
	Forward(input *Tensor) []*Tensor
	Backward(gradOutputs []*Tensor) *Tensor
	Parameters() []*Tensor
}

var _ Model = (*DistGen)(nil)

// forwardIDs runs any Model on a single byte sequence (batch 1).
func forwardIDs(m Model, tokens TokenSequence) []*Tensor {
	return m.Forward(FromSlice(idsToF32(tokens), NewShape(1, len(tokens))))
}

// Block is one pre-norm transformer block: causal attention and a SwiGLU
// feed-forward, each wrapped in RMSNorm with a residual connection.
type Block struct {
	attnNorm *RMSNorm
	attn     *Attention
	ffnNorm  *RMSNorm
	ffn      *SwiGLU
}

// NewBlock constructs a transformer block from a model Config.
func NewBlock(cfg Config, rng *rand.Rand) *Block {
	return &Block{
		attnNorm: NewRMSNorm(cfg.Emb, 1e-6),
		attn:     NewAttention(cfg.Emb, cfg.NHeads, cfg.KVHeads(), cfg.HeadDim(), 10000, rng),
		ffnNorm:  NewRMSNorm(cfg.Emb, 1e-6),
		ffn:      NewSwiGLU(cfg.Emb, cfg.FFNDim, rng),
	}
}

// Forward computes x + attn(norm(x)), then x + ffn(norm(x)).
// Input and output: [batch, seq, emb].
func (b *Block) Forward(input *Tensor) *Tensor {
	x := input.Add(b.attn.Forward(b.attnNorm.Forward(input)))
	return x.Add(b.ffn.Forward(b.ffnNorm.Forward(x)))
}

// Backward propagates through both residual branches in reverse order.
// A residual y = x + f(x) gives dx = dy + f'(dy).
func (b *Block) Backward(gradOutput *Tensor) *Tensor {
	g := gradOutput.Add(b.ffnNorm.Backward(b.ffn.Backward(gradOutput)))
	return g.Add(b.attnNorm.Backward(b.attn.Backward(g)))
}

// Parameters returns all trainable parameters in the block.
func (b *Block) Parameters() []*Tensor {
	return concatParams(
		b.attnNorm.Parameters(),
		b.attn.Parameters(),
		b.ffnNorm.Parameters(),
		b.ffn.Parameters(),
	)
}

// outputHead projects trunk activations to vocabulary logits: norm then a
// [emb -> NumTokens] linear. One per tap (SepLayers) or weight-shared.
type outputHead struct {
	norm *RMSNorm
	proj *Linear
}

func newOutputHead(emb int, rng *rand.Rand) *outputHead {
	return &outputHead{
		norm: NewRMSNorm(emb, 1e-6),
		proj: NewLinear(emb, NumTokens, false, rng),
	}
}

func (h *outputHead) Forward(x *Tensor) *Tensor {
	return h.proj.Forward(h.norm.Forward(x))
}

func (h *outputHead) Backward(gradOutput *Tensor) *Tensor {
	return h.norm.Backward(h.proj.Backward(gradOutput))
}

func (h *outputHead) Parameters() []*Tensor {
	return concatParams(h.norm.Parameters(), h.proj.Parameters())
}

// DistGen is a decoder-only transformer with self-distillation taps.
//
// Architecture (pre-norm):
//
//	embedding -> [Block x Depth] -> logits
//
// with an output head tapped after blocks Depth/4, 2*Depth/4, 3*Depth/4
// (students) and after the final block (teacher). The student taps give the
// shallow part of the network its own predictive objective during training;
// at inference only the teacher tap matters.
//
// SepLayers selects whether each tap owns its head weights or all four taps
// share one head. With sharing, the head instances stay distinct (each tap
// needs its own forward cache for backward) but alias the same weight
// tensors, so gradients from every tap accumulate into one set of weights.
type DistGen struct {
	config    Config
	embedding *Embedding
	blocks    []*Block
	heads     [NumSupervised]*outputHead
	tapEvery  int // blocks between taps = Depth/4
}

// NewDistGen constructs the full model from a Config. All weight
// initialization draws from rng, so equal configs and equal seeds build
// bit-identical models.
// Panics if the config is invalid; use cfg.Validate first at API boundaries.
func NewDistGen(cfg Config, rng *rand.Rand) *DistGen {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	blocks := make([]*Block, cfg.Depth)
	for i := range blocks {
		blocks[i] = NewBlock(cfg, rng)
	}
	m := &DistGen{
		config:    cfg,
		embedding: NewEmbedding(NumTokens, cfg.Emb, rng),
		blocks:    blocks,
		tapEvery:  cfg.Depth / NumSupervised,
	}
	for i := range m.heads {
		m.heads[i] = newOutputHead(cfg.Emb, rng)
		if !cfg.SepLayers && i > 0 {
			// Alias the first head's weights: separate caches, shared params.
			m.heads[i].norm.weight = m.heads[0].norm.weight
			m.heads[i].proj.weight = m.heads[0].proj.weight
		}
	}
	return m
}

// NewTiny creates a minimal model for testing, seeded for reproducibility.
func NewTiny() *DistGen { return NewDistGen(TinyConfig(), rand.New(rand.NewSource(1))) }

// Config returns the model's configuration.
func (m *DistGen) Config() Config { return m.config }

// Forward runs the trunk and returns NumSupervised logit tensors, ordered
// shallow-to-deep with the teacher (final) output last.
// Input: [batch, seq_len] of token IDs (as float32).
// Each output: [batch, seq_len, NumTokens].
func (m *DistGen) Forward(input *Tensor) []*Tensor {
	outputs := make([]*Tensor, 0, NumSupervised)
	x := m.embedding.Forward(input)
	for i, blk := range m.blocks {
		x = blk.Forward(x)
		if (i+1)%m.tapEvery == 0 {
			tap := (i+1)/m.tapEvery - 1
			outputs = append(outputs, m.heads[tap].Forward(x))
		}
	}
	return outputs
}

// ForwardIDs is a convenience wrapper for a single byte sequence (batch 1).
func (m *DistGen) ForwardIDs(tokens TokenSequence) []*Tensor {
	return forwardIDs(m, tokens)
}

// Backward propagates one gradient tensor per supervised output jointly
// through the trunk, in reverse block order. At each tap point the head's
// gradient joins the running trunk gradient before the block below it runs.
func (m *DistGen) Backward(gradOutputs []*Tensor) *Tensor {
	if len(gradOutputs) != NumSupervised {
		panic("expected one gradient per supervised output")
	}
	var grad *Tensor
	for i := len(m.blocks) - 1; i >= 0; i-- {
		if (i+1)%m.tapEvery == 0 {
			tap := (i+1)/m.tapEvery - 1
			hg := m.heads[tap].Backward(gradOutputs[tap])
			if grad == nil {
				grad = hg
			} else {
				grad.AddInPlace(hg)
			}
		}
		grad = m.blocks[i].Backward(grad)
	}
	return m.embedding.Backward(grad)
}

// Parameters returns all trainable parameters. With shared output heads only
// the first head contributes, so each weight tensor appears exactly once
// (the optimizer must not update an aliased tensor twice).
func (m *DistGen) Parameters() []*Tensor {
	p := append([]*Tensor(nil), m.embedding.Parameters()...)
	for _, blk := range m.blocks {
		p = append(p, blk.Parameters()...)
	}
	if m.config.SepLayers {
		for _, h := range m.heads {
			p = append(p, h.Parameters()...)
		}
	} else {
		p = append(p, m.heads[0].Parameters()...)
	}
	return p
}

// NumParams returns the total trainable parameter count.
func (m *DistGen) NumParams() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Shape().Numel()
	}
	return total
}

// idsToF32 converts byte token IDs to float32 for use as tensor data.
// Token IDs are stored as float32 in the embedding input tensor because
// the Tensor type only supports []float32 storage.
func idsToF32(ids TokenSequence) []float32 {
	out := make([]float32, len(ids))
	for i, id := range ids {
		out[i] = float32(id)
	}
	return out
}
