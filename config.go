// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "fmt"

// NumTokens is the vocabulary size of the byte-level model. The corpus
// contains raw bytes, so every token ID lies in [0, 256).
const NumTokens = 256

// Attention variant names accepted by Config.AttentionType.
const (
	AttentionDefault = "default" // one KV pair per query head
	AttentionMQA     = "mqa"     // single KV pair shared by all query heads
)

// Config holds the hyperparameters defining a DistGen model architecture.
type Config struct {
	Emb           int    // embedding / hidden width
	Depth         int    // number of transformer blocks (must be divisible by 4)
	NHeads        int    // query heads per attention layer
	Context       int    // maximum sequence length
	FFNDim        int    // feed-forward inner width
	AttentionType string // "default" or "mqa"
	SepLayers     bool   // separate output head per supervised tap (vs one shared)
}

// DefaultConfig returns the full-scale configuration: 768 wide, 12 blocks,
// 8 heads, 128-token context. Matches the dimensions the model is normally
// trained at on enwik8.
func DefaultConfig() Config {
	return Config{
		Emb:           768,
		Depth:         12,
		NHeads:        8,
		Context:       128,
		FFNDim:        4 * 768,
		AttentionType: AttentionDefault,
	}
}

// TinyConfig returns a minimal configuration for tests: 32 wide, 4 blocks,
// 2 heads, short context. Small enough for fast unit tests.
func TinyConfig() Config {
	return Config{
		Emb:           32,
		Depth:         4,
		NHeads:        2,
		Context:       32,
		FFNDim:        64,
		AttentionType: AttentionDefault,
	}
}

// Validate reports whether the configuration describes a constructible model.
func (c Config) Validate() error {
	if c.Emb <= 0 || c.Depth <= 0 || c.NHeads <= 0 || c.Context <= 0 || c.FFNDim <= 0 {
		return fmt.Errorf("%w: all model dimensions must be positive", ErrInvalidArgument)
	}
	if c.Depth%4 != 0 {
		return fmt.Errorf("%w: depth %d not divisible by 4 (one supervised tap per quarter)", ErrInvalidArgument, c.Depth)
	}
	if c.Emb%c.NHeads != 0 {
		return fmt.Errorf("%w: emb %d not divisible by heads %d", ErrInvalidArgument, c.Emb, c.NHeads)
	}
	if (c.Emb/c.NHeads)%2 != 0 {
		return fmt.Errorf("%w: head dim %d must be even for RoPE", ErrInvalidArgument, c.Emb/c.NHeads)
	}
	switch c.AttentionType {
	case AttentionDefault, AttentionMQA:
	default:
		return fmt.Errorf("%w: unknown attention type %q", ErrInvalidArgument, c.AttentionType)
	}
	return nil
}

// HeadDim returns the per-head dimension.
func (c Config) HeadDim() int { return c.Emb / c.NHeads }

// KVHeads returns the number of key/value heads for the configured
// attention variant.
func (c Config) KVHeads() int {
	if c.AttentionType == AttentionMQA {
		return 1
	}
	return c.NHeads
}
