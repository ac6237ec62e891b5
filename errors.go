// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import "errors"

// Sentinel errors for the fatal failure categories. Fatal errors are
// surfaced before or at the point of misuse and never retried; wrap with
// fmt.Errorf("...: %w", ...) and test with errors.Is. Non-finite gradients
// are not errors at all: the trainer reports them as StepSkippedOverflow
// and training continues.
var (
	// ErrInvalidArgument marks precondition violations: batch windows longer
	// than the source sequence, malformed model configurations.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrExhaustedData marks a corpus too short for the configured
	// split/window sizes. Detected at startup, before any iteration runs.
	ErrExhaustedData = errors.New("exhausted data")

	// ErrSinkUnavailable marks a metrics sink that cannot accept records.
	// Non-fatal: the training loop logs it once and keeps going.
	ErrSinkUnavailable = errors.New("sink unavailable")
)
