// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

// BLAS bridge for all matrix multiplication in the package.
//
// Delegates to gonum's native float32 Sgemm (gonum.org/v1/gonum/blas/gonum),
// which blocks and parallelizes internally. Pure Go, no CGO, so the trainer
// builds and runs identically on every platform. The wrapper signatures
// mirror cblas_sgemm so call sites read like standard BLAS.

import (
	"gonum.org/v1/gonum/blas"
	blasimpl "gonum.org/v1/gonum/blas/gonum"
)

var blasF32 blasimpl.Implementation

// sgemm computes C = alpha*A@B + beta*C.
// A: [m, k] row-major, B: [k, n] row-major, C: [m, n] row-major.
//
// The early return on zero dimensions keeps degenerate shapes (empty batch,
// zero-width projection) from reaching the BLAS parameter checks.
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blasF32.Sgemm(blas.NoTrans, blas.NoTrans, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

// sgemmTransA computes C = alpha*A^T@B + beta*C without materializing A^T.
// A: [k, m] row-major, B: [k, n] row-major, C: [m, n] row-major.
//
// Used by Linear.Backward for dW = gradOutput^T @ input.
func sgemmTransA(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blasF32.Sgemm(blas.Trans, blas.NoTrans, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

// sgemmTransB computes C = alpha*A@B^T + beta*C without materializing B^T.
// A: [m, k] row-major, B: [n, k] row-major, C: [m, n] row-major.
//
// Used by Linear.Forward (weight stored as [out, in], need input @ weight^T).
func sgemmTransB(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	blasF32.Sgemm(blas.NoTrans, blas.Trans, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

// sgemmRaw is a direct Sgemm wrapper with explicit trans flags and leading
// dimensions. Use for strided views where the matrix is not contiguous in
// memory, e.g. a per-head [seq, headDim] slice of a
// [batch, seq, nHeads, headDim] array: the leading dimension is then
// nHeads*headDim, the stride between rows.
func sgemmRaw(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 || k == 0 {
		return
	}
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	blasF32.Sgemm(tA, tB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}
