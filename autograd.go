package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward primitives for the handful of ops the Transformer uses. There is
// no tape: each layer keeps the activations it needs in a cache during the
// forward pass and calls these helpers in reverse order.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and L = g(y)
// Backward: ∂L/∂x = ∂L/∂y · ∂y/∂x
//
// Matrix multiplication, C = A @ B:
//   - ∂L/∂A = ∂L/∂C @ Bᵀ
//   - ∂L/∂B = Aᵀ @ ∂L/∂C
//
// Row softmax, p = softmax(s):
//   - ∂L/∂s = p ⊙ (∂L/∂p - Σ_j (∂L/∂p)_j p_j)
//
// Parameter gradients are always ACCUMULATED (+=) into Tensor.grad, since a
// parameter such as a shared embedding is used several times per example.
//
// ===========================================================================

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// MatMulBackward computes gradients for C = A @ B.
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	return MatMulTransB(gradC, b), MatMulTransA(a, gradC)
}

// SoftmaxBackward computes ∂L/∂s for row-wise p = softmax(s).
func SoftmaxBackward(p, gradP *Tensor) *Tensor {
	out := NewTensor(p.shape...)
	for r := 0; r < p.shape[0]; r++ {
		pr, gr, or := p.Row(r), gradP.Row(r), out.Row(r)
		dot := floats.Dot(pr, gr)
		for i := range or {
			or[i] = pr[i] * (gr[i] - dot)
		}
	}
	return out
}

// ReLUBackward masks gradY where the pre-activation x was not positive.
func ReLUBackward(x, gradY *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = gradY.data[i]
		}
	}
	return out
}

// dropoutMask returns an inverted-dropout mask of the given size: each entry
// is 0 with probability p and 1/(1-p) otherwise. Returns nil when dropout is
// a no-op.
func dropoutMask(rng *rand.Rand, size int, p float64) []float64 {
	if p <= 0 || rng == nil {
		return nil
	}
	keep := 1 - p
	mask := make([]float64, size)
	for i := range mask {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	return mask
}

// applyMask multiplies t by mask in place. A nil mask leaves t untouched.
func applyMask(t *Tensor, mask []float64) *Tensor {
	if mask != nil {
		floats.Mul(t.data, mask)
	}
	return t
}

// maskedCopy returns grad ⊙ mask as a new tensor (grad itself when mask is nil).
func maskedCopy(grad *Tensor, mask []float64) *Tensor {
	if mask == nil {
		return grad
	}
	out := grad.Clone()
	out.grad = nil
	floats.Mul(out.data, mask)
	return out
}

// addBiasRows adds bias (1, N) to every row of x (M, N) in place.
func addBiasRows(x, bias *Tensor) {
	for r := 0; r < x.shape[0]; r++ {
		floats.Add(x.Row(r), bias.data)
	}
}

// accumulateColumnSums adds Σ_rows gradY into bias.grad.
func accumulateColumnSums(bias, gradY *Tensor) {
	g := bias.Grad()
	for r := 0; r < gradY.shape[0]; r++ {
		floats.Add(g, gradY.Row(r))
	}
}

// LayerNormBackward computes gradients for y = γ·x̂ + β with x̂ = (x-μ)/σ.
//
// xhat holds the normalised input and invStd the per-row 1/σ from the
// forward pass. Parameter gradients are accumulated into gamma and beta.
func LayerNormBackward(xhat *Tensor, invStd []float64, gamma, beta, gradY *Tensor) *Tensor {
	rows, n := xhat.shape[0], xhat.shape[1]
	gradX := NewTensor(rows, n)
	gGamma, gBeta := gamma.Grad(), beta.Grad()
	dxhat := make([]float64, n)

	for r := 0; r < rows; r++ {
		xr, gy, gx := xhat.Row(r), gradY.Row(r), gradX.Row(r)

		var sumD, sumDX float64
		for i := 0; i < n; i++ {
			gGamma[i] += gy[i] * xr[i]
			gBeta[i] += gy[i]
			dxhat[i] = gy[i] * gamma.data[i]
			sumD += dxhat[i]
			sumDX += dxhat[i] * xr[i]
		}

		scale := invStd[r] / float64(n)
		for i := 0; i < n; i++ {
			gx[i] = scale * (float64(n)*dxhat[i] - sumD - xr[i]*sumDX)
		}
	}
	return gradX
}

// isFinite reports whether every element is neither Inf nor NaN.
func isFinite(values []float64) bool {
	for _, v := range values {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return false
		}
	}
	return true
}
