package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	assert.Equal(t, []int{2, 3}, tensor.Shape())
	assert.Equal(t, 6, tensor.Size())

	tensor.Row(0)[0] = 1.5
	tensor.Row(1)[2] = 2.5
	assert.Equal(t, []float64{1.5, 0, 0, 0, 0, 2.5}, tensor.Data(), "rows share storage")
	assert.Equal(t, []float64{0, 0, 2.5}, tensor.Row(1))

	assert.Nil(t, tensor.grad, "gradient is allocated lazily")
	assert.Len(t, tensor.Grad(), 6)
}

func TestTensorInvalidShapePanics(t *testing.T) {
	assert.Panics(t, func() { NewTensor() })
	assert.Panics(t, func() { NewTensor(2, 0) })
	assert.Panics(t, func() { NewTensorFrom([]float64{1, 2, 3}, 2, 2) })
	assert.Panics(t, func() { NewTensor(2, 2).Row(2) })
}

// TestMatMul tests matrix multiplication.
func TestMatMul(t *testing.T) {
	a := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	// C[0,0] = 1*1 + 2*3 + 3*5 = 22
	// C[0,1] = 1*2 + 2*4 + 3*6 = 28
	// C[1,0] = 4*1 + 5*3 + 6*5 = 49
	// C[1,1] = 4*2 + 5*4 + 6*6 = 64
	c := MatMul(a, b)
	assert.Equal(t, []int{2, 2}, c.Shape())
	assert.Equal(t, []float64{22, 28, 49, 64}, c.Data())
}

func TestMatMulTransposedVariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := NewTensorNormal(rng, 1, 3, 4)
	b := NewTensorNormal(rng, 1, 5, 4)
	c := NewTensorNormal(rng, 1, 3, 5)

	assert.InDeltaSlice(t, MatMul(a, transposed(b)).Data(), MatMulTransB(a, b).Data(), 1e-12)
	assert.InDeltaSlice(t, MatMul(transposed(a), c).Data(), MatMulTransA(a, c).Data(), 1e-12)
	assert.Panics(t, func() { MatMul(a, b) })
}

func transposed(a *Tensor) *Tensor {
	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j, v := range a.Row(i) {
			out.Row(j)[i] = v
		}
	}
	return out
}

// TestSoftmax tests the softmax function.
func TestSoftmax(t *testing.T) {
	x := NewTensorFrom([]float64{1, 2, 3, 1000, 1000, 1000}, 2, 3)
	out := Softmax(x)

	for r := 0; r < 2; r++ {
		sum := 0.0
		for _, v := range out.Row(r) {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12, "row %d", r)
	}
	assert.Greater(t, out.Row(0)[2], out.Row(0)[1])
	assert.InDelta(t, 1.0/3, out.Row(1)[0], 1e-12, "large inputs stay finite")
}

// TestReLU tests the ReLU activation.
func TestReLU(t *testing.T) {
	out := ReLU(NewTensorFrom([]float64{-2, -1, 1, 2}, 1, 4))
	assert.Equal(t, []float64{0, 0, 1, 2}, out.Data())
}

func TestAccumulateGrad(t *testing.T) {
	x := NewTensor(2, 2)
	x.AccumulateGrad([]float64{1, 2, 3, 4})
	x.AccumulateGrad([]float64{1, 1, 1, 1})
	assert.Equal(t, []float64{2, 3, 4, 5}, x.Grad())

	clone := x.Clone()
	x.ZeroGrad()
	assert.Equal(t, []float64{0, 0, 0, 0}, x.Grad())
	assert.Equal(t, []float64{2, 3, 4, 5}, clone.Grad(), "clone owns its gradient")

	require.Panics(t, func() { x.AccumulateGrad([]float64{1}) })
}

func TestLayerNormBackwardMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ln := NewLayerNorm(5)
	for i := range ln.Gamma.data {
		ln.Gamma.data[i] = 1 + 0.1*rng.NormFloat64()
		ln.Beta.data[i] = 0.1 * rng.NormFloat64()
	}
	x := NewTensorNormal(rng, 1, 3, 5)
	w := NewTensorNormal(rng, 1, 3, 5) // loss = Σ w ⊙ LN(x)

	fc := &forwardContext{}
	loss := func() float64 {
		y, _ := ln.forward(fc, x)
		s := 0.0
		for i, v := range y.data {
			s += v * w.data[i]
		}
		return s
	}

	_, cache := ln.forward(fc, x)
	dx := ln.backward(cache, w)

	const h = 1e-6
	for i := range x.data {
		orig := x.data[i]
		x.data[i] = orig + h
		up := loss()
		x.data[i] = orig - h
		down := loss()
		x.data[i] = orig
		assert.InDelta(t, (up-down)/(2*h), dx.data[i], 1e-6, "dx[%d]", i)
	}
	assert.False(t, math.IsNaN(ln.Gamma.Grad()[0]))
}
