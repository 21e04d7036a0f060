package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//   Chapter 6: Deep Feedforward Networks - backpropagation
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// The gradient buffer is allocated on first use, so activations that never
// receive a gradient cost nothing extra.
//
// Tensor is not safe for concurrent use. Replicas that run in parallel share
// data slices read-only and own their gradient buffers.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [rows, cols, ...]
	grad  []float64 // Gradient for backpropagation (lazy)
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully.
func NewTensor(shape ...int) *Tensor {
	size := checkedSize(shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
	}
}

// NewTensorFrom wraps data (not copied) in a tensor of the given shape.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	size := checkedSize(shape)
	if size != len(data) {
		panic(fmt.Sprintf("tensor: %d values cannot fill shape %v", len(data), shape))
	}
	return &Tensor{
		data:  data,
		shape: append([]int(nil), shape...),
	}
}

// NewTensorNormal creates a tensor with values drawn from N(0, std²).
func NewTensorNormal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * std
	}
	return t
}

// NewTensorUniform creates a tensor with values drawn from U(-limit, limit).
func NewTensorUniform(rng *rand.Rand, limit float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = (2*rng.Float64() - 1) * limit
	}
	return t
}

func checkedSize(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	return size
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data exposes the underlying storage.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad returns the gradient buffer, allocating it if needed.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// Row returns row i of a 2D tensor as a slice sharing storage.
func (t *Tensor) Row(i int) []float64 {
	cols := t.shape[len(t.shape)-1]
	return t.data[i*cols : (i+1)*cols]
}

// ZeroGrad clears the gradient buffer. Call before a backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds g into the gradient buffer.
func (t *Tensor) AccumulateGrad(g []float64) {
	if len(g) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot accumulate %d grads into %v", len(g), t.shape))
	}
	floats.Add(t.Grad(), g)
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	if t.grad != nil {
		clone.grad = append([]float64(nil), t.grad...)
	}
	return clone
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	out := a.Clone()
	out.grad = nil
	floats.Add(out.data, b.data)
	return out
}

// AddInPlace adds b into a.
func AddInPlace(a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	floats.Add(a.data, b.data)
}

// dense views a 2D tensor as a gonum matrix without copying.
func (t *Tensor) dense() *mat.Dense {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: matrix view requires 2D tensor, got %v", t.shape))
	}
	return mat.NewDense(t.shape[0], t.shape[1], t.data)
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// The heavy lifting is gonum's GEMM, which blocks and parallelises
// internally.
func MatMul(a, b *Tensor) *Tensor {
	if a.shape[1] != b.shape[0] {
		panic(fmt.Sprintf("tensor: cannot multiply %v by %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape[0], b.shape[1])
	out.dense().Mul(a.dense(), b.dense())
	return out
}

// MatMulTransB computes A @ Bᵀ. A is (M, K), B is (N, K).
func MatMulTransB(a, b *Tensor) *Tensor {
	if a.shape[1] != b.shape[1] {
		panic(fmt.Sprintf("tensor: cannot multiply %v by %vᵀ", a.shape, b.shape))
	}
	out := NewTensor(a.shape[0], b.shape[0])
	out.dense().Mul(a.dense(), b.dense().T())
	return out
}

// MatMulTransA computes Aᵀ @ B. A is (K, M), B is (K, N).
func MatMulTransA(a, b *Tensor) *Tensor {
	if a.shape[0] != b.shape[0] {
		panic(fmt.Sprintf("tensor: cannot multiply %vᵀ by %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape[1], b.shape[1])
	out.dense().Mul(a.dense().T(), b.dense())
	return out
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Max(0, v)
	}
	return out
}

// Softmax applies a row-wise softmax to a 2D tensor.
//
// Numerically stable version: subtract the row max before exp.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}
	out := x.Clone()
	out.grad = nil
	for r := 0; r < x.shape[0]; r++ {
		softmaxInPlace(out.Row(r))
	}
	return out
}

func softmaxInPlace(row []float64) {
	maxVal := floats.Max(row)
	sum := 0.0
	for i, v := range row {
		e := math.Exp(v - maxVal)
		row[i] = e
		sum += e
	}
	floats.Scale(1/sum, row)
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
