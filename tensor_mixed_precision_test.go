package main

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===========================================================================
// MIXED PRECISION TESTS
// ===========================================================================
//
// Coverage:
// 1. Float32 ↔ Float16 conversion accuracy and special values
// 2. White list merging and in-place casting
// 3. Dynamic loss scaling
// 4. Unscale + overflow detection
// 5. A scaled backward pass that overflows under float16
//
// ===========================================================================

// TestFloat16Conversion tests basic float32 to float16 conversion.
func TestFloat16Conversion(t *testing.T) {
	testCases := []struct {
		name      string
		input     float32
		expected  float32
		tolerance float32
	}{
		{"Zero", 0.0, 0.0, 0.0},
		{"One", 1.0, 1.0, 0.0},
		{"MinusOne", -1.0, -1.0, 0.0},
		{"Small", 0.0001, 0.0001, 0.00001},
		{"Large", 1000.0, 1000.0, 0.1},
		{"MaxFloat16", 65504.0, 65504.0, 1.0},
		{"Pi", 3.14159, 3.14159, 0.002},
		{"E", 2.71828, 2.71828, 0.002},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := Float16ToFloat32(Float32ToFloat16(tc.input))
			assert.InDelta(t, tc.expected, result, float64(tc.tolerance))
		})
	}
}

// TestFloat16SpecialValues tests handling of special float values.
func TestFloat16SpecialValues(t *testing.T) {
	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(float32(math.Inf(1))))), 1))
	assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(float32(math.Inf(-1))))), -1))
	assert.True(t, math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))))
}

// TestFloat16Overflow tests that values past the float16 range become Inf.
func TestFloat16Overflow(t *testing.T) {
	for _, input := range []float32{65520.0, 70000.0, 100000.0, 1e10} {
		assert.True(t, math.IsInf(float64(Float16ToFloat32(Float32ToFloat16(input))), 1), "%v", input)
		assert.True(t, math.IsInf(RoundFloat16(-float64(input)), -1), "%v", -input)
	}
	assert.Equal(t, 65504.0, RoundFloat16(65519), "below the halfway point to 2^16")
	assert.Equal(t, Float16(0x7BFF), Float32ToFloat16(65504))
}

// TestFloat16Underflow tests the subnormal range and underflow to zero.
func TestFloat16Underflow(t *testing.T) {
	for _, input := range []float32{1e-8, 1e-10} {
		assert.Zero(t, Float16ToFloat32(Float32ToFloat16(input)), "%v", input)
	}

	smallest := math.Ldexp(1, -24)
	assert.Equal(t, Float16(1), Float32ToFloat16(float32(smallest)))
	assert.Equal(t, smallest, RoundFloat16(smallest))
	assert.Equal(t, -smallest, RoundFloat16(-smallest))
	assert.Zero(t, RoundFloat16(smallest/2), "tie rounds to even zero")
	assert.Equal(t, smallest, RoundFloat16(smallest*0.75))

	assert.InDelta(t, 1e-6, RoundFloat16(1e-6), smallest/2)
	assert.Equal(t, 17*smallest, RoundFloat16(1e-6))

	// Largest subnormal rounds up into the smallest normal.
	assert.Equal(t, Float16(0x0400), Float32ToFloat16(float32(math.Ldexp(1, -14)-smallest/4)))
	assert.Equal(t, math.Ldexp(1, -14), RoundFloat16(math.Ldexp(1, -14)))
}

// TestFloat16RoundsToNearestEven tests rounding at the mantissa boundary.
func TestFloat16RoundsToNearestEven(t *testing.T) {
	ulp := math.Ldexp(1, -10)
	assert.Equal(t, 1.0, RoundFloat16(1+ulp/2), "tie to even keeps 1")
	assert.Equal(t, 1+2*ulp, RoundFloat16(1+3*ulp/2), "tie to even rounds up")
	assert.Equal(t, 1+ulp, RoundFloat16(1+0.6*ulp))
	assert.Equal(t, 1.0, RoundFloat16(1+0.4*ulp))
	assert.Equal(t, 2.0, RoundFloat16(2-ulp/4), "carry into the exponent")
}

// TestFloat16Precision tests that float16 keeps ~3 decimal digits.
func TestFloat16Precision(t *testing.T) {
	for _, input := range []float32{1.0, 2.0, 3.14159, 10.0, 100.0, 1000.0, 10000.0} {
		result := Float16ToFloat32(Float32ToFloat16(input))
		relativeError := math.Abs(float64(result-input)) / float64(input)
		assert.LessOrEqual(t, relativeError, 0.001, "%v -> %v", input, result)
	}
}

func TestAMPWhiteList(t *testing.T) {
	cfg := NewAMPConfig(true, 128, []string{"softmax", "layer_norm", "gelu", "matmul"})
	list := cfg.WhiteList()
	sort.Strings(list)
	assert.Equal(t, []string{"gelu", "layer_norm", "matmul", "mul", "softmax"}, list)

	assert.True(t, cfg.IsWhite("softmax"))
	assert.False(t, cfg.IsWhite("relu"))
	assert.False(t, NewAMPConfig(false, 128, nil).IsWhite("matmul"), "disabled AMP casts nothing")

	var nilCfg *AMPConfig
	assert.False(t, nilCfg.IsWhite("matmul"))
}

func TestAMPCast(t *testing.T) {
	cfg := NewAMPConfig(true, 1, nil)
	x := NewTensorFrom([]float64{1.0001, 70000, 3.14159}, 1, 3)

	cfg.Cast("relu", x)
	assert.Equal(t, 1.0001, x.Row(0)[0], "black-listed op stays float64")

	cfg.Cast("matmul", x)
	assert.Equal(t, 1.0, x.Row(0)[0])
	assert.True(t, math.IsInf(x.Row(0)[1], 1))
	assert.InDelta(t, 3.14159, x.Row(0)[2], 0.002)
}

func TestLossScalerDynamic(t *testing.T) {
	cfg := NewAMPConfig(true, 1024, nil)
	cfg.IncrEveryNSteps = 3
	s := NewLossScaler(cfg)
	require.Equal(t, 1024.0, s.Scale())

	// Two overflows in a row shrink the scale by decr_ratio.
	s.Update(true)
	assert.Equal(t, 1024.0, s.Scale())
	s.Update(true)
	assert.InDelta(t, 1024*0.8, s.Scale(), 1e-9)

	// A clean step resets the overflow counter.
	s.Update(true)
	s.Update(false)
	s.Update(true)
	assert.InDelta(t, 1024*0.8, s.Scale(), 1e-9)

	// incr_every_n_steps clean steps grow it by incr_ratio.
	s.Update(false)
	s.Update(false)
	s.Update(false)
	assert.InDelta(t, 1024*0.8*2, s.Scale(), 1e-9)
}

func TestLossScalerFloor(t *testing.T) {
	s := NewLossScaler(NewAMPConfig(true, 1, nil))
	for i := 0; i < 10; i++ {
		s.Update(true)
	}
	assert.Equal(t, 1.0, s.Scale(), "scale never drops below 1")
}

func TestLossScalerDisabled(t *testing.T) {
	s := NewLossScaler(NewAMPConfig(false, 1024, nil))
	assert.Equal(t, 1.0, s.Scale())
	s.Update(true)
	s.Update(true)
	assert.Equal(t, 1.0, s.Scale())
}

func TestLossScalerStateRoundTrip(t *testing.T) {
	s := NewLossScaler(NewAMPConfig(true, 64, nil))
	s.Update(true)
	s.Update(false)
	s.Update(false)

	restored := NewLossScaler(NewAMPConfig(true, 1, nil))
	restored.restore(s.state())
	assert.Equal(t, s.state(), restored.state())
}

// TestCheckOverflow tests unscaling and Inf/NaN detection.
func TestCheckOverflow(t *testing.T) {
	a, b := NewTensor(1, 2), NewTensor(1, 2)
	a.AccumulateGrad([]float64{8, -16})
	b.AccumulateGrad([]float64{4, 0})

	assert.False(t, CheckFiniteAndUnscale([]*Tensor{a, b}, 8))
	assert.Equal(t, []float64{1, -2}, a.Grad())
	assert.Equal(t, []float64{0.5, 0}, b.Grad())

	b.Grad()[1] = math.NaN()
	assert.True(t, CheckFiniteAndUnscale([]*Tensor{a, b}, 1))

	b.Grad()[1] = math.Inf(-1)
	assert.True(t, CheckFiniteAndUnscale([]*Tensor{a, b}, 1))

	// Parameters that never received a gradient are ignored.
	assert.False(t, CheckFiniteAndUnscale([]*Tensor{NewTensor(2, 2)}, 4))
}

// TestScaledBackwardOverflows runs the model with float16 GEMMs and a loss
// scale far past the float16 range: the gradients must overflow.
func TestScaledBackwardOverflows(t *testing.T) {
	cfg := tinyTransformerConfig(true)
	model := NewTransformer(cfg, rand.New(rand.NewSource(1)))
	criterion := NewCrossEntropyCriterion(0.1, cfg.BosID)
	fc := &forwardContext{amp: NewAMPConfig(true, 1e9, []string{"softmax", "layer_norm"})}

	lbl := []int{5, 1}
	logits, cache := model.Forward(fc, []int{3, 4, 1}, []int{0, 5})
	_, probs := criterion.Forward(logits, lbl)
	model.Backward(cache, criterion.Backward(probs, lbl, 1e9))

	assert.True(t, CheckFiniteAndUnscale(model.Parameters(), 1e9))
}
