package main

import (
	"math"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Automatic Mixed Precision (AMP)
// ===========================================================================
//
// Mixed precision runs selected ops in float16 while master weights,
// gradient accumulation and the optimizer stay in full precision.
//
// THE PATTERN:
//
// 1. WHITE LIST: ops that are safe in half precision (GEMMs by default, plus
//    the custom list from the strategy, e.g. softmax and layer_norm) have
//    their outputs rounded to float16. Everything else stays float64.
//
// 2. LOSS SCALING: the gradient of the loss is multiplied by a large factor
//    so small gradients survive float16. White-listed GEMMs in the backward
//    pass are rounded too, so a scale that is too large overflows to Inf.
//
// 3. UNSCALE + CHECK: after the all-reduce, gradients are divided by the
//    scale and checked for Inf/NaN. An overflowing step is skipped.
//
// 4. DYNAMIC SCALING: after incr_every_n_steps clean steps the scale grows
//    by incr_ratio; after decr_every_n_nan_or_inf overflowing steps it
//    shrinks by decr_ratio (never below 1).
//
// We have no half-precision hardware, so "running in float16" means rounding
// through the Float16 codec below. The numerics (range, precision, overflow)
// match; the speed-up obviously does not.
//
// NUMERICAL CONSIDERATIONS:
//
// Float16 range: ±65,504 (overflows easily!)
// Float16 precision: ~3-4 decimal digits
// Float16 minimum normal: 2^-14 ≈ 0.000061 (underflows easily!)
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Mixed Precision Training" by Micikevicius et al. (2018)
//   https://arxiv.org/abs/1710.03740
//
// ===========================================================================

// Float16 represents a 16-bit IEEE 754 half-precision floating point number.
// Go doesn't have native float16, so we store it as uint16 with manual conversion.
//
// Format: 1 sign bit, 5 exponent bits, 10 mantissa bits
type Float16 uint16

// Float32ToFloat16 converts a float32 to float16, rounding to nearest with
// ties to even. Values from 65520 up become ±Inf and values below the
// smallest normal become subnormals or zero.
func Float32ToFloat16(f float32) Float16 {
	if math.IsNaN(float64(f)) {
		return 0x7E00
	}
	if math.IsInf(float64(f), 1) {
		return 0x7C00
	}
	if math.IsInf(float64(f), -1) {
		return 0xFC00
	}

	bits := math.Float32bits(f)
	sign := (bits & 0x80000000) >> 16
	bits &= 0x7FFFFFFF

	// Float32: 1 sign, 8 exponent (bias 127), 23 mantissa
	// Float16: 1 sign, 5 exponent (bias 15), 10 mantissa
	exp := int(bits>>23) - 127 + 15
	mantissa := bits & 0x7FFFFF

	// 2^16 and above cannot be represented.
	if exp >= 0x1F {
		return Float16(sign | 0x7C00)
	}

	if exp <= 0 {
		// Below 2^-25 even the smallest subnormal is more than a tie away.
		if exp < -10 {
			return Float16(sign)
		}
		// Subnormal: the result counts units of 2^-24.
		return Float16(sign | roundShift(mantissa|0x800000, uint(14-exp)))
	}

	// A mantissa carry rolls into the exponent, and out of 0x7BFF into Inf.
	return Float16(sign | roundShift(uint32(exp)<<23|mantissa, 13))
}

// roundShift returns v >> shift rounded to nearest, ties to even.
func roundShift(v uint32, shift uint) uint32 {
	out := v >> shift
	rem := v & (1<<shift - 1)
	half := uint32(1) << (shift - 1)
	if rem > half || (rem == half && out&1 == 1) {
		out++
	}
	return out
}

// Float16ToFloat32 converts a float16 to float32. Every float16 value,
// subnormals included, is exact in float32.
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	mantissa := uint32(h & 0x3FF)

	if exp == 0x1F {
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000)
	}

	if exp == 0 {
		return math.Float32frombits(sign | math.Float32bits(float32(mantissa)*0x1p-24))
	}

	exp32 := (exp - 15 + 127) << 23
	mantissa32 := mantissa << 13

	return math.Float32frombits(sign | exp32 | mantissa32)
}

// RoundFloat16 returns v as it would read back after a float16 store.
func RoundFloat16(v float64) float64 {
	return float64(Float16ToFloat32(Float32ToFloat16(float32(v))))
}

// defaultAMPWhiteList are the ops that always run in half precision when AMP
// is on.
var defaultAMPWhiteList = []string{"matmul", "mul"}

// AMPConfig controls mixed precision behaviour.
type AMPConfig struct {
	// Enabled turns mixed precision on/off.
	Enabled bool

	// InitLossScaling is the starting loss scale.
	InitLossScaling float64

	// CustomWhiteList adds ops to the default half-precision list.
	CustomWhiteList []string

	// Dynamic loss scaling parameters.
	UseDynamicLossScaling bool
	IncrEveryNSteps       int
	DecrEveryNNanOrInf    int
	IncrRatio             float64
	DecrRatio             float64

	whiteList map[string]bool
}

// NewAMPConfig returns an AMP configuration with the framework's dynamic
// scaling defaults.
func NewAMPConfig(enabled bool, initLossScaling float64, customWhiteList []string) *AMPConfig {
	cfg := &AMPConfig{
		Enabled:               enabled,
		InitLossScaling:       initLossScaling,
		CustomWhiteList:       customWhiteList,
		UseDynamicLossScaling: true,
		IncrEveryNSteps:       1000,
		DecrEveryNNanOrInf:    2,
		IncrRatio:             2.0,
		DecrRatio:             0.8,
	}
	cfg.whiteList = lo.SliceToMap(lo.Uniq(append(append([]string{}, defaultAMPWhiteList...), customWhiteList...)),
		func(op string) (string, bool) { return op, true })
	return cfg
}

// IsWhite reports whether op runs in half precision.
func (c *AMPConfig) IsWhite(op string) bool {
	return c != nil && c.Enabled && c.whiteList[op]
}

// WhiteList returns the effective half-precision op list.
func (c *AMPConfig) WhiteList() []string {
	if c == nil {
		return nil
	}
	return lo.Keys(c.whiteList)
}

// Cast rounds t to float16 in place when op is white-listed and returns t.
// A nil config is a no-op.
func (c *AMPConfig) Cast(op string, t *Tensor) *Tensor {
	if !c.IsWhite(op) {
		return t
	}
	for i, v := range t.data {
		t.data[i] = RoundFloat16(v)
	}
	return t
}

// LossScaler tracks the (possibly dynamic) loss scale across steps.
type LossScaler struct {
	cfg       *AMPConfig
	scale     float64
	goodSteps int
	badSteps  int
}

// NewLossScaler creates a scaler. When AMP is off the scale is fixed at 1.
func NewLossScaler(cfg *AMPConfig) *LossScaler {
	scale := 1.0
	if cfg != nil && cfg.Enabled {
		scale = cfg.InitLossScaling
	}
	return &LossScaler{cfg: cfg, scale: scale}
}

// Scale returns the current loss scale.
func (s *LossScaler) Scale() float64 {
	return s.scale
}

// Update adjusts the scale after a step. foundInf reports an overflow.
func (s *LossScaler) Update(foundInf bool) {
	if s.cfg == nil || !s.cfg.Enabled || !s.cfg.UseDynamicLossScaling {
		return
	}

	if foundInf {
		s.goodSteps = 0
		s.badSteps++
		if s.badSteps == s.cfg.DecrEveryNNanOrInf {
			s.scale = math.Max(s.scale*s.cfg.DecrRatio, 1)
			s.badSteps = 0
		}
		return
	}

	s.badSteps = 0
	s.goodSteps++
	if s.goodSteps == s.cfg.IncrEveryNSteps {
		if next := s.scale * s.cfg.IncrRatio; !math.IsInf(next, 0) {
			s.scale = next
		}
		s.goodSteps = 0
	}
}

// lossScalerState is the serialisable part of a LossScaler.
type lossScalerState struct {
	Scale     float64 `json:"scale"`
	GoodSteps int     `json:"good_steps"`
	BadSteps  int     `json:"bad_steps"`
}

func (s *LossScaler) state() lossScalerState {
	return lossScalerState{Scale: s.scale, GoodSteps: s.goodSteps, BadSteps: s.badSteps}
}

func (s *LossScaler) restore(st lossScalerState) {
	s.scale, s.goodSteps, s.badSteps = st.Scale, st.GoodSteps, st.BadSteps
}

// CheckFiniteAndUnscale divides every gradient by scale and reports whether
// any of them was Inf or NaN.
func CheckFiniteAndUnscale(params []*Tensor, scale float64) (foundInf bool) {
	for _, p := range params {
		if !isFinite(p.grad) {
			foundInf = true
		}
		floats.Scale(1/scale, p.grad)
	}
	return foundInf
}
