package main

import (
	"math"

	"github.com/pkg/errors"
)

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	// Step performs a single optimization step with the given learning rate.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

var (
	_ Optimizer   = (*AdamOptimizer)(nil)
	_ LRScheduler = (*NoamDecay)(nil)
)

// AdamOptimizer implements Adam in the form used by the framework kernels:
//
//	m_t = β1·m + (1-β1)·g
//	v_t = β2·v + (1-β2)·g²
//	lr_t = lr · sqrt(1-β2^t) / (1-β1^t)
//	p  -= lr_t · m_t / (sqrt(v_t) + ε·sqrt(1-β2^t))
//
// which is algebraically the bias-corrected update with ε applied to the
// corrected second moment.
type AdamOptimizer struct {
	beta1   float64
	beta2   float64
	epsilon float64

	// State (one per parameter)
	m         [][]float64
	v         [][]float64
	beta1Pow  float64
	beta2Pow  float64
	stepCount int
}

// NewAdamOptimizer creates an Adam optimizer for params.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon float64) *AdamOptimizer {
	opt := &AdamOptimizer{
		beta1:    beta1,
		beta2:    beta2,
		epsilon:  epsilon,
		m:        make([][]float64, len(params)),
		v:        make([][]float64, len(params)),
		beta1Pow: 1,
		beta2Pow: 1,
	}
	for i, p := range params {
		opt.m[i] = make([]float64, p.Size())
		opt.v[i] = make([]float64, p.Size())
	}
	return opt
}

// Step performs one Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.stepCount++
	opt.beta1Pow *= opt.beta1
	opt.beta2Pow *= opt.beta2

	corr := math.Sqrt(1 - opt.beta2Pow)
	lrT := lr * corr / (1 - opt.beta1Pow)
	epsT := opt.epsilon * corr

	for i, p := range params {
		if p.grad == nil {
			continue
		}
		m, v := opt.m[i], opt.v[i]
		for j, g := range p.grad {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*g
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*g*g
			p.data[j] -= lrT * m[j] / (math.Sqrt(v[j]) + epsT)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// StepCount returns the number of updates applied so far.
func (opt *AdamOptimizer) StepCount() int {
	return opt.stepCount
}

// adamState is the scalar part of the optimizer state; moments are stored
// as tensors next to it.
type adamState struct {
	Beta1Pow  float64 `json:"beta1_pow"`
	Beta2Pow  float64 `json:"beta2_pow"`
	StepCount int     `json:"step_count"`
}

func (opt *AdamOptimizer) state() adamState {
	return adamState{Beta1Pow: opt.beta1Pow, Beta2Pow: opt.beta2Pow, StepCount: opt.stepCount}
}

// restore loads scalar state and moments. Moment slices are copied.
func (opt *AdamOptimizer) restore(st adamState, m, v [][]float64) error {
	if len(m) != len(opt.m) || len(v) != len(opt.v) {
		return errors.Errorf("adam: state for %d/%d params, optimizer has %d", len(m), len(v), len(opt.m))
	}
	for i := range m {
		if len(m[i]) != len(opt.m[i]) || len(v[i]) != len(opt.v[i]) {
			return errors.Errorf("adam: moment %d has wrong size", i)
		}
		copy(opt.m[i], m[i])
		copy(opt.v[i], v[i])
	}
	opt.beta1Pow, opt.beta2Pow, opt.stepCount = st.Beta1Pow, st.Beta2Pow, st.StepCount
	return nil
}

// LRScheduler produces the learning rate for the current step.
type LRScheduler interface {
	// LR returns the learning rate for the current step.
	LR() float64

	// Step advances the schedule by one training step.
	Step()
}

// NoamDecay implements the schedule from "Attention Is All You Need":
//
//	lr(t) = base · d_model^-0.5 · min(t^-0.5, t · warmup^-1.5)
//
// Linear warmup for warmup steps, then inverse square root decay.
type NoamDecay struct {
	dModel      int
	warmupSteps int
	baseLR      float64
	lastEpoch   int
	lastLR      float64
}

// NewNoamDecay creates a scheduler. Construction advances the schedule once
// from lastEpoch, so the first training step reads lr(lastEpoch+1).
func NewNoamDecay(dModel, warmupSteps int, baseLR float64, lastEpoch int) *NoamDecay {
	s := &NoamDecay{
		dModel:      dModel,
		warmupSteps: warmupSteps,
		baseLR:      baseLR,
		lastEpoch:   lastEpoch,
	}
	s.Step()
	return s
}

// LR returns the learning rate for the current step.
func (s *NoamDecay) LR() float64 {
	return s.lastLR
}

// Step advances the schedule.
func (s *NoamDecay) Step() {
	s.lastEpoch++
	s.lastLR = s.compute(s.lastEpoch)
}

// LastEpoch returns the step the current LR was computed for.
func (s *NoamDecay) LastEpoch() int {
	return s.lastEpoch
}

// setLastEpoch jumps the schedule to step t (used when resuming).
func (s *NoamDecay) setLastEpoch(t int) {
	s.lastEpoch = t
	s.lastLR = s.compute(t)
}

func (s *NoamDecay) compute(t int) float64 {
	a := 1.0
	if t > 0 {
		a = math.Pow(float64(t), -0.5)
	}
	b := math.Pow(float64(s.warmupSteps), -1.5) * float64(t)
	return s.baseLR * math.Pow(float64(s.dModel), -0.5) * math.Min(a, b)
}
