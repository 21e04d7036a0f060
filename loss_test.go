package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLossNormalizer(t *testing.T) {
	assert.InDelta(t, 1.2461070100890332, LossNormalizer(0.1, 10000), 1e-12)
	assert.InDelta(t, 0.0, LossNormalizer(0, 10000), 1e-12, "no smoothing: a perfect model reaches zero")
}

func TestPerplexity(t *testing.T) {
	assert.InDelta(t, math.E, Perplexity(1), 1e-12)
	assert.Equal(t, math.Exp(100), Perplexity(250), "capped")
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	// Uniform logits give -log(1/V) per token whatever the smoothing.
	for _, eps := range []float64{0, 0.1} {
		c := NewCrossEntropyCriterion(eps, 0)
		out, probs := c.Forward(NewTensor(3, 4), []int{2, 3, 0})

		assert.Equal(t, 2.0, out.TokenNum, "pad label carries no weight")
		assert.InDelta(t, 2*math.Log(4), out.SumCost, 1e-12)
		assert.InDelta(t, math.Log(4), out.AvgCost(), 1e-12)
		assert.InDelta(t, 0.25, probs.Row(2)[1], 1e-12)
	}
}

func TestCrossEntropyEmpty(t *testing.T) {
	c := NewCrossEntropyCriterion(0.1, 0)
	out, _ := c.Forward(NewTensor(2, 4), []int{0, 0})
	assert.Zero(t, out.TokenNum)
	assert.Zero(t, out.AvgCost())
}

func TestCrossEntropyLabelSmoothing(t *testing.T) {
	logits := NewTensorFrom([]float64{2, 0, -1}, 1, 3)
	lse := math.Log(math.Exp(2) + 1 + math.Exp(-1))
	logp := []float64{2 - lse, -lse, -1 - lse}

	out, _ := NewCrossEntropyCriterion(0.3, 5).Forward(logits, []int{0})
	want := -(0.7+0.1)*logp[0] - 0.1*logp[1] - 0.1*logp[2]
	assert.InDelta(t, want, out.SumCost, 1e-12)
}

func TestCrossEntropyBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	c := NewCrossEntropyCriterion(0.1, 0)
	logits := NewTensorNormal(rng, 2, 3, 5)
	labels := []int{4, 0, 2}

	_, probs := c.Forward(logits, labels)
	grad := c.Backward(probs, labels, 0.5)
	assert.Equal(t, make([]float64, 5), grad.Row(1), "pad row has no gradient")

	const h = 1e-6
	for i := range logits.data {
		orig := logits.data[i]
		logits.data[i] = orig + h
		up, _ := c.Forward(logits, labels)
		logits.data[i] = orig - h
		down, _ := c.Forward(logits, labels)
		logits.data[i] = orig

		numeric := 0.5 * (up.SumCost - down.SumCost) / (2 * h)
		require.InDelta(t, numeric, grad.data[i], 1e-7, "logit %d", i)
	}
}
