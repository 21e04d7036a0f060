package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CrossEntropyCriterion is token-level cross entropy against label-smoothed
// targets, with padding labels weighted out.
//
// For a vocabulary of V classes and smoothing ε the soft target is
//
//	soft = (1-ε)·onehot(label) + ε/V
//
// and the per-token cost is -Σ_v soft_v · log softmax(logits)_v.
type CrossEntropyCriterion struct {
	LabelSmoothEps float64
	PadIdx         int
}

// NewCrossEntropyCriterion creates a criterion. Labels equal to padIdx carry
// zero weight.
func NewCrossEntropyCriterion(labelSmoothEps float64, padIdx int) *CrossEntropyCriterion {
	return &CrossEntropyCriterion{LabelSmoothEps: labelSmoothEps, PadIdx: padIdx}
}

// LossOutput is what the criterion reports for a set of tokens.
type LossOutput struct {
	SumCost  float64
	TokenNum float64
}

// AvgCost is SumCost / TokenNum, or 0 with no tokens.
func (o LossOutput) AvgCost() float64 {
	if o.TokenNum == 0 {
		return 0
	}
	return o.SumCost / o.TokenNum
}

// Forward returns the summed weighted cost over the rows of logits and the
// softmax probabilities the backward pass reuses.
func (c *CrossEntropyCriterion) Forward(logits *Tensor, labels []int) (LossOutput, *Tensor) {
	rows, vocab := logits.shape[0], logits.shape[1]
	if len(labels) != rows {
		panic(fmt.Sprintf("loss: %d labels for %d logit rows", len(labels), rows))
	}

	probs := NewTensor(rows, vocab)
	logProbs := make([]float64, vocab)
	uniform := c.LabelSmoothEps / float64(vocab)

	var out LossOutput
	for r, label := range labels {
		row := logits.Row(r)
		lse := floats.LogSumExp(row)
		for v, x := range row {
			logProbs[v] = x - lse
			probs.data[r*vocab+v] = math.Exp(logProbs[v])
		}
		if label == c.PadIdx {
			continue
		}

		cost := -(1-c.LabelSmoothEps)*logProbs[label] - uniform*floats.Sum(logProbs)
		out.SumCost += cost
		out.TokenNum++
	}
	return out, probs
}

// Backward returns scale · ∂(SumCost)/∂logits.
//
// Callers pass scale = loss_scale / token_num to differentiate the average
// cost instead of the sum.
func (c *CrossEntropyCriterion) Backward(probs *Tensor, labels []int, scale float64) *Tensor {
	rows, vocab := probs.shape[0], probs.shape[1]
	grad := NewTensor(rows, vocab)
	uniform := c.LabelSmoothEps / float64(vocab)

	for r, label := range labels {
		if label == c.PadIdx {
			continue
		}
		p, g := probs.Row(r), grad.Row(r)
		for v := range g {
			soft := uniform
			if v == label {
				soft += 1 - c.LabelSmoothEps
			}
			g[v] = (p[v] - soft) * scale
		}
	}
	return grad
}

// LossNormalizer is the lowest achievable cross entropy under label
// smoothing ε with a vocabulary of size V. Subtracting it from the average
// cost gives a loss that approaches zero for a perfect model.
func LossNormalizer(labelSmoothEps float64, vocabSize int) float64 {
	eps := labelSmoothEps
	return -((1-eps)*math.Log(1-eps) +
		eps*math.Log(eps/float64(vocabSize-1)+1e-20))
}

// Perplexity is exp(avgCost), capped at exp(100) to keep logs readable.
func Perplexity(avgCost float64) float64 {
	return math.Exp(math.Min(avgCost, 100))
}
