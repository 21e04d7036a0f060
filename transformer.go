package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The sequence-to-sequence Transformer from "Attention Is All You Need",
// in the pre-norm arrangement used by the big WMT benchmark models.
//
// ENCODER (n_layer times, then a final LayerNorm):
//   h = x + Dropout(SelfAttention(LN(x)))        bidirectional, pad keys masked
//   y = h + Dropout(FFN(LN(h)))                  Linear → ReLU → Dropout → Linear
//
// DECODER (n_layer times, then a final LayerNorm):
//   h1 = x  + Dropout(SelfAttention(LN(x)))      causal
//   h2 = h1 + Dropout(CrossAttention(LN(h1), enc))
//   y  = h2 + Dropout(FFN(LN(h2)))
//
// INPUTS:
//   word embedding * sqrt(d_model) + sinusoidal position encoding, Dropout.
//   The padding id is bos_idx: pad tokens take position 0 and their
//   embedding row receives no gradient.
//
// OUTPUT:
//   logits = dec @ W_out, where W_out is the (shared) embedding table
//   transposed when weight_sharing is on.
//
// Everything is computed one example at a time on 2D (seq_len, d_model)
// tensors. Batching happens one level up (executor replicas), which keeps
// every op here a plain GEMM or row-wise loop.
//
// ===========================================================================

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// maskValue is the additive attention bias for disallowed positions.
const maskValue = -1e9

// layerNormEpsilon matches the framework's LayerNorm default.
const layerNormEpsilon = 1e-5

// TransformerConfig holds the architecture hyperparameters.
type TransformerConfig struct {
	SrcVocabSize  int     `json:"src_vocab_size"`
	TrgVocabSize  int     `json:"trg_vocab_size"`
	MaxLength     int     `json:"max_length"` // number of positions
	NumLayers     int     `json:"n_layer"`
	NumHeads      int     `json:"n_head"`
	DModel        int     `json:"d_model"`
	DInnerHid     int     `json:"d_inner_hid"`
	Dropout       float64 `json:"dropout"`
	WeightSharing bool    `json:"weight_sharing"`
	BosID         int     `json:"bos_id"`
	EosID         int     `json:"eos_id"`
}

// forwardContext carries per-call state through a forward pass.
type forwardContext struct {
	training bool
	dropout  float64
	rng      *rand.Rand
	amp      *AMPConfig
}

// mask draws a dropout mask, or nil outside training.
func (fc *forwardContext) mask(size int) []float64 {
	if !fc.training {
		return nil
	}
	return dropoutMask(fc.rng, size, fc.dropout)
}

// ===========================================================================
// LAYERS
// ===========================================================================

// Linear is y = x @ W + b with W of shape (in, out).
type Linear struct {
	Weight *Tensor
	Bias   *Tensor // (1, out), nil for bias-free projections
}

// NewLinear creates a Xavier-uniform initialised linear layer.
func NewLinear(rng *rand.Rand, in, out int, bias bool) *Linear {
	l := &Linear{Weight: NewTensorUniform(rng, math.Sqrt(6.0/float64(in+out)), in, out)}
	if bias {
		l.Bias = NewTensor(1, out)
	}
	return l
}

func (l *Linear) forward(fc *forwardContext, x *Tensor) *Tensor {
	y := fc.amp.Cast("matmul", MatMul(x, l.Weight))
	if l.Bias != nil {
		addBiasRows(y, l.Bias)
	}
	return y
}

// backward accumulates parameter gradients and returns ∂L/∂x.
func (l *Linear) backward(amp *AMPConfig, x, gradY *Tensor) *Tensor {
	gradX, gradW := MatMulBackward(x, l.Weight, gradY)
	l.Weight.AccumulateGrad(amp.Cast("matmul", gradW).data)
	if l.Bias != nil {
		accumulateColumnSums(l.Bias, gradY)
	}
	return amp.Cast("matmul", gradX)
}

// LayerNorm normalises each row to zero mean and unit variance, then applies
// a learned scale and shift.
type LayerNorm struct {
	Gamma *Tensor // (1, dim)
	Beta  *Tensor // (1, dim)
	eps   float64
}

// NewLayerNorm creates a LayerNorm with γ=1, β=0.
func NewLayerNorm(dim int) *LayerNorm {
	ln := &LayerNorm{Gamma: NewTensor(1, dim), Beta: NewTensor(1, dim), eps: layerNormEpsilon}
	for i := range ln.Gamma.data {
		ln.Gamma.data[i] = 1
	}
	return ln
}

type layerNormCache struct {
	xhat   *Tensor
	invStd []float64
}

func (ln *LayerNorm) forward(fc *forwardContext, x *Tensor) (*Tensor, *layerNormCache) {
	rows, n := x.shape[0], x.shape[1]
	c := &layerNormCache{xhat: NewTensor(rows, n), invStd: make([]float64, rows)}
	y := NewTensor(rows, n)

	for r := 0; r < rows; r++ {
		xr := x.Row(r)
		mean := floats.Sum(xr) / float64(n)
		variance := 0.0
		for _, v := range xr {
			d := v - mean
			variance += d * d
		}
		variance /= float64(n)
		inv := 1 / math.Sqrt(variance+ln.eps)
		c.invStd[r] = inv

		xh, yr := c.xhat.Row(r), y.Row(r)
		for i, v := range xr {
			xh[i] = (v - mean) * inv
			yr[i] = xh[i]*ln.Gamma.data[i] + ln.Beta.data[i]
		}
	}
	return fc.amp.Cast("layer_norm", y), c
}

func (ln *LayerNorm) backward(c *layerNormCache, gradY *Tensor) *Tensor {
	return LayerNormBackward(c.xhat, c.invStd, ln.Gamma, ln.Beta, gradY)
}

// MultiHeadAttention projects queries from one sequence and keys/values from
// another (the same one for self-attention) and attends per head.
type MultiHeadAttention struct {
	numHeads   int
	q, k, v, o *Linear
}

// NewMultiHeadAttention creates an attention block of width dModel.
func NewMultiHeadAttention(rng *rand.Rand, dModel, numHeads int) *MultiHeadAttention {
	return &MultiHeadAttention{
		numHeads: numHeads,
		q:        NewLinear(rng, dModel, dModel, true),
		k:        NewLinear(rng, dModel, dModel, true),
		v:        NewLinear(rng, dModel, dModel, true),
		o:        NewLinear(rng, dModel, dModel, true),
	}
}

type headCache struct {
	q, k, v *Tensor // per-head projections
	probs   *Tensor // softmax output
	dropped *Tensor // probs after dropout
	mask    []float64
}

type attentionCache struct {
	query, memory *Tensor
	context       *Tensor
	heads         []headCache
}

func (a *MultiHeadAttention) forward(fc *forwardContext, query, memory, bias *Tensor) (*Tensor, *attentionCache) {
	c := &attentionCache{query: query, memory: memory}
	q := a.q.forward(fc, query)
	k := a.k.forward(fc, memory)
	v := a.v.forward(fc, memory)

	dModel := q.shape[1]
	dh := dModel / a.numHeads
	scale := 1 / math.Sqrt(float64(dh))
	c.context = NewTensor(q.shape[0], dModel)
	c.heads = make([]headCache, a.numHeads)

	for h := 0; h < a.numHeads; h++ {
		hc := headCache{
			q: sliceCols(q, h*dh, dh),
			k: sliceCols(k, h*dh, dh),
			v: sliceCols(v, h*dh, dh),
		}

		scores := fc.amp.Cast("matmul", MatMulTransB(hc.q, hc.k))
		floats.Scale(scale, scores.data)
		if bias != nil {
			AddInPlace(scores, bias)
		}
		hc.probs = fc.amp.Cast("softmax", Softmax(scores))

		hc.dropped = hc.probs
		if hc.mask = fc.mask(hc.probs.Size()); hc.mask != nil {
			hc.dropped = applyMask(hc.probs.Clone(), hc.mask)
		}

		scatterCols(c.context, fc.amp.Cast("matmul", MatMul(hc.dropped, hc.v)), h*dh)
		c.heads[h] = hc
	}

	return a.o.forward(fc, c.context), c
}

// backward returns the gradients for the query input and the key/value
// input separately. Self-attention callers add them together.
func (a *MultiHeadAttention) backward(amp *AMPConfig, c *attentionCache, gradOut *Tensor) (gradQuery, gradMemory *Tensor) {
	dContext := a.o.backward(amp, c.context, gradOut)

	tq, tk := c.query.shape[0], c.memory.shape[0]
	dModel := dContext.shape[1]
	dh := dModel / a.numHeads
	scale := 1 / math.Sqrt(float64(dh))

	dQ, dK, dV := NewTensor(tq, dModel), NewTensor(tk, dModel), NewTensor(tk, dModel)
	for h, hc := range c.heads {
		dCtx := sliceCols(dContext, h*dh, dh)

		dDropped, dVh := MatMulBackward(hc.dropped, hc.v, dCtx)
		dDropped = amp.Cast("matmul", dDropped)
		scatterCols(dV, amp.Cast("matmul", dVh), h*dh)

		dScores := SoftmaxBackward(hc.probs, maskedCopy(dDropped, hc.mask))
		floats.Scale(scale, dScores.data)

		scatterCols(dQ, amp.Cast("matmul", MatMul(dScores, hc.k)), h*dh)
		scatterCols(dK, amp.Cast("matmul", MatMulTransA(dScores, hc.q)), h*dh)
	}

	gradQuery = a.q.backward(amp, c.query, dQ)
	gradMemory = a.k.backward(amp, c.memory, dK)
	AddInPlace(gradMemory, a.v.backward(amp, c.memory, dV))
	return gradQuery, gradMemory
}

// FeedForward is Linear(d, inner) → ReLU → Dropout → Linear(inner, d).
type FeedForward struct {
	fc1, fc2 *Linear
}

// NewFeedForward creates a position-wise feed-forward block.
func NewFeedForward(rng *rand.Rand, dModel, dInner int) *FeedForward {
	return &FeedForward{
		fc1: NewLinear(rng, dModel, dInner, true),
		fc2: NewLinear(rng, dInner, dModel, true),
	}
}

type feedForwardCache struct {
	x, pre, hidden *Tensor
	mask           []float64
}

func (ff *FeedForward) forward(fc *forwardContext, x *Tensor) (*Tensor, *feedForwardCache) {
	c := &feedForwardCache{x: x}
	c.pre = ff.fc1.forward(fc, x)
	c.mask = fc.mask(c.pre.Size())
	c.hidden = applyMask(ReLU(c.pre), c.mask)
	return ff.fc2.forward(fc, c.hidden), c
}

func (ff *FeedForward) backward(amp *AMPConfig, c *feedForwardCache, gradY *Tensor) *Tensor {
	dHidden := ff.fc2.backward(amp, c.hidden, gradY)
	dPre := ReLUBackward(c.pre, maskedCopy(dHidden, c.mask))
	return ff.fc1.backward(amp, c.x, dPre)
}

// ===========================================================================
// ENCODER / DECODER LAYERS
// ===========================================================================

// EncoderLayer is one pre-norm encoder block.
type EncoderLayer struct {
	selfAttn     *MultiHeadAttention
	ffn          *FeedForward
	norm1, norm2 *LayerNorm
}

// NewEncoderLayer creates an encoder block.
func NewEncoderLayer(rng *rand.Rand, cfg TransformerConfig) *EncoderLayer {
	return &EncoderLayer{
		selfAttn: NewMultiHeadAttention(rng, cfg.DModel, cfg.NumHeads),
		ffn:      NewFeedForward(rng, cfg.DModel, cfg.DInnerHid),
		norm1:    NewLayerNorm(cfg.DModel),
		norm2:    NewLayerNorm(cfg.DModel),
	}
}

type encoderLayerCache struct {
	ln1, ln2     *layerNormCache
	attn         *attentionCache
	ffn          *feedForwardCache
	drop1, drop2 []float64
}

func (l *EncoderLayer) forward(fc *forwardContext, x, bias *Tensor) (*Tensor, *encoderLayerCache) {
	c := &encoderLayerCache{}

	n1, ln1 := l.norm1.forward(fc, x)
	attn, ac := l.selfAttn.forward(fc, n1, n1, bias)
	c.ln1, c.attn = ln1, ac
	c.drop1 = fc.mask(attn.Size())
	h := Add(x, applyMask(attn, c.drop1))

	n2, ln2 := l.norm2.forward(fc, h)
	ff, fcache := l.ffn.forward(fc, n2)
	c.ln2, c.ffn = ln2, fcache
	c.drop2 = fc.mask(ff.Size())
	return Add(h, applyMask(ff, c.drop2)), c
}

func (l *EncoderLayer) backward(amp *AMPConfig, c *encoderLayerCache, gradY *Tensor) *Tensor {
	dh := gradY.Clone()
	dn2 := l.ffn.backward(amp, c.ffn, maskedCopy(gradY, c.drop2))
	AddInPlace(dh, l.norm2.backward(c.ln2, dn2))

	dq, dm := l.selfAttn.backward(amp, c.attn, maskedCopy(dh, c.drop1))
	AddInPlace(dq, dm)
	AddInPlace(dh, l.norm1.backward(c.ln1, dq))
	return dh
}

// DecoderLayer is one pre-norm decoder block with cross-attention.
type DecoderLayer struct {
	selfAttn, crossAttn *MultiHeadAttention
	ffn                 *FeedForward
	norm1, norm2, norm3 *LayerNorm
}

// NewDecoderLayer creates a decoder block.
func NewDecoderLayer(rng *rand.Rand, cfg TransformerConfig) *DecoderLayer {
	return &DecoderLayer{
		selfAttn:  NewMultiHeadAttention(rng, cfg.DModel, cfg.NumHeads),
		crossAttn: NewMultiHeadAttention(rng, cfg.DModel, cfg.NumHeads),
		ffn:       NewFeedForward(rng, cfg.DModel, cfg.DInnerHid),
		norm1:     NewLayerNorm(cfg.DModel),
		norm2:     NewLayerNorm(cfg.DModel),
		norm3:     NewLayerNorm(cfg.DModel),
	}
}

type decoderLayerCache struct {
	ln1, ln2, ln3       *layerNormCache
	self, cross         *attentionCache
	ffn                 *feedForwardCache
	drop1, drop2, drop3 []float64
}

func (l *DecoderLayer) forward(fc *forwardContext, x, memory, selfBias, crossBias *Tensor) (*Tensor, *decoderLayerCache) {
	c := &decoderLayerCache{}

	n1, ln1 := l.norm1.forward(fc, x)
	sa, sc := l.selfAttn.forward(fc, n1, n1, selfBias)
	c.ln1, c.self = ln1, sc
	c.drop1 = fc.mask(sa.Size())
	h1 := Add(x, applyMask(sa, c.drop1))

	n2, ln2 := l.norm2.forward(fc, h1)
	ca, cc := l.crossAttn.forward(fc, n2, memory, crossBias)
	c.ln2, c.cross = ln2, cc
	c.drop2 = fc.mask(ca.Size())
	h2 := Add(h1, applyMask(ca, c.drop2))

	n3, ln3 := l.norm3.forward(fc, h2)
	ff, fcache := l.ffn.forward(fc, n3)
	c.ln3, c.ffn = ln3, fcache
	c.drop3 = fc.mask(ff.Size())
	return Add(h2, applyMask(ff, c.drop3)), c
}

// backward returns ∂L/∂x and the contribution to ∂L/∂memory.
func (l *DecoderLayer) backward(amp *AMPConfig, c *decoderLayerCache, gradY *Tensor) (gradX, gradMemory *Tensor) {
	dh := gradY.Clone()
	dn3 := l.ffn.backward(amp, c.ffn, maskedCopy(gradY, c.drop3))
	AddInPlace(dh, l.norm3.backward(c.ln3, dn3))

	dq, gradMemory := l.crossAttn.backward(amp, c.cross, maskedCopy(dh, c.drop2))
	AddInPlace(dh, l.norm2.backward(c.ln2, dq))

	dq, dm := l.selfAttn.backward(amp, c.self, maskedCopy(dh, c.drop1))
	AddInPlace(dq, dm)
	AddInPlace(dh, l.norm1.backward(c.ln1, dq))
	return dh, gradMemory
}

// ===========================================================================
// EMBEDDINGS
// ===========================================================================

// WordEmbedding looks up rows of a (vocab, d_model) table and scales them by
// sqrt(d_model). Looking up the padding id yields a zero row, so the lookup
// never sends gradient to it.
type WordEmbedding struct {
	Table  *Tensor
	padIdx int
	scale  float64
}

// NewWordEmbedding creates an embedding initialised from N(0, d^-0.5).
func NewWordEmbedding(rng *rand.Rand, vocabSize, dModel, padIdx int) *WordEmbedding {
	return &WordEmbedding{
		Table:  NewTensorNormal(rng, math.Pow(float64(dModel), -0.5), vocabSize, dModel),
		padIdx: padIdx,
		scale:  math.Sqrt(float64(dModel)),
	}
}

func (e *WordEmbedding) forward(ids []int) *Tensor {
	d := e.Table.shape[1]
	out := NewTensor(len(ids), d)
	for i, id := range ids {
		if id == e.padIdx {
			continue
		}
		floats.ScaleTo(out.Row(i), e.scale, e.Table.Row(id))
	}
	return out
}

func (e *WordEmbedding) backward(ids []int, gradY *Tensor) {
	d := e.Table.shape[1]
	g := e.Table.Grad()
	for i, id := range ids {
		if id == e.padIdx {
			continue
		}
		floats.AddScaled(g[id*d:(id+1)*d], e.scale, gradY.Row(i))
	}
}

// PositionEncoding returns the (nPosition, d) sinusoidal table: sin terms in
// the first half of each row, cos terms in the second, and a zero column
// when d is odd.
func PositionEncoding(nPosition, d int) *Tensor {
	table := NewTensor(nPosition, d)
	numTimescales := d / 2
	increment := 0.0
	if numTimescales > 1 {
		increment = math.Log(1e4) / float64(numTimescales-1)
	}
	for pos := 0; pos < nPosition; pos++ {
		row := table.Row(pos)
		for i := 0; i < numTimescales; i++ {
			t := float64(pos) * math.Exp(float64(i)*-increment)
			row[i] = math.Sin(t)
			row[numTimescales+i] = math.Cos(t)
		}
	}
	return table
}

// ===========================================================================
// MASKS
// ===========================================================================

// keyPaddingBias returns a (rows, len(keys)) additive bias masking pad keys,
// or nil when there are none.
func keyPaddingBias(rows int, keys []int, padIdx int) *Tensor {
	hasPad := false
	for _, id := range keys {
		if id == padIdx {
			hasPad = true
			break
		}
	}
	if !hasPad {
		return nil
	}
	bias := NewTensor(rows, len(keys))
	for r := 0; r < rows; r++ {
		row := bias.Row(r)
		for j, id := range keys {
			if id == padIdx {
				row[j] = maskValue
			}
		}
	}
	return bias
}

// causalBias masks future positions.
func causalBias(n int) *Tensor {
	bias := NewTensor(n, n)
	for r := 0; r < n; r++ {
		row := bias.Row(r)
		for j := r + 1; j < n; j++ {
			row[j] = maskValue
		}
	}
	return bias
}

// sliceCols copies columns [start, start+width) of a 2D tensor.
func sliceCols(t *Tensor, start, width int) *Tensor {
	out := NewTensor(t.shape[0], width)
	for r := 0; r < t.shape[0]; r++ {
		copy(out.Row(r), t.Row(r)[start:start+width])
	}
	return out
}

// scatterCols writes src into dst starting at column start.
func scatterCols(dst, src *Tensor, start int) {
	width := src.shape[1]
	for r := 0; r < src.shape[0]; r++ {
		copy(dst.Row(r)[start:start+width], src.Row(r))
	}
}

// ===========================================================================
// MODEL
// ===========================================================================

// Transformer is the full encoder-decoder model.
type Transformer struct {
	config TransformerConfig

	srcEmb, trgEmb *WordEmbedding
	posEnc         *Tensor // frozen

	encoder []*EncoderLayer
	encNorm *LayerNorm
	decoder []*DecoderLayer
	decNorm *LayerNorm

	project *Linear // nil when weight sharing
}

// NewTransformer builds and initialises a model. Panics on inconsistent
// dimensions, which Config.Validate rejects earlier for user input.
func NewTransformer(cfg TransformerConfig, rng *rand.Rand) *Transformer {
	if cfg.DModel%cfg.NumHeads != 0 {
		panic(fmt.Sprintf("transformer: d_model %d not divisible by n_head %d", cfg.DModel, cfg.NumHeads))
	}
	if cfg.WeightSharing && cfg.SrcVocabSize != cfg.TrgVocabSize {
		panic("transformer: weight sharing requires equal vocab sizes")
	}

	m := &Transformer{
		config:  cfg,
		posEnc:  PositionEncoding(cfg.MaxLength, cfg.DModel),
		encNorm: NewLayerNorm(cfg.DModel),
		decNorm: NewLayerNorm(cfg.DModel),
	}

	m.srcEmb = NewWordEmbedding(rng, cfg.SrcVocabSize, cfg.DModel, cfg.BosID)
	if cfg.WeightSharing {
		m.trgEmb = m.srcEmb
	} else {
		m.trgEmb = NewWordEmbedding(rng, cfg.TrgVocabSize, cfg.DModel, cfg.BosID)
		m.project = NewLinear(rng, cfg.DModel, cfg.TrgVocabSize, false)
	}

	for i := 0; i < cfg.NumLayers; i++ {
		m.encoder = append(m.encoder, NewEncoderLayer(rng, cfg))
	}
	for i := 0; i < cfg.NumLayers; i++ {
		m.decoder = append(m.decoder, NewDecoderLayer(rng, cfg))
	}
	return m
}

// Config returns the architecture configuration.
func (m *Transformer) Config() TransformerConfig {
	return m.config
}

// NamedParameter pairs a trainable tensor with its stable name.
type NamedParameter struct {
	Name   string
	Tensor *Tensor
}

// NamedParameters returns every trainable tensor exactly once, in a fixed
// order.
func (m *Transformer) NamedParameters() []NamedParameter {
	var params []NamedParameter
	add := func(name string, t *Tensor) {
		params = append(params, NamedParameter{Name: name, Tensor: t})
	}
	addLinear := func(prefix string, l *Linear) {
		add(prefix+".weight", l.Weight)
		if l.Bias != nil {
			add(prefix+".bias", l.Bias)
		}
	}
	addNorm := func(prefix string, ln *LayerNorm) {
		add(prefix+".weight", ln.Gamma)
		add(prefix+".bias", ln.Beta)
	}
	addAttn := func(prefix string, a *MultiHeadAttention) {
		addLinear(prefix+".q_proj", a.q)
		addLinear(prefix+".k_proj", a.k)
		addLinear(prefix+".v_proj", a.v)
		addLinear(prefix+".out_proj", a.o)
	}

	add("src_word_embedding.weight", m.srcEmb.Table)
	if !m.config.WeightSharing {
		add("trg_word_embedding.weight", m.trgEmb.Table)
	}

	for i, l := range m.encoder {
		p := fmt.Sprintf("encoder.layers.%d", i)
		addAttn(p+".self_attn", l.selfAttn)
		addLinear(p+".linear1", l.ffn.fc1)
		addLinear(p+".linear2", l.ffn.fc2)
		addNorm(p+".norm1", l.norm1)
		addNorm(p+".norm2", l.norm2)
	}
	addNorm("encoder.norm", m.encNorm)

	for i, l := range m.decoder {
		p := fmt.Sprintf("decoder.layers.%d", i)
		addAttn(p+".self_attn", l.selfAttn)
		addAttn(p+".cross_attn", l.crossAttn)
		addLinear(p+".linear1", l.ffn.fc1)
		addLinear(p+".linear2", l.ffn.fc2)
		addNorm(p+".norm1", l.norm1)
		addNorm(p+".norm2", l.norm2)
		addNorm(p+".norm3", l.norm3)
	}
	addNorm("decoder.norm", m.decNorm)

	if m.project != nil {
		addLinear("linear", m.project)
	}
	return params
}

// Parameters returns all trainable tensors in NamedParameters order.
func (m *Transformer) Parameters() []*Tensor {
	named := m.NamedParameters()
	params := make([]*Tensor, len(named))
	for i, p := range named {
		params[i] = p.Tensor
	}
	return params
}

// CountParameters returns the number of trainable scalars.
func (m *Transformer) CountParameters() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Size()
	}
	return total
}

// shareData points every parameter at the corresponding storage of src, so
// the receiver becomes a replica that reads the same weights but keeps its
// own gradient buffers.
func (m *Transformer) shareData(src *Transformer) {
	dst, from := m.Parameters(), src.Parameters()
	if len(dst) != len(from) {
		panic("transformer: replica parameter count mismatch")
	}
	for i := range dst {
		if !shapeEqual(dst[i].shape, from[i].shape) {
			panic(fmt.Sprintf("transformer: replica shape mismatch at %d", i))
		}
		dst[i].data = from[i].data
		dst[i].grad = nil
	}
}

// exampleCache holds everything the backward pass needs for one example.
type exampleCache struct {
	amp      *AMPConfig
	src, trg []int

	encDrop   []float64
	encLayers []*encoderLayerCache
	encNorm   *layerNormCache
	encOut    *Tensor

	decDrop   []float64
	decLayers []*decoderLayerCache
	decNorm   *layerNormCache
	decOut    *Tensor
}

// embed computes word embedding + position encoding for ids.
func (m *Transformer) embed(e *WordEmbedding, ids []int) *Tensor {
	x := e.forward(ids)
	for i, id := range ids {
		pos := i
		if id == m.config.BosID {
			pos = 0
		}
		floats.Add(x.Row(i), m.posEnc.Row(pos))
	}
	return x
}

// Forward runs the encoder on src and the decoder on trg (teacher forcing)
// and returns (len(trg), trg_vocab) logits.
func (m *Transformer) Forward(fc *forwardContext, src, trg []int) (*Tensor, *exampleCache) {
	if len(src) > m.config.MaxLength || len(trg) > m.config.MaxLength {
		panic(fmt.Sprintf("transformer: sequence longer than %d positions", m.config.MaxLength))
	}
	c := &exampleCache{amp: fc.amp, src: src, trg: trg}

	x := m.embed(m.srcEmb, src)
	c.encDrop = fc.mask(x.Size())
	applyMask(x, c.encDrop)

	srcBias := keyPaddingBias(len(src), src, m.config.BosID)
	for _, layer := range m.encoder {
		var lc *encoderLayerCache
		x, lc = layer.forward(fc, x, srcBias)
		c.encLayers = append(c.encLayers, lc)
	}
	c.encOut, c.encNorm = m.encNorm.forward(fc, x)

	y := m.embed(m.trgEmb, trg)
	c.decDrop = fc.mask(y.Size())
	applyMask(y, c.decDrop)

	selfBias := causalBias(len(trg))
	crossBias := keyPaddingBias(len(trg), src, m.config.BosID)
	for _, layer := range m.decoder {
		var lc *decoderLayerCache
		y, lc = layer.forward(fc, y, c.encOut, selfBias, crossBias)
		c.decLayers = append(c.decLayers, lc)
	}
	c.decOut, c.decNorm = m.decNorm.forward(fc, y)

	if m.project != nil {
		return m.project.forward(fc, c.decOut), c
	}
	return fc.amp.Cast("matmul", MatMulTransB(c.decOut, m.trgEmb.Table)), c
}

// Backward propagates ∂L/∂logits through the model, accumulating into the
// parameter gradients.
func (m *Transformer) Backward(c *exampleCache, gradLogits *Tensor) {
	amp := c.amp

	var dDec *Tensor
	if m.project != nil {
		dDec = m.project.backward(amp, c.decOut, gradLogits)
	} else {
		m.trgEmb.Table.AccumulateGrad(amp.Cast("matmul", MatMulTransA(gradLogits, c.decOut)).data)
		dDec = amp.Cast("matmul", MatMul(gradLogits, m.trgEmb.Table))
	}

	dy := m.decNorm.backward(c.decNorm, dDec)
	dEnc := NewTensor(c.encOut.shape...)
	for i := len(m.decoder) - 1; i >= 0; i-- {
		var dMem *Tensor
		dy, dMem = m.decoder[i].backward(amp, c.decLayers[i], dy)
		AddInPlace(dEnc, dMem)
	}
	m.trgEmb.backward(c.trg, maskedCopy(dy, c.decDrop))

	dx := m.encNorm.backward(c.encNorm, dEnc)
	for i := len(m.encoder) - 1; i >= 0; i-- {
		dx = m.encoder[i].backward(amp, c.encLayers[i], dx)
	}
	m.srcEmb.backward(c.src, maskedCopy(dx, c.encDrop))
}
