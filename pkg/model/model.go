// Package model implements the small decoder-only transformer used in the
// grokking experiments: token + position embeddings, two causal
// self-attention blocks of width 128 with 4 heads, a final LayerNorm and an
// untied projection head.
//
// The model is pure float64 with hand-written forward and backward passes.
// All weights are exposed as named tensor.Parameters so the gradient
// filters and the optimizer can address per-parameter state by name; the
// backward pass accumulates into Parameter.Grad and never touches values.
//
// Loss and accuracy are computed only on the answer token — the final
// position of each equation.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/orneryd/grokfast/pkg/tensor"
)

const lnEpsilon = 1e-5

// Config holds the architecture hyperparameters.
type Config struct {
	// Dim is the embedding width. Must be divisible by Heads.
	Dim int
	// Layers is the number of transformer blocks.
	Layers int
	// Heads is the number of attention heads per block.
	Heads int
	// NumTokens is the vocabulary size (p + 2 for the modular dataset).
	NumTokens int
	// SeqLen is the maximum sequence length (position table size).
	SeqLen int
	// InitStd is the weight initialization scale.
	InitStd float64
	// Seed drives the deterministic weight initialization.
	Seed int64

	// FreezeAttention leaves every attention projection without a gradient
	// buffer, so filters and the optimizer skip them.
	FreezeAttention bool
	// FreezeFirstBlock freezes every parameter of the first block.
	FreezeFirstBlock bool
}

// DefaultConfig returns the architecture from the grokking setup: 2 layers,
// width 128, 4 heads, sequences of 5 tokens.
func DefaultConfig(numTokens int) Config {
	return Config{
		Dim:       128,
		Layers:    2,
		Heads:     4,
		NumTokens: numTokens,
		SeqLen:    5,
		InitStd:   0.02,
	}
}

type layerNorm struct {
	gamma *tensor.Parameter
	beta  *tensor.Parameter
}

type block struct {
	ln1 layerNorm
	ln2 layerNorm

	wq, wk, wv, wo *tensor.Parameter // [Dim, Dim]
	bq, bk, bv, bo *tensor.Parameter // [Dim]

	fc1w *tensor.Parameter // [Dim, 4*Dim]
	fc1b *tensor.Parameter // [4*Dim]
	fc2w *tensor.Parameter // [4*Dim, Dim]
	fc2b *tensor.Parameter // [Dim]
}

// Model is the decoder-only transformer.
type Model struct {
	cfg Config

	tok    *tensor.Parameter // [NumTokens, Dim]
	pos    *tensor.Parameter // [SeqLen, Dim]
	blocks []*block
	lnf    layerNorm
	head   *tensor.Parameter // [Dim, NumTokens], no bias

	params []*tensor.Parameter
}

// New builds a model with freshly initialized weights.
func New(cfg Config) (*Model, error) {
	if cfg.Dim <= 0 || cfg.Layers <= 0 || cfg.Heads <= 0 {
		return nil, fmt.Errorf("model: dim, layers and heads must be positive")
	}
	if cfg.Dim%cfg.Heads != 0 {
		return nil, fmt.Errorf("model: dim (%d) must be divisible by heads (%d)", cfg.Dim, cfg.Heads)
	}
	if cfg.NumTokens <= 0 || cfg.SeqLen <= 0 {
		return nil, fmt.Errorf("model: vocabulary and sequence length must be positive")
	}
	if cfg.InitStd <= 0 {
		cfg.InitStd = 0.02
	}

	m := &Model{cfg: cfg}
	rng := rand.New(rand.NewSource(cfg.Seed))

	normal := func(name string, shape []int) *tensor.Parameter {
		size := 1
		for _, d := range shape {
			size *= d
		}
		data := make([]float64, size)
		for i := range data {
			data[i] = rng.NormFloat64() * cfg.InitStd
		}
		return m.addParam(name, shape, data)
	}
	constant := func(name string, n int, value float64) *tensor.Parameter {
		data := make([]float64, n)
		for i := range data {
			data[i] = value
		}
		return m.addParam(name, []int{n}, data)
	}

	m.tok = normal("embed.tokens", []int{cfg.NumTokens, cfg.Dim})
	m.pos = normal("embed.positions", []int{cfg.SeqLen, cfg.Dim})

	for l := 0; l < cfg.Layers; l++ {
		prefix := fmt.Sprintf("blocks.%d.", l)
		b := &block{}
		b.ln1 = layerNorm{
			gamma: constant(prefix+"ln1.gamma", cfg.Dim, 1),
			beta:  constant(prefix+"ln1.beta", cfg.Dim, 0),
		}
		b.wq = normal(prefix+"attn.wq", []int{cfg.Dim, cfg.Dim})
		b.wk = normal(prefix+"attn.wk", []int{cfg.Dim, cfg.Dim})
		b.wv = normal(prefix+"attn.wv", []int{cfg.Dim, cfg.Dim})
		b.wo = normal(prefix+"attn.wo", []int{cfg.Dim, cfg.Dim})
		b.bq = constant(prefix+"attn.bq", cfg.Dim, 0)
		b.bk = constant(prefix+"attn.bk", cfg.Dim, 0)
		b.bv = constant(prefix+"attn.bv", cfg.Dim, 0)
		b.bo = constant(prefix+"attn.bo", cfg.Dim, 0)
		b.ln2 = layerNorm{
			gamma: constant(prefix+"ln2.gamma", cfg.Dim, 1),
			beta:  constant(prefix+"ln2.beta", cfg.Dim, 0),
		}
		b.fc1w = normal(prefix+"mlp.fc1.weight", []int{cfg.Dim, 4 * cfg.Dim})
		b.fc1b = constant(prefix+"mlp.fc1.bias", 4*cfg.Dim, 0)
		b.fc2w = normal(prefix+"mlp.fc2.weight", []int{4 * cfg.Dim, cfg.Dim})
		b.fc2b = constant(prefix+"mlp.fc2.bias", cfg.Dim, 0)
		m.blocks = append(m.blocks, b)
	}

	m.lnf = layerNorm{
		gamma: constant("lnf.gamma", cfg.Dim, 1),
		beta:  constant("lnf.beta", cfg.Dim, 0),
	}
	m.head = normal("head.weight", []int{cfg.Dim, cfg.NumTokens})

	if cfg.FreezeAttention {
		for _, b := range m.blocks {
			for _, p := range b.attentionParameters() {
				p.Grad = nil
			}
		}
	}
	if cfg.FreezeFirstBlock {
		for _, p := range m.blocks[0].parameters() {
			p.Grad = nil
		}
	}

	return m, nil
}

func (b *block) parameters() []*tensor.Parameter {
	return []*tensor.Parameter{
		b.ln1.gamma, b.ln1.beta,
		b.wq, b.wk, b.wv, b.wo, b.bq, b.bk, b.bv, b.bo,
		b.ln2.gamma, b.ln2.beta,
		b.fc1w, b.fc1b, b.fc2w, b.fc2b,
	}
}

func (b *block) attentionParameters() []*tensor.Parameter {
	return []*tensor.Parameter{b.wq, b.wk, b.wv, b.wo, b.bq, b.bk, b.bv, b.bo}
}

func (m *Model) addParam(name string, shape []int, data []float64) *tensor.Parameter {
	p, err := tensor.NewParameter(name, shape, data)
	if err != nil {
		// Shapes are produced internally; a mismatch is a programming error.
		panic(err)
	}
	p.AllocGrad()
	m.params = append(m.params, p)
	return p
}

// Config returns the architecture configuration.
func (m *Model) Config() Config { return m.cfg }

// NamedParameters returns every parameter, frozen ones (Grad == nil)
// included. The slice is shared: callers mutate gradients and values in
// place.
func (m *Model) NamedParameters() []*tensor.Parameter { return m.params }

// NumParams returns the number of trainable scalars. Frozen parameters do
// not count.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params {
		if p.Grad != nil {
			n += p.NumEl()
		}
	}
	return n
}

// ZeroGrad clears every parameter gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// rows allocates a T x n activation matrix.
func rows(t, n int) [][]float64 {
	out := make([][]float64, t)
	for i := range out {
		out[i] = make([]float64, n)
	}
	return out
}

// linearForward computes y = x*W + b row-wise. W is [in, out] row-major;
// b may be nil.
func linearForward(x [][]float64, w *tensor.Parameter, b *tensor.Parameter) [][]float64 {
	in, out := w.Shape[0], w.Shape[1]
	y := rows(len(x), out)
	for t := range x {
		xt, yt := x[t], y[t]
		if b != nil {
			copy(yt, b.Data)
		}
		for i := 0; i < in; i++ {
			xi := xt[i]
			if xi == 0 {
				continue
			}
			wrow := w.Data[i*out : (i+1)*out]
			tensor.AddScaled(yt, wrow, xi)
		}
	}
	return y
}

// linearBackward accumulates dW and db from (x, dy) and returns dx. Frozen
// weights still propagate dx; only the gradient accumulation is skipped.
func linearBackward(x, dy [][]float64, w *tensor.Parameter, b *tensor.Parameter) [][]float64 {
	in, out := w.Shape[0], w.Shape[1]
	dx := rows(len(x), in)
	for t := range x {
		xt, dyt, dxt := x[t], dy[t], dx[t]
		for i := 0; i < in; i++ {
			wrow := w.Data[i*out : (i+1)*out]
			xi := xt[i]
			var acc float64
			if w.Grad != nil {
				gwrow := w.Grad[i*out : (i+1)*out]
				for j := 0; j < out; j++ {
					gwrow[j] += xi * dyt[j]
					acc += wrow[j] * dyt[j]
				}
			} else {
				for j := 0; j < out; j++ {
					acc += wrow[j] * dyt[j]
				}
			}
			dxt[i] = acc
		}
		if b != nil && b.Grad != nil {
			tensor.AddScaled(b.Grad, dyt, 1)
		}
	}
	return dx
}

// lnCache stores what layer-norm backward needs.
type lnCache struct {
	xhat [][]float64
	inv  []float64
}

func layerNormForward(x [][]float64, ln layerNorm) ([][]float64, *lnCache) {
	n := len(ln.gamma.Data)
	y := rows(len(x), n)
	cache := &lnCache{xhat: rows(len(x), n), inv: make([]float64, len(x))}

	for t := range x {
		xt := x[t]
		var mean float64
		for _, v := range xt {
			mean += v
		}
		mean /= float64(n)
		var variance float64
		for _, v := range xt {
			d := v - mean
			variance += d * d
		}
		variance /= float64(n)
		inv := 1 / math.Sqrt(variance+lnEpsilon)
		cache.inv[t] = inv
		for i, v := range xt {
			xh := (v - mean) * inv
			cache.xhat[t][i] = xh
			y[t][i] = ln.gamma.Data[i]*xh + ln.beta.Data[i]
		}
	}
	return y, cache
}

func layerNormBackward(dy [][]float64, ln layerNorm, cache *lnCache) [][]float64 {
	n := len(ln.gamma.Data)
	dx := rows(len(dy), n)

	for t := range dy {
		dyt, xhat := dy[t], cache.xhat[t]
		if ln.gamma.Grad != nil {
			for i := 0; i < n; i++ {
				ln.gamma.Grad[i] += dyt[i] * xhat[i]
				ln.beta.Grad[i] += dyt[i]
			}
		}
		var sumDxhat, sumDxhatXhat float64
		dxhat := make([]float64, n)
		for i := 0; i < n; i++ {
			dxhat[i] = dyt[i] * ln.gamma.Data[i]
			sumDxhat += dxhat[i]
			sumDxhatXhat += dxhat[i] * xhat[i]
		}
		inv := cache.inv[t]
		for i := 0; i < n; i++ {
			dx[t][i] = inv * (dxhat[i] - sumDxhat/float64(n) - xhat[i]*sumDxhatXhat/float64(n))
		}
	}
	return dx
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

func geluDeriv(x float64) float64 {
	return 0.5*(1+math.Erf(x/math.Sqrt2)) + x*math.Exp(-0.5*x*x)/math.Sqrt(2*math.Pi)
}

// blockCache keeps one block's forward activations for backprop.
type blockCache struct {
	n1      [][]float64 // ln1 output, attention input
	ln1     *lnCache
	q, k, v [][]float64
	probs   [][][]float64 // [head][T][T] attention weights
	ctx     [][]float64   // concatenated head outputs
	x1      [][]float64   // n1 + attention
	n2      [][]float64
	ln2     *lnCache
	h       [][]float64 // fc1 pre-activation
	hact    [][]float64
}

// blockForward runs one transformer block. The attention residual is added
// to the normalized input (x = ln1(x); x = x + attn(x)), matching the
// published architecture of these experiments.
func (m *Model) blockForward(b *block, x [][]float64) ([][]float64, *blockCache) {
	cfg := m.cfg
	heads, hd := cfg.Heads, cfg.Dim/cfg.Heads
	T := len(x)
	c := &blockCache{}

	c.n1, c.ln1 = layerNormForward(x, b.ln1)

	c.q = linearForward(c.n1, b.wq, b.bq)
	c.k = linearForward(c.n1, b.wk, b.bk)
	c.v = linearForward(c.n1, b.wv, b.bv)

	scale := 1 / math.Sqrt(float64(hd))
	c.probs = make([][][]float64, heads)
	c.ctx = rows(T, cfg.Dim)
	for h := 0; h < heads; h++ {
		off := h * hd
		c.probs[h] = rows(T, T)
		for t := 0; t < T; t++ {
			// Causal: position t attends to positions 0..t.
			scores := make([]float64, t+1)
			maxScore := math.Inf(-1)
			for s := 0; s <= t; s++ {
				var dot float64
				for d := 0; d < hd; d++ {
					dot += c.q[t][off+d] * c.k[s][off+d]
				}
				scores[s] = dot * scale
				if scores[s] > maxScore {
					maxScore = scores[s]
				}
			}
			var sum float64
			for s := 0; s <= t; s++ {
				scores[s] = math.Exp(scores[s] - maxScore)
				sum += scores[s]
			}
			for s := 0; s <= t; s++ {
				p := scores[s] / sum
				c.probs[h][t][s] = p
				for d := 0; d < hd; d++ {
					c.ctx[t][off+d] += p * c.v[s][off+d]
				}
			}
		}
	}

	a := linearForward(c.ctx, b.wo, b.bo)
	c.x1 = rows(T, cfg.Dim)
	for t := 0; t < T; t++ {
		for i := 0; i < cfg.Dim; i++ {
			c.x1[t][i] = c.n1[t][i] + a[t][i]
		}
	}

	c.n2, c.ln2 = layerNormForward(c.x1, b.ln2)
	c.h = linearForward(c.n2, b.fc1w, b.fc1b)
	c.hact = rows(T, 4*cfg.Dim)
	for t := range c.h {
		for i, v := range c.h[t] {
			c.hact[t][i] = gelu(v)
		}
	}
	mlp := linearForward(c.hact, b.fc2w, b.fc2b)

	out := rows(T, cfg.Dim)
	for t := 0; t < T; t++ {
		for i := 0; i < cfg.Dim; i++ {
			out[t][i] = c.x1[t][i] + mlp[t][i]
		}
	}
	return out, c
}

// blockBackward propagates dOut through one block, accumulating parameter
// gradients, and returns the gradient with respect to the block input.
func (m *Model) blockBackward(b *block, c *blockCache, dOut [][]float64) [][]float64 {
	cfg := m.cfg
	heads, hd := cfg.Heads, cfg.Dim/cfg.Heads
	T := len(dOut)

	// out = x1 + fc2(gelu(fc1(ln2(x1))))
	dHact := linearBackward(c.hact, dOut, b.fc2w, b.fc2b)
	dH := rows(T, 4*cfg.Dim)
	for t := range dH {
		for i := range dH[t] {
			dH[t][i] = dHact[t][i] * geluDeriv(c.h[t][i])
		}
	}
	dN2 := linearBackward(c.n2, dH, b.fc1w, b.fc1b)
	dX1 := layerNormBackward(dN2, b.ln2, c.ln2)
	for t := 0; t < T; t++ {
		for i := 0; i < cfg.Dim; i++ {
			dX1[t][i] += dOut[t][i]
		}
	}

	// x1 = n1 + wo(attention(n1))
	dCtx := linearBackward(c.ctx, dX1, b.wo, b.bo)

	dQ := rows(T, cfg.Dim)
	dK := rows(T, cfg.Dim)
	dV := rows(T, cfg.Dim)
	scale := 1 / math.Sqrt(float64(hd))
	for h := 0; h < heads; h++ {
		off := h * hd
		probs := c.probs[h]
		for t := 0; t < T; t++ {
			dProbs := make([]float64, t+1)
			for s := 0; s <= t; s++ {
				var dp float64
				for d := 0; d < hd; d++ {
					dp += dCtx[t][off+d] * c.v[s][off+d]
					dV[s][off+d] += probs[t][s] * dCtx[t][off+d]
				}
				dProbs[s] = dp
			}
			// Softmax backward over the causal row.
			var common float64
			for s := 0; s <= t; s++ {
				common += probs[t][s] * dProbs[s]
			}
			for s := 0; s <= t; s++ {
				dScore := probs[t][s] * (dProbs[s] - common) * scale
				for d := 0; d < hd; d++ {
					dQ[t][off+d] += dScore * c.k[s][off+d]
					dK[s][off+d] += dScore * c.q[t][off+d]
				}
			}
		}
	}

	dN1 := linearBackward(c.n1, dQ, b.wq, b.bq)
	dN1k := linearBackward(c.n1, dK, b.wk, b.bk)
	dN1v := linearBackward(c.n1, dV, b.wv, b.bv)
	for t := 0; t < T; t++ {
		for i := 0; i < cfg.Dim; i++ {
			// Residual path plus the three projection paths.
			dN1[t][i] += dN1k[t][i] + dN1v[t][i] + dX1[t][i]
		}
	}

	return layerNormBackward(dN1, b.ln1, c.ln1)
}

// forward runs the full network on one token sequence and returns the
// logits at the final position plus the caches needed for backward.
func (m *Model) forward(seq []int) ([]float64, [][]float64, []*blockCache, *lnCache) {
	cfg := m.cfg
	T := len(seq)

	x := rows(T, cfg.Dim)
	for t, id := range seq {
		copy(x[t], m.tok.Data[id*cfg.Dim:(id+1)*cfg.Dim])
		tensor.AddScaled(x[t], m.pos.Data[t*cfg.Dim:(t+1)*cfg.Dim], 1)
	}

	caches := make([]*blockCache, len(m.blocks))
	for l, b := range m.blocks {
		x, caches[l] = m.blockForward(b, x)
	}

	nf, lnfCache := layerNormForward(x, m.lnf)

	// Only the final position feeds the loss.
	logits := make([]float64, cfg.NumTokens)
	last := nf[T-1]
	out := cfg.NumTokens
	for i := 0; i < cfg.Dim; i++ {
		tensor.AddScaled(logits, m.head.Data[i*out:(i+1)*out], last[i])
	}
	return logits, nf, caches, lnfCache
}

// softmaxCrossEntropy returns the loss, the probabilities and whether the
// argmax matches the target.
func softmaxCrossEntropy(logits []float64, target int) (float64, []float64, bool) {
	maxLogit := math.Inf(-1)
	argmax := 0
	for i, v := range logits {
		if v > maxLogit {
			maxLogit = v
			argmax = i
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	loss := -math.Log(probs[target] + 1e-30)
	return loss, probs, argmax == target
}

// BatchResult reports one batch's loss and accuracy.
type BatchResult struct {
	// Loss is the mean answer-token cross entropy over the batch.
	Loss float64
	// Correct counts exact answer matches.
	Correct int
	// Size is the number of sequences in the batch.
	Size int
}

// TrainBatch runs forward and backward over a batch of full equations,
// accumulating mean-scaled gradients. Each sequence's final token is the
// prediction target; the model consumes the preceding tokens. Gradients
// are NOT zeroed here — callers zero before each batch so that gradient
// accumulation stays possible.
func (m *Model) TrainBatch(batch [][]int) (BatchResult, error) {
	return m.run(batch, true)
}

// EvalBatch runs forward only.
func (m *Model) EvalBatch(batch [][]int) (BatchResult, error) {
	return m.run(batch, false)
}

func (m *Model) run(batch [][]int, train bool) (BatchResult, error) {
	res := BatchResult{Size: len(batch)}
	if len(batch) == 0 {
		return res, fmt.Errorf("model: empty batch")
	}
	invB := 1 / float64(len(batch))
	cfg := m.cfg

	for _, seq := range batch {
		if len(seq) < 2 || len(seq) > cfg.SeqLen {
			return res, fmt.Errorf("model: sequence length %d outside [2, %d]", len(seq), cfg.SeqLen)
		}
		for _, id := range seq {
			if id < 0 || id >= cfg.NumTokens {
				return res, fmt.Errorf("model: token %d outside vocabulary of %d", id, cfg.NumTokens)
			}
		}
		input, target := seq[:len(seq)-1], seq[len(seq)-1]

		logits, nf, caches, lnfCache := m.forward(input)
		loss, probs, correct := softmaxCrossEntropy(logits, target)
		res.Loss += loss * invB
		if correct {
			res.Correct++
		}
		if !train {
			continue
		}

		// dLoss/dLogits = probs - onehot, scaled for the batch mean.
		dLogits := probs
		dLogits[target] -= 1
		for i := range dLogits {
			dLogits[i] *= invB
		}

		T := len(input)
		out := cfg.NumTokens
		dNf := rows(T, cfg.Dim)
		last := nf[T-1]
		for i := 0; i < cfg.Dim; i++ {
			grow := m.head.Grad[i*out : (i+1)*out]
			hrow := m.head.Data[i*out : (i+1)*out]
			var acc float64
			for j := 0; j < out; j++ {
				grow[j] += last[i] * dLogits[j]
				acc += hrow[j] * dLogits[j]
			}
			dNf[T-1][i] = acc
		}

		dx := layerNormBackward(dNf, m.lnf, lnfCache)
		for l := len(m.blocks) - 1; l >= 0; l-- {
			dx = m.blockBackward(m.blocks[l], caches[l], dx)
		}

		for t, id := range input {
			tensor.AddScaled(m.tok.Grad[id*cfg.Dim:(id+1)*cfg.Dim], dx[t], 1)
			tensor.AddScaled(m.pos.Grad[t*cfg.Dim:(t+1)*cfg.Dim], dx[t], 1)
		}
	}
	return res, nil
}
