package model

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/strand/internal/attncache"
	"github.com/samcharles93/strand/internal/safetensors"
	"github.com/samcharles93/strand/internal/tensor"
)

// Block is one Llama decoder layer held in process: pre-norm grouped query
// attention followed by a SwiGLU feed-forward, each with a residual.
type Block struct {
	layer string

	hidden  int
	heads   int
	kvHeads int
	headDim int
	eps     float32

	inputNorm []float32
	postNorm  []float32

	wq, wk, wv, wo *tensor.Mat
	gate, up, down *tensor.Mat
}

// LoadBlock reads the weights of layer (e.g. "model.layers.7") from store.
func LoadBlock(store *safetensors.Store, layer string, cfg *Config) (*Block, error) {
	b := &Block{
		layer:   layer,
		hidden:  cfg.HiddenSize,
		heads:   cfg.NumAttentionHeads,
		kvHeads: cfg.NumKeyValueHeads,
		headDim: cfg.HeadDim(),
		eps:     float32(cfg.RMSNormEps),
	}

	var err error
	if b.inputNorm, err = store.Vec(layer + ".input_layernorm.weight"); err != nil {
		return nil, err
	}
	if b.postNorm, err = store.Vec(layer + ".post_attention_layernorm.weight"); err != nil {
		return nil, err
	}

	kvDim := b.kvHeads * b.headDim
	mats := []struct {
		dst        **tensor.Mat
		name       string
		rows, cols int
	}{
		{&b.wq, ".self_attn.q_proj.weight", b.heads * b.headDim, b.hidden},
		{&b.wk, ".self_attn.k_proj.weight", kvDim, b.hidden},
		{&b.wv, ".self_attn.v_proj.weight", kvDim, b.hidden},
		{&b.wo, ".self_attn.o_proj.weight", b.hidden, b.heads * b.headDim},
		{&b.gate, ".mlp.gate_proj.weight", cfg.IntermediateSize, b.hidden},
		{&b.up, ".mlp.up_proj.weight", cfg.IntermediateSize, b.hidden},
		{&b.down, ".mlp.down_proj.weight", b.hidden, cfg.IntermediateSize},
	}
	for _, m := range mats {
		w, err := store.Mat(layer + m.name)
		if err != nil {
			return nil, err
		}
		if w.R != m.rows || w.C != m.cols {
			return nil, fmt.Errorf("%s%s: shape %dx%d, want %dx%d", layer, m.name, w.R, w.C, m.rows, m.cols)
		}
		*m.dst = w
	}
	if len(b.inputNorm) != b.hidden || len(b.postNorm) != b.hidden {
		return nil, fmt.Errorf("%s: norm width %d/%d, want %d", layer, len(b.inputNorm), len(b.postNorm), b.hidden)
	}
	return b, nil
}

// Layer returns the weight prefix this block was loaded from.
func (b *Block) Layer() string { return b.layer }

// Forward runs x, shaped [batch, seq, hidden], through the block. pos is the
// position of the first token of x and selects the rotary rows.
func (b *Block) Forward(ctx context.Context, x *tensor.Tensor, pos, blockIdx int, cache *attncache.Cache) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if x.Rank() != 3 || x.Dim(2) != b.hidden {
		return nil, fmt.Errorf("block %d: input %v, want [b, seq, %d]", blockIdx, x, b.hidden)
	}

	attn, err := b.attention(x, pos, blockIdx, cache)
	if err != nil {
		return nil, fmt.Errorf("block %d attention: %w", blockIdx, err)
	}
	tensor.Add(attn.Data, x.Data)

	mlp, err := b.mlp(attn)
	if err != nil {
		return nil, fmt.Errorf("block %d mlp: %w", blockIdx, err)
	}
	tensor.Add(mlp.Data, attn.Data)
	return mlp, nil
}

func (b *Block) attention(x *tensor.Tensor, pos, blockIdx int, cache *attncache.Cache) (*tensor.Tensor, error) {
	batch, seq := x.Dim(0), x.Dim(1)
	hd := b.headDim

	h, err := tensor.RMSNormRows(x, b.inputNorm, b.eps)
	if err != nil {
		return nil, err
	}
	q, err := tensor.Linear(h, b.wq)
	if err != nil {
		return nil, err
	}
	k, err := tensor.Linear(h, b.wk)
	if err != nil {
		return nil, err
	}
	v, err := tensor.Linear(h, b.wv)
	if err != nil {
		return nil, err
	}

	cos, sin, err := cache.Rotary(pos, seq)
	if err != nil {
		return nil, err
	}
	rotate(q, b.heads, hd, cos, sin)
	rotate(k, b.kvHeads, hd, cos, sin)

	k, err = headsFirst(k, b.kvHeads, hd)
	if err != nil {
		return nil, err
	}
	v, err = headsFirst(v, b.kvHeads, hd)
	if err != nil {
		return nil, err
	}
	k, v, err = cache.MergeKV(blockIdx, k, v)
	if err != nil {
		return nil, err
	}
	kvLen := k.Dim(2)

	// Query i sits at absolute offset+i among the cached keys.
	offset := kvLen - seq
	var mask *attncache.Mask
	if seq > 1 {
		mask = cache.Mask(seq)
	}

	out := tensor.New(batch, seq, b.heads*hd)
	scale := float32(1 / math.Sqrt(float64(hd)))
	group := b.heads / b.kvHeads
	scores := make([]float32, kvLen)
	for bi := range batch {
		for s := range seq {
			for head := range b.heads {
				kvHead := head / group
				qv := q.Data[((bi*seq+s)*b.heads+head)*hd:][:hd]
				kBase := (bi*b.kvHeads + kvHead) * kvLen * hd
				for j := range kvLen {
					if mask != nil && j >= offset && mask.Masked(s, j-offset) {
						scores[j] = float32(math.Inf(-1))
						continue
					}
					scores[j] = tensor.Dot(qv, k.Data[kBase+j*hd:][:hd]) * scale
				}
				tensor.Softmax(scores)

				dst := out.Data[((bi*seq+s)*b.heads+head)*hd:][:hd]
				for j, w := range scores {
					if w == 0 {
						continue
					}
					row := v.Data[kBase+j*hd:][:hd]
					for d := range dst {
						dst[d] += w * row[d]
					}
				}
			}
		}
	}
	return tensor.Linear(out, b.wo)
}

func (b *Block) mlp(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := tensor.RMSNormRows(x, b.postNorm, b.eps)
	if err != nil {
		return nil, err
	}
	gate, err := tensor.Linear(h, b.gate)
	if err != nil {
		return nil, err
	}
	up, err := tensor.Linear(h, b.up)
	if err != nil {
		return nil, err
	}
	tensor.SiluMul(gate.Data, gate.Data, up.Data)
	return tensor.Linear(gate, b.down)
}

// rotate applies rotary embeddings in place to x shaped [b, seq, heads*hd].
func rotate(x *tensor.Tensor, heads, hd int, cos, sin [][]float32) {
	batch, seq := x.Dim(0), x.Dim(1)
	for bi := range batch {
		for s := range seq {
			row := x.Data[(bi*seq+s)*heads*hd:]
			for head := range heads {
				tensor.RotateHalves(row[head*hd:(head+1)*hd], cos[s], sin[s])
			}
		}
	}
}

// headsFirst turns [b, seq, heads*hd] into [b, heads, seq, hd].
func headsFirst(x *tensor.Tensor, heads, hd int) (*tensor.Tensor, error) {
	batch, seq := x.Dim(0), x.Dim(1)
	if x.Dim(2) != heads*hd {
		return nil, fmt.Errorf("split heads: width %d, want %d", x.Dim(2), heads*hd)
	}
	out := tensor.New(batch, heads, seq, hd)
	for bi := range batch {
		for s := range seq {
			for head := range heads {
				src := x.Data[((bi*seq+s)*heads+head)*hd:][:hd]
				copy(out.Data[((bi*heads+head)*seq+s)*hd:][:hd], src)
			}
		}
	}
	return out, nil
}
