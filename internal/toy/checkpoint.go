// Package toy writes tiny random Llama checkpoints. They exercise the whole
// loading and dispatch path in tests and smoke runs without a real model.
package toy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strand/internal/safetensors"
	"github.com/samcharles93/strand/internal/tensor"
)

// Special token ids of the toy vocabulary. Ids below BeginOfText are the
// printable ASCII bytes followed by the byte-level space and newline.
const (
	BeginOfText = 96 + iota
	StartHeader
	EndHeader
	EOT
	EndOfText
)

// Spec sizes a checkpoint.
type Spec struct {
	Vocab        int
	Hidden       int
	Intermediate int
	Layers       int
	Heads        int
	KVHeads      int
	Seed         int64
	// EOS is written as eos_token_id; nil writes null.
	EOS []int
	// TieEmbeddings omits lm_head.weight.
	TieEmbeddings bool
	// FlatHead zeroes the final norm so every logit is 0 and greedy
	// sampling always picks token 0.
	FlatHead bool
}

// Default is a four block model with grouped query attention.
func Default() Spec {
	return Spec{
		Vocab:        128,
		Hidden:       16,
		Intermediate: 32,
		Layers:       4,
		Heads:        4,
		KVHeads:      2,
		Seed:         7,
		EOS:          []int{EOT},
	}
}

// Write creates config.json, model.safetensors and tokenizer.json in dir.
func Write(dir string, s Spec) error {
	if s.Vocab <= EndOfText {
		return fmt.Errorf("toy vocab %d too small for the special tokens", s.Vocab)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg, err := ConfigJSON(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), cfg, 0o644); err != nil {
		return err
	}
	tok, err := TokenizerJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), tok, 0o644); err != nil {
		return err
	}
	return safetensors.WriteFile(filepath.Join(dir, safetensors.SingleFile), tensor.F32, Tensors(s))
}

// ConfigJSON renders the config.json for s.
func ConfigJSON(s Spec) ([]byte, error) {
	cfg := map[string]any{
		"architectures":           []string{"LlamaForCausalLM"},
		"model_type":              "llama",
		"hidden_size":             s.Hidden,
		"intermediate_size":       s.Intermediate,
		"vocab_size":              s.Vocab,
		"num_hidden_layers":       s.Layers,
		"num_attention_heads":     s.Heads,
		"num_key_value_heads":     s.KVHeads,
		"rms_norm_eps":            1e-5,
		"rope_theta":              10000.0,
		"max_position_embeddings": 256,
		"bos_token_id":            BeginOfText,
		"eos_token_id":            nil,
		"tie_word_embeddings":     s.TieEmbeddings,
	}
	switch len(s.EOS) {
	case 0:
	case 1:
		cfg["eos_token_id"] = s.EOS[0]
	default:
		cfg["eos_token_id"] = s.EOS
	}
	return json.MarshalIndent(cfg, "", "  ")
}

// Tensors returns reproducible random weights for s.
func Tensors(s Spec) map[string]*tensor.Tensor {
	hd := s.Hidden / s.Heads
	seed := s.Seed
	mat := func(r, c int) *tensor.Tensor {
		m := tensor.NewMat(r, c)
		seed++
		tensor.FillRand(&m, seed)
		// Scale up so activations survive a few blocks of small weights.
		for i := range m.Data {
			m.Data[i] *= 50
		}
		return &tensor.Tensor{Shape: []int{r, c}, Data: m.Data}
	}
	ones := func(n int) *tensor.Tensor {
		t := tensor.New(n)
		for i := range t.Data {
			t.Data[i] = 1
		}
		return t
	}

	out := map[string]*tensor.Tensor{
		"model.embed_tokens.weight": mat(s.Vocab, s.Hidden),
		"model.norm.weight":         ones(s.Hidden),
	}
	if s.FlatHead {
		out["model.norm.weight"] = tensor.New(s.Hidden)
	}
	if !s.TieEmbeddings {
		out["lm_head.weight"] = mat(s.Vocab, s.Hidden)
	}
	for i := range s.Layers {
		p := fmt.Sprintf("model.layers.%d", i)
		out[p+".input_layernorm.weight"] = ones(s.Hidden)
		out[p+".post_attention_layernorm.weight"] = ones(s.Hidden)
		out[p+".self_attn.q_proj.weight"] = mat(s.Heads*hd, s.Hidden)
		out[p+".self_attn.k_proj.weight"] = mat(s.KVHeads*hd, s.Hidden)
		out[p+".self_attn.v_proj.weight"] = mat(s.KVHeads*hd, s.Hidden)
		out[p+".self_attn.o_proj.weight"] = mat(s.Hidden, s.Heads*hd)
		out[p+".mlp.gate_proj.weight"] = mat(s.Intermediate, s.Hidden)
		out[p+".mlp.up_proj.weight"] = mat(s.Intermediate, s.Hidden)
		out[p+".mlp.down_proj.weight"] = mat(s.Hidden, s.Intermediate)
	}
	return out
}

// TokenizerJSON is a byte-level BPE vocabulary without merges: one token per
// printable ASCII byte, space and newline, plus the Llama 3 chat markers.
func TokenizerJSON() ([]byte, error) {
	vocab := make(map[string]int, BeginOfText)
	for b := byte('!'); b <= '~'; b++ {
		vocab[string(rune(b))] = int(b - '!')
	}
	vocab["Ġ"] = 94
	vocab["Ċ"] = 95

	type added struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	}
	doc := map[string]any{
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": []string{},
		},
		"added_tokens": []added{
			{ID: BeginOfText, Content: "<|begin_of_text|>", Special: true},
			{ID: StartHeader, Content: "<|start_header_id|>", Special: true},
			{ID: EndHeader, Content: "<|end_header_id|>", Special: true},
			{ID: EOT, Content: "<|eot_id|>", Special: true},
			{ID: EndOfText, Content: "<|end_of_text|>", Special: true},
		},
	}
	return json.Marshal(doc)
}
