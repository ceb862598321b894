package model

import (
	"bytes"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

const (
	defaultRMSNormEps = 1e-5
	defaultRopeTheta  = 10000
)

// Config holds the Llama hyperparameters read from config.json.
type Config struct {
	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	VocabSize         int     `json:"vocab_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`
	MaxPosition       int     `json:"max_position_embeddings"`

	BOSTokenID        *int     `json:"bos_token_id"`
	EOSTokenID        TokenIDs `json:"eos_token_id"`
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`
}

// TokenIDs accepts a single id, a list of ids or null.
type TokenIDs []int

func (t *TokenIDs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = nil
		return nil
	case len(data) > 0 && data[0] == '[':
		var ids []int
		if err := json.Unmarshal(data, &ids); err != nil {
			return err
		}
		*t = ids
		return nil
	default:
		var id int
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*t = TokenIDs{id}
		return nil
	}
}

// LoadConfig reads and validates a config.json file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes config.json content and fills defaults.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = defaultRMSNormEps
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = defaultRopeTheta
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("intermediate_size must be positive, got %d", c.IntermediateSize)
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("num_hidden_layers must be positive, got %d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0:
		return fmt.Errorf("num_attention_heads must be positive, got %d", c.NumAttentionHeads)
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("hidden_size %d not divisible by %d heads", c.HiddenSize, c.NumAttentionHeads)
	case c.NumKeyValueHeads <= 0 || c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("num_key_value_heads %d does not divide %d heads", c.NumKeyValueHeads, c.NumAttentionHeads)
	case c.HeadDim()%2 != 0:
		return fmt.Errorf("head dim %d must be even for rotary embeddings", c.HeadDim())
	}
	return nil
}

// HeadDim is the width of one attention head.
func (c *Config) HeadDim() int { return c.HiddenSize / c.NumAttentionHeads }

// LayerName returns the weight prefix of block i, e.g. "model.layers.3".
func (c *Config) LayerName(i int) string { return fmt.Sprintf("model.layers.%d", i) }

// LayerNames lists every block prefix in order.
func (c *Config) LayerNames() []string {
	names := make([]string, c.NumHiddenLayers)
	for i := range names {
		names[i] = c.LayerName(i)
	}
	return names
}
