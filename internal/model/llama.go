// Package model loads a Llama checkpoint whose blocks are spread over local
// memory and remote workers, and drives token-by-token generation over it.
package model

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/strand/internal/attncache"
	"github.com/samcharles93/strand/internal/chat"
	"github.com/samcharles93/strand/internal/forward"
	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/logits"
	"github.com/samcharles93/strand/internal/proto"
	"github.com/samcharles93/strand/internal/safetensors"
	"github.com/samcharles93/strand/internal/tensor"
	"github.com/samcharles93/strand/internal/tokenizer"
	"github.com/samcharles93/strand/internal/topology"
)

const (
	embedWeight  = "model.embed_tokens.weight"
	normWeight   = "model.norm.weight"
	lmHeadWeight = "lm_head.weight"
)

// End-of-text markers tried when config.json carries no eos_token_id.
var eosFallbacks = []string{"</s>", "<|end_of_text|>", "<|endoftext|>"}

var (
	// ErrNoEOS is returned when neither the config nor the vocabulary
	// names an end-of-sequence token.
	ErrNoEOS = errors.New("model: no end of sequence token")
	// ErrEmptyPrompt is returned when the rendered history encodes to
	// nothing.
	ErrEmptyPrompt = errors.New("model: prompt encodes to no tokens")
)

// Remote is a connection to a worker serving some of the blocks.
type Remote interface {
	forward.BatchExecutor
	Info() proto.WorkerInfo
	Close() error
}

// ConnectFunc opens the connection to a topology node.
type ConnectFunc func(ctx context.Context, node *topology.Node) (Remote, error)

// Options wires a Llama to its collaborators.
type Options struct {
	Config    *Config
	Weights   *safetensors.Store
	Tokenizer tokenizer.Tokenizer
	Topology  *topology.Topology
	Cache     *attncache.Cache
	// Connect is called once per node that owns at least one block.
	Connect ConnectFunc

	Sampling      logits.Sampling
	Seed          uint64
	RepeatPenalty float32
	RepeatLastN   int

	Logger logger.Logger
}

// Token is one sampled token.
type Token struct {
	ID      int
	Text    string
	HasText bool
	// IsEndOfStream is set when ID is an end-of-sequence token.
	IsEndOfStream bool
}

func (t Token) String() string {
	if !t.HasText {
		return fmt.Sprintf("<token %d>", t.ID)
	}
	return t.Text
}

// Llama is a loaded model plus the state of one dialog. It is not safe for
// concurrent use.
type Llama struct {
	cfg   *Config
	tok   tokenizer.Tokenizer
	cache *attncache.Cache
	log   logger.Logger

	embed  *tensor.Mat
	norm   []float32
	lmHead *tensor.Mat

	pipeline *forward.Pipeline
	remotes  []Remote
	eos      []int

	sampler       *logits.Sampler
	repeatPenalty float32
	repeatLastN   int

	history   chat.History
	tokens    []int
	indexPos  int
	generated int
}

// Load builds the block pipeline. Layers the topology assigns to a node are
// bound to that node's connection; every other layer is loaded locally.
func Load(ctx context.Context, opts Options) (_ *Llama, err error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("model: config is required")
	case opts.Weights == nil:
		return nil, errors.New("model: weights are required")
	case opts.Tokenizer == nil:
		return nil, errors.New("model: tokenizer is required")
	case opts.Cache == nil:
		return nil, errors.New("model: attention cache is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	topo := opts.Topology
	if topo == nil {
		topo = topology.Empty()
	}
	cfg := opts.Config

	l := &Llama{
		cfg:           cfg,
		tok:           opts.Tokenizer,
		cache:         opts.Cache,
		log:           log,
		sampler:       logits.New(opts.Seed, opts.Sampling),
		repeatPenalty: opts.RepeatPenalty,
		repeatLastN:   opts.RepeatLastN,
	}
	defer func() {
		if err != nil {
			l.Close()
		}
	}()

	if l.eos, err = resolveEOS(cfg, opts.Tokenizer); err != nil {
		return nil, err
	}
	if l.embed, err = opts.Weights.Mat(embedWeight); err != nil {
		return nil, err
	}
	if l.embed.C != cfg.HiddenSize {
		return nil, fmt.Errorf("%s: width %d, want %d", embedWeight, l.embed.C, cfg.HiddenSize)
	}
	if l.norm, err = opts.Weights.Vec(normWeight); err != nil {
		return nil, err
	}
	if opts.Weights.Has(lmHeadWeight) {
		if l.lmHead, err = opts.Weights.Mat(lmHeadWeight); err != nil {
			return nil, err
		}
	} else {
		log.Info("lm head missing, using tied embeddings")
		l.lmHead = l.embed
	}

	remotes := make(map[string]Remote)
	blocks := make([]*forward.Forwarder, cfg.NumHiddenLayers)
	for i := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		layer := cfg.LayerName(i)
		node, ok := topo.Resolve(layer)
		if !ok {
			b, err := LoadBlock(opts.Weights, layer, cfg)
			if err != nil {
				return nil, err
			}
			blocks[i] = forward.NewLocal(layer, i, b)
			log.Info(fmt.Sprintf("%s@%s", layer, topology.Local))
			continue
		}

		r, ok := remotes[node.Name]
		if !ok {
			if opts.Connect == nil {
				return nil, fmt.Errorf("%s is assigned to %s but no connector is configured", layer, node.Name)
			}
			if r, err = opts.Connect(ctx, node); err != nil {
				return nil, fmt.Errorf("connect %s (%s): %w", node.Name, node.Host, err)
			}
			remotes[node.Name] = r
			l.remotes = append(l.remotes, r)
		}
		blocks[i] = forward.NewRemote(layer, i, node.Name, r)
		info := r.Info()
		log.Info(fmt.Sprintf("%s@%s [%s]", layer, node.Host, info.String()))
	}

	if l.pipeline, err = forward.NewPipeline(blocks, forward.WithLogger(log)); err != nil {
		return nil, err
	}
	for _, step := range l.pipeline.Steps() {
		log.Debug("dispatch plan", "step", step.String())
	}
	return l, nil
}

// resolveEOS prefers config.json and falls back to well-known vocabulary
// entries.
func resolveEOS(cfg *Config, tok tokenizer.Tokenizer) ([]int, error) {
	if len(cfg.EOSTokenID) > 0 {
		return slices.Clone(cfg.EOSTokenID), nil
	}
	for _, marker := range eosFallbacks {
		if id, ok := tok.TokenID(marker); ok {
			return []int{id}, nil
		}
	}
	return nil, ErrNoEOS
}

// Config returns the model hyperparameters.
func (l *Llama) Config() *Config { return l.cfg }

// Pipeline returns the block dispatch pipeline.
func (l *Llama) Pipeline() *forward.Pipeline { return l.pipeline }

// EOS returns the end-of-sequence ids.
func (l *Llama) EOS() []int { return l.eos }

// AddMessage appends m to the dialog history.
func (l *Llama) AddMessage(m chat.Message) { l.history.Push(m) }

// PopMessage removes the last message from the dialog history.
func (l *Llama) PopMessage() (chat.Message, bool) { return l.history.Pop() }

// GeneratedTokens is the number of tokens sampled in the current turn.
func (l *Llama) GeneratedTokens() int { return l.generated }

// Reset forgets the dialog: history, tokens, cache and position.
func (l *Llama) Reset() {
	l.history.Clear()
	l.NewTurn()
}

// NewTurn keeps the history but makes the next NextToken prefill again.
func (l *Llama) NewTurn() {
	l.tokens = l.tokens[:0]
	l.cache.Clear()
	l.indexPos = 0
	l.generated = 0
}

// startDialog renders the history and tokenizes it as the new token buffer.
func (l *Llama) startDialog() error {
	l.NewTurn()

	prompt := l.history.Render()
	ids, err := l.tok.Encode(prompt, false)
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	if len(ids) == 0 {
		return ErrEmptyPrompt
	}
	l.tokens = append(l.tokens, ids...)
	l.log.Debug("dialog started", "prompt_tokens", len(ids))
	return nil
}

// NextToken runs one generation step. index is the step number within the
// turn; step 0 renders and prefills the history.
func (l *Llama) NextToken(ctx context.Context, index int) (Token, error) {
	if l.generated == 0 {
		if err := l.startDialog(); err != nil {
			return Token{}, err
		}
	}

	size, pos := len(l.tokens), 0
	if l.cache.WithKVCache() && index > 0 {
		size, pos = 1, l.indexPos
	}
	input := l.tokens[len(l.tokens)-size:]

	out, err := l.forward(ctx, input, pos)
	if err != nil {
		return Token{}, err
	}
	if l.repeatPenalty != 1 {
		start := max(len(l.tokens)-l.repeatLastN, 0)
		logits.ApplyRepeatPenalty(out, l.repeatPenalty, l.tokens[start:])
	}
	l.indexPos += len(input)

	id, err := l.sampler.Sample(out)
	if err != nil {
		return Token{}, fmt.Errorf("sample: %w", err)
	}
	l.generated++
	l.tokens = append(l.tokens, id)

	tok := Token{ID: id, IsEndOfStream: slices.Contains(l.eos, id)}
	if text, err := l.tok.Decode([]int{id}); err == nil {
		tok.Text, tok.HasText = text, true
	}
	return tok, nil
}

// forward embeds ids, runs every block and returns the logits of the last
// position.
func (l *Llama) forward(ctx context.Context, ids []int, pos int) ([]float32, error) {
	hidden := l.cfg.HiddenSize
	x := tensor.New(1, len(ids), hidden)
	for i, id := range ids {
		if id < 0 || id >= l.embed.R {
			return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, l.embed.R)
		}
		l.embed.RowTo(x.Data[i*hidden:(i+1)*hidden], id)
	}

	x, err := l.pipeline.Forward(ctx, x, pos, l.cache)
	if err != nil {
		return nil, err
	}
	if x.Len() < hidden {
		return nil, fmt.Errorf("pipeline returned %v", x)
	}

	last := make([]float32, hidden)
	tensor.RMSNorm(last, x.Data[x.Len()-hidden:], l.norm, float32(l.cfg.RMSNormEps))
	out := make([]float32, l.lmHead.R)
	tensor.MatVec(out, l.lmHead, last)
	return out, nil
}

// Close ends every worker session.
func (l *Llama) Close() error {
	var errs []error
	for _, r := range l.remotes {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.remotes = nil
	return errors.Join(errs...)
}
