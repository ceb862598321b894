// Package engine builds the process-wide state shared by the master and the
// workers: parsed arguments, topology, model configuration, weights and the
// attention cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samcharles93/strand/internal/attncache"
	"github.com/samcharles93/strand/internal/client"
	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/logits"
	"github.com/samcharles93/strand/internal/model"
	"github.com/samcharles93/strand/internal/safetensors"
	"github.com/samcharles93/strand/internal/tensor"
	"github.com/samcharles93/strand/internal/tokenizer"
	"github.com/samcharles93/strand/internal/topology"
)

// Device is the only compute device blocks run on.
const Device = "cpu"

const (
	DefaultAddress       = "127.0.0.1:10128"
	DefaultSeed          = 299792458
	DefaultSampleLen     = 2048
	DefaultTemperature   = 1.0
	DefaultRepeatPenalty = 1.1
	DefaultRepeatLastN   = 128
	DefaultSystemPrompt  = "You are a helpful AI assistant."
	DefaultDType         = "f16"
)

// Args is the command line of a master or worker process.
type Args struct {
	// Name is the topology node a worker serves.
	Name string
	// Address is the worker listen address.
	Address  string
	Model    string
	Topology string

	Prompt       string
	SystemPrompt string

	Seed          uint64
	SampleLen     int
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	RepeatLastN   int

	DType         string
	NoKVCache     bool
	RemoteTimeout time.Duration
	StatusAddr    string
}

// DefaultArgs returns the flag defaults.
func DefaultArgs() Args {
	return Args{
		Address:       DefaultAddress,
		SystemPrompt:  DefaultSystemPrompt,
		Seed:          DefaultSeed,
		SampleLen:     DefaultSampleLen,
		Temperature:   DefaultTemperature,
		RepeatPenalty: DefaultRepeatPenalty,
		RepeatLastN:   DefaultRepeatLastN,
		DType:         DefaultDType,
	}
}

// Sampling maps the sampling flags to a strategy.
func (a Args) Sampling() logits.Sampling {
	return logits.SamplingFor(a.Temperature, a.TopK, a.TopP)
}

// Context is everything loaded once at startup.
type Context struct {
	Args     Args
	DType    tensor.DType
	Topology *topology.Topology
	// DataPath is the model directory.
	DataPath string
	Config   *model.Config
	Weights  *safetensors.Store
	Cache    *attncache.Cache
	Device   string

	log logger.Logger
}

// NewContext validates args and opens the model. Any error here is a
// configuration error.
func NewContext(args Args, log logger.Logger) (*Context, error) {
	if log == nil {
		log = logger.Nop()
	}
	dtype, err := tensor.ParseDType(args.DType)
	if err != nil {
		return nil, err
	}
	if args.Model == "" {
		return nil, errors.New("model path is required")
	}
	dataPath := args.Model
	if fi, err := os.Stat(dataPath); err != nil {
		return nil, fmt.Errorf("model path: %w", err)
	} else if !fi.IsDir() {
		dataPath = filepath.Dir(dataPath)
	}

	topo := topology.Empty()
	if args.Topology != "" {
		if topo, err = topology.Load(args.Topology); err != nil {
			return nil, err
		}
		log.Info("topology loaded", "path", args.Topology, "nodes", len(topo.Nodes()))
	}

	cfg, err := model.LoadConfig(filepath.Join(dataPath, "config.json"))
	if err != nil {
		return nil, err
	}
	weights, err := safetensors.OpenDir(dataPath, dtype)
	if err != nil {
		return nil, err
	}
	cache, err := attncache.New(attncache.Options{
		HeadDim:   cfg.HeadDim(),
		NumLayers: cfg.NumHiddenLayers,
		RopeTheta: cfg.RopeTheta,
		UseKV:     !args.NoKVCache,
	})
	if err != nil {
		_ = weights.Close()
		return nil, err
	}
	log.Debug("model opened",
		"path", dataPath,
		"dtype", dtype.String(),
		"layers", cfg.NumHiddenLayers,
		"hidden", cfg.HiddenSize,
		"heads", cfg.NumAttentionHeads,
		"kv_heads", cfg.NumKeyValueHeads,
		"kv_cache", !args.NoKVCache,
	)

	return &Context{
		Args:     args,
		DType:    dtype,
		Topology: topo,
		DataPath: dataPath,
		Config:   cfg,
		Weights:  weights,
		Cache:    cache,
		Device:   Device,
		log:      log,
	}, nil
}

// Clone returns a copy with a fresh attention cache that shares the rotary
// tables. Weights are shared and stay owned by the original.
func (c *Context) Clone() *Context {
	n := *c
	n.Cache = c.Cache.AsNew()
	return &n
}

// Logger returns the logger the context was built with.
func (c *Context) Logger() logger.Logger { return c.log }

// Tokenizer loads tokenizer.json and the optional tokenizer_config.json.
func (c *Context) Tokenizer() (*tokenizer.HFTokenizer, error) {
	return tokenizer.Load(
		filepath.Join(c.DataPath, "tokenizer.json"),
		filepath.Join(c.DataPath, "tokenizer_config.json"),
	)
}

// Connect dials a topology node with the configured timeout and dtype.
func (c *Context) Connect(ctx context.Context, node *topology.Node) (model.Remote, error) {
	cl, err := client.Dial(ctx, node.Name, node.Host, client.Options{
		Timeout: c.Args.RemoteTimeout,
		DType:   c.DType,
		Logger:  c.log,
	})
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// LoadModel builds the master-side model, connecting to every worker the
// topology names.
func (c *Context) LoadModel(ctx context.Context) (*model.Llama, error) {
	tok, err := c.Tokenizer()
	if err != nil {
		return nil, err
	}
	return model.Load(ctx, model.Options{
		Config:        c.Config,
		Weights:       c.Weights,
		Tokenizer:     tok,
		Topology:      c.Topology,
		Cache:         c.Cache,
		Connect:       c.Connect,
		Sampling:      c.Args.Sampling(),
		Seed:          c.Args.Seed,
		RepeatPenalty: float32(c.Args.RepeatPenalty),
		RepeatLastN:   c.Args.RepeatLastN,
		Logger:        c.log,
	})
}

// Close releases the weight files.
func (c *Context) Close() error {
	return c.Weights.Close()
}
