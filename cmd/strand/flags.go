package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strand/internal/engine"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

// modelFlags are shared by the master and the worker.
func modelFlags(args *engine.Args) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory (config.json, tokenizer.json, *.safetensors)",
			Destination: &args.Model,
		},
		&cli.StringFlag{
			Name:        "topology",
			Aliases:     []string{"t"},
			Usage:       "topology file mapping nodes to layers",
			Destination: &args.Topology,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "weight and activation dtype (f16, bf16, f32)",
			Value:       engine.DefaultDType,
			Destination: &args.DType,
		},
		&cli.StringFlag{
			Name:        "status-addr",
			Usage:       "serve GET /status on this address",
			Destination: &args.StatusAddr,
		},
	}
}

func samplingFlags(args *engine.Args) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt to complete (interactive when empty)",
			Destination: &args.Prompt,
		},
		&cli.StringFlag{
			Name:        "system-prompt",
			Aliases:     []string{"system", "sys"},
			Usage:       "system prompt opening every conversation",
			Value:       engine.DefaultSystemPrompt,
			Destination: &args.SystemPrompt,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Value:       engine.DefaultSeed,
			Destination: &args.Seed,
		},
		&cli.IntFlag{
			Name:        "sample-len",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens sampled per turn",
			Value:       engine.DefaultSampleLen,
			Destination: &args.SampleLen,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       engine.DefaultTemperature,
			Destination: &args.Temperature,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "nucleus sampling probability cutoff",
			Destination: &args.TopP,
		},
		&cli.IntFlag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "only sample among the top k tokens",
			Destination: &args.TopK,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       engine.DefaultRepeatPenalty,
			Destination: &args.RepeatPenalty,
		},
		&cli.IntFlag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "context size considered by the repetition penalty",
			Value:       engine.DefaultRepeatLastN,
			Destination: &args.RepeatLastN,
		},
		&cli.BoolFlag{
			Name:        "no-kv-cache",
			Usage:       "recompute the whole sequence for every token",
			Destination: &args.NoKVCache,
		},
		&cli.DurationFlag{
			Name:        "remote-timeout",
			Usage:       "deadline for each worker round trip (0 = none)",
			Destination: &args.RemoteTimeout,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
