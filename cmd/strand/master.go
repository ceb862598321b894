package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strand/internal/engine"
	"github.com/samcharles93/strand/internal/inference"
	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/model"
	"github.com/samcharles93/strand/internal/status"
)

func masterCmd() *cli.Command {
	args := engine.DefaultArgs()
	var streamMode string

	return &cli.Command{
		Name:  "master",
		Usage: "Load the model, connect to the workers and generate text",
		Flags: append(append(modelFlags(&args), samplingFlags(&args)...),
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, smooth, quiet)",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := applyConfig(cmd, LoadConfig(configPath()), &args); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			mode, ok := parseStreamMode(streamMode)
			if !ok {
				return cli.Exit(fmt.Sprintf("unknown stream mode %q", streamMode), 1)
			}
			log := logger.ForNode(logger.FromContext(ctx), "master", "")

			ectx, err := engine.NewContext(args, log)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer ectx.Close()

			llama, err := ectx.LoadModel(ctx)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer func() {
				if err := llama.Close(); err != nil {
					log.Warn("closing workers", "error", err)
				}
			}()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			if args.StatusAddr != "" {
				srv := status.New("master", "", masterStatus(llama))
				g.Go(func() error { return srv.Serve(gctx, args.StatusAddr, log) })
			}
			g.Go(func() error {
				defer cancel()
				return runMaster(gctx, args, llama, NewStreamWriter(os.Stdout, mode), log)
			})
			if err := g.Wait(); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func runMaster(ctx context.Context, args engine.Args, llama *model.Llama, sw *StreamWriter, log logger.Logger) error {
	m := inference.New(llama, inference.Options{
		Prompt:       args.Prompt,
		SystemPrompt: args.SystemPrompt,
		SampleLen:    args.SampleLen,
		Logger:       log,
	})
	if args.Prompt == "" {
		_, _ = fmt.Fprintln(os.Stderr, "Interactive mode. Type q or /exit to quit, /reset to start over.")
		return repl(ctx, newPrompter(os.Stdin, os.Stdout), m, sw, os.Stderr)
	}

	stats, err := m.Generate(ctx, sw.Write)
	sw.Flush()
	sw.EndLine()
	if err != nil {
		return err
	}
	writeReport(os.Stderr, stats)
	return nil
}

func masterStatus(llama *model.Llama) status.Source {
	var blocks, steps []string
	for _, b := range llama.Pipeline().Blocks() {
		blocks = append(blocks, b.String())
	}
	for _, s := range llama.Pipeline().Steps() {
		steps = append(steps, s.String())
	}
	return func(r *status.Report) {
		r.Layers = blocks
		r.Sessions = steps
	}
}
