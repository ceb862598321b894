package main

import (
	"context"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strand/internal/engine"
	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/status"
	"github.com/samcharles93/strand/internal/worker"
)

func workerCmd() *cli.Command {
	args := engine.DefaultArgs()

	return &cli.Command{
		Name:  "worker",
		Usage: "Serve the layers the topology assigns to this node",
		Flags: append(modelFlags(&args),
			&cli.StringFlag{
				Name:        "name",
				Usage:       "topology node served by this worker",
				Destination: &args.Name,
			},
			&cli.StringFlag{
				Name:        "address",
				Aliases:     []string{"addr"},
				Usage:       "listen address",
				Value:       engine.DefaultAddress,
				Destination: &args.Address,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := applyConfig(cmd, LoadConfig(configPath()), &args); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if args.Topology == "" {
				return cli.Exit("a worker needs --topology", 1)
			}
			log := logger.ForNode(logger.FromContext(ctx), "worker", args.Name)

			ectx, err := engine.NewContext(args, log)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer ectx.Close()
			w, err := worker.New(ectx)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			g, gctx := errgroup.WithContext(ctx)
			if args.StatusAddr != "" {
				srv := status.New("worker", w.Name(), func(r *status.Report) {
					r.Layers = w.Layers()
					r.Sessions = w.Sessions()
				})
				g.Go(func() error { return srv.Serve(gctx, args.StatusAddr, log) })
			}
			g.Go(func() error { return w.Run(gctx) })
			if err := g.Wait(); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}
