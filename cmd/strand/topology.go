package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strand/internal/forward"
	"github.com/samcharles93/strand/internal/model"
	"github.com/samcharles93/strand/internal/topology"
)

func topologyCmd() *cli.Command {
	var (
		topoPath  string
		modelPath string
		layers    int
		asJSON    bool
	)

	return &cli.Command{
		Name:  "topology",
		Usage: "Print which node serves each layer and the resulting dispatch plan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "topology",
				Aliases:     []string{"t"},
				Usage:       "topology file",
				Destination: &topoPath,
			},
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory, read for the layer count",
				Destination: &modelPath,
			},
			&cli.IntFlag{
				Name:        "layers",
				Usage:       "layer count when no model is given",
				Destination: &layers,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig(configPath())
			if topoPath == "" {
				topoPath = cfg.Topology
			}
			if modelPath == "" && layers == 0 {
				modelPath = cfg.Model
			}
			if topoPath == "" {
				return cli.Exit("--topology is required", 1)
			}
			topo, err := topology.Load(topoPath)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if modelPath != "" {
				mc, err := model.LoadConfig(filepath.Join(modelDir(modelPath), "config.json"))
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				layers = mc.NumHiddenLayers
			}
			if layers <= 0 {
				return cli.Exit("--model or --layers is required", 1)
			}

			names := (&model.Config{NumHiddenLayers: layers}).LayerNames()
			if asJSON {
				return writeAssignmentJSON(os.Stdout, topo.Assign(names))
			}
			return writeAssignment(os.Stdout, topo.Assign(names))
		},
	}
}

func modelDir(path string) string {
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		return filepath.Dir(path)
	}
	return path
}

func writeAssignment(w io.Writer, assign []topology.Assignment) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LAYER\tNODE\tHOST")
	idents := make([]string, len(assign))
	for i, a := range assign {
		idents[i] = a.Ident
		host := a.Host
		if host == "" {
			host = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Layer, a.Ident, host)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	steps := forward.Plan(idents)
	_, _ = fmt.Fprintf(w, "\n%d steps per forward pass:\n", len(steps))
	for _, s := range steps {
		_, _ = fmt.Fprintf(w, "  %s\n", s)
	}
	return nil
}

func writeAssignmentJSON(w io.Writer, assign []topology.Assignment) error {
	type entry struct {
		Layer string `json:"layer"`
		Node  string `json:"node"`
		Host  string `json:"host,omitempty"`
	}
	out := make([]entry, len(assign))
	for i, a := range assign {
		out[i] = entry{Layer: a.Layer, Node: a.Ident, Host: a.Host}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
