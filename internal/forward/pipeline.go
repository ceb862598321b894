package forward

import (
	"context"
	"fmt"

	"github.com/samcharles93/strand/internal/attncache"
	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/proto"
	"github.com/samcharles93/strand/internal/tensor"
	"github.com/samcharles93/strand/internal/topology"
)

// Step is one dispatch: a single local block, or a run of consecutive
// blocks served by the same worker.
type Step struct {
	Ident   string
	Local   bool
	Indices []int
}

func (s Step) String() string {
	if s.Local {
		return fmt.Sprintf("local block %d", s.Indices[0])
	}
	return fmt.Sprintf("batch %s blocks %d..%d", s.Ident, s.Indices[0], s.Indices[len(s.Indices)-1])
}

// Plan groups block identities into steps. Local blocks are never merged.
func Plan(idents []string) []Step {
	var steps []Step
	for i := 0; i < len(idents); {
		if idents[i] == topology.Local {
			steps = append(steps, Step{Ident: topology.Local, Local: true, Indices: []int{i}})
			i++
			continue
		}
		run := Step{Ident: idents[i]}
		for i < len(idents) && idents[i] == run.Ident {
			run.Indices = append(run.Indices, i)
			i++
		}
		steps = append(steps, run)
	}
	return steps
}

// Pipeline holds the blocks of a model and their static dispatch plan.
type Pipeline struct {
	blocks []*Forwarder
	steps  []Step
	log    logger.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for per-step debug output.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// NewPipeline plans dispatch over blocks, which must be ordered by index.
func NewPipeline(blocks []*Forwarder, opts ...Option) (*Pipeline, error) {
	idents := make([]string, len(blocks))
	for i, b := range blocks {
		if b == nil {
			return nil, fmt.Errorf("block %d is nil", i)
		}
		if b.Index() != i {
			return nil, fmt.Errorf("block %s has index %d at position %d", b.Layer(), b.Index(), i)
		}
		idents[i] = b.Ident()
	}
	p := &Pipeline{blocks: blocks, steps: Plan(idents), log: logger.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Steps returns the dispatch plan.
func (p *Pipeline) Steps() []Step { return p.steps }

// Blocks returns the forwarders in index order.
func (p *Pipeline) Blocks() []*Forwarder { return p.blocks }

// Forward runs x through every block. pos is the sequence position of the
// first token in x; cache is used by local blocks only.
func (p *Pipeline) Forward(ctx context.Context, x *tensor.Tensor, pos int, cache *attncache.Cache) (*tensor.Tensor, error) {
	for _, step := range p.steps {
		var err error
		if step.Local {
			x, err = p.blocks[step.Indices[0]].Forward(ctx, x, pos, cache)
		} else {
			x, err = p.runBatch(ctx, step, x, pos)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step, err)
		}
	}
	return x, nil
}

func (p *Pipeline) runBatch(ctx context.Context, step Step, x *tensor.Tensor, pos int) (*tensor.Tensor, error) {
	batch := make([]proto.BatchEntry, len(step.Indices))
	for i, idx := range step.Indices {
		batch[i] = proto.BatchEntry{Layer: p.blocks[idx].Layer(), Position: pos, Index: idx}
	}
	p.log.Debug("dispatch batch", "worker", step.Ident, "first", step.Indices[0], "blocks", len(batch), "pos", pos)
	return p.blocks[step.Indices[0]].ForwardBatch(ctx, x, batch)
}
