// Package forward routes activations through the transformer blocks of a
// model, each of which runs either in process or on a remote worker.
package forward

import (
	"context"
	"fmt"

	"github.com/samcharles93/strand/internal/attncache"
	"github.com/samcharles93/strand/internal/proto"
	"github.com/samcharles93/strand/internal/tensor"
	"github.com/samcharles93/strand/internal/topology"
)

// Executor runs one block in process.
type Executor interface {
	Forward(ctx context.Context, x *tensor.Tensor, pos, blockIdx int, cache *attncache.Cache) (*tensor.Tensor, error)
}

// BatchExecutor runs consecutive blocks in one round trip. The remote side
// keeps its own attention cache.
type BatchExecutor interface {
	ForwardBatch(ctx context.Context, x *tensor.Tensor, batch []proto.BatchEntry) (*tensor.Tensor, error)
}

// Kind tells a local block from a remote one.
type Kind uint8

const (
	Local Kind = iota
	Remote
)

func (k Kind) String() string {
	if k == Remote {
		return "remote"
	}
	return "local"
}

// Forwarder is one transformer block bound to where it executes.
type Forwarder struct {
	kind   Kind
	layer  string
	index  int
	node   string
	local  Executor
	remote BatchExecutor
}

// NewLocal binds layer to an in-process executor.
func NewLocal(layer string, index int, exec Executor) *Forwarder {
	return &Forwarder{kind: Local, layer: layer, index: index, local: exec}
}

// NewRemote binds layer to the worker called node.
func NewRemote(layer string, index int, node string, exec BatchExecutor) *Forwarder {
	return &Forwarder{kind: Remote, layer: layer, index: index, node: node, remote: exec}
}

func (f *Forwarder) Kind() Kind     { return f.kind }
func (f *Forwarder) Layer() string  { return f.layer }
func (f *Forwarder) Index() int     { return f.index }
func (f *Forwarder) IsLocal() bool  { return f.kind == Local }
func (f *Forwarder) String() string { return f.layer + "@" + f.Ident() }

// Ident is "local" for in-process blocks and the node name otherwise.
// Blocks sharing an ident may be batched together.
func (f *Forwarder) Ident() string {
	if f.kind == Local {
		return topology.Local
	}
	return f.node
}

// Forward runs this block alone. Remote blocks are sent as a batch of one.
func (f *Forwarder) Forward(ctx context.Context, x *tensor.Tensor, pos int, cache *attncache.Cache) (*tensor.Tensor, error) {
	if f.kind == Local {
		return f.local.Forward(ctx, x, pos, f.index, cache)
	}
	return f.remote.ForwardBatch(ctx, x, []proto.BatchEntry{{Layer: f.layer, Position: pos, Index: f.index}})
}

// ForwardBatch sends x through batch using this block's remote executor.
func (f *Forwarder) ForwardBatch(ctx context.Context, x *tensor.Tensor, batch []proto.BatchEntry) (*tensor.Tensor, error) {
	if f.kind != Remote {
		return nil, fmt.Errorf("forward batch on local block %s", f.layer)
	}
	return f.remote.ForwardBatch(ctx, x, batch)
}
