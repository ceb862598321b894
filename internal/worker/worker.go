// Package worker serves the blocks a topology assigns to one node.
//
// Every accepted connection is a session with its own attention cache. A
// batch whose first entry starts at position 0 begins a new turn and clears
// that cache.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strand/internal/attncache"
	"github.com/samcharles93/strand/internal/engine"
	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/model"
	"github.com/samcharles93/strand/internal/proto"
	"github.com/samcharles93/strand/internal/tensor"
	"github.com/samcharles93/strand/internal/version"
)

// ErrNoLayers is returned when the topology gives the node nothing to serve.
var ErrNoLayers = errors.New("worker: no layers assigned")

// SessionInfo is a snapshot of one connected master.
type SessionInfo struct {
	ID      string    `json:"id"`
	Remote  string    `json:"remote"`
	Started time.Time `json:"started"`
	Batches int       `json:"batches"`
}

// Worker owns the loaded blocks and the live sessions.
type Worker struct {
	ectx   *engine.Context
	name   string
	blocks map[string]*model.Block
	layers []string
	log    logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id      string
	remote  string
	started time.Time
	cache   *attncache.Cache
	batches int
}

// New loads every block the topology assigns to ectx.Args.Name.
func New(ectx *engine.Context) (*Worker, error) {
	name := ectx.Args.Name
	if name == "" {
		return nil, errors.New("worker name is required")
	}
	if _, ok := ectx.Topology.Node(name); !ok {
		return nil, fmt.Errorf("node %q is not in the topology", name)
	}
	layers := ectx.Topology.LayersFor(name)
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLayers, name)
	}

	log := ectx.Logger()
	w := &Worker{
		ectx:     ectx,
		name:     name,
		blocks:   make(map[string]*model.Block, len(layers)),
		layers:   layers,
		log:      log,
		sessions: make(map[string]*session),
	}
	for _, layer := range layers {
		b, err := model.LoadBlock(ectx.Weights, layer, ectx.Config)
		if err != nil {
			return nil, err
		}
		w.blocks[layer] = b
		log.Debug("block loaded", "layer", layer)
	}
	log.Info("worker ready", "layers", len(layers), "dtype", ectx.DType.String())
	return w, nil
}

// Name returns the topology node this worker serves.
func (w *Worker) Name() string { return w.name }

// Layers returns the served layer names in topology order.
func (w *Worker) Layers() []string { return append([]string(nil), w.layers...) }

// Sessions returns the live sessions ordered by start time.
func (w *Worker) Sessions() []SessionInfo {
	w.mu.Lock()
	out := make([]SessionInfo, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, SessionInfo{ID: s.id, Remote: s.remote, Started: s.started, Batches: s.batches})
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Run listens on the configured address until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", w.ectx.Args.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	w.log.Info("listening", "address", ln.Addr().String())
	return w.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then waits for the open
// sessions to end. ln is closed on return.
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				w.handle(ctx, conn)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) handle(ctx context.Context, conn net.Conn) {
	s := &session{
		id:      uuid.NewString(),
		remote:  conn.RemoteAddr().String(),
		started: time.Now(),
		cache:   w.ectx.Cache.WithKV(true),
	}
	log := w.log.With("session", s.id, "remote", s.remote)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	w.mu.Lock()
	w.sessions[s.id] = s
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.sessions, s.id)
		w.mu.Unlock()
	}()

	log.Info("session opened")
	err := w.serveConn(ctx, conn, s, log)
	switch {
	case err == nil, errors.Is(err, io.EOF), ctx.Err() != nil:
		log.Info("session closed", "batches", s.batches)
	default:
		log.Warn("session ended", "batches", s.batches, "error", err)
	}
}

func (w *Worker) serveConn(ctx context.Context, conn net.Conn, s *session, log logger.Logger) error {
	for {
		msg, err := proto.ReadMessage(conn)
		if err != nil {
			return err
		}
		var reply proto.Message
		switch req := msg.(type) {
		case *proto.Hello:
			reply = w.hello(req, s)
		case *proto.ForwardBatch:
			start := time.Now()
			out, err := w.forwardBatch(ctx, req, s)
			if err != nil {
				log.Warn("batch failed", "error", err)
				reply = &proto.Error{Message: err.Error()}
				break
			}
			reply = &proto.Tensor{DType: req.DType, X: out}
			log.Debug("batch done",
				"blocks", len(req.Batch),
				"position", req.Batch[0].Position,
				"seq", req.X.Dim(1),
				"took", time.Since(start),
			)
		case *proto.Goodbye:
			return nil
		default:
			reply = &proto.Error{Message: fmt.Sprintf("unexpected %s message", msg.Kind())}
		}
		if err := proto.WriteMessage(conn, reply); err != nil {
			return err
		}
	}
}

func (w *Worker) hello(req *proto.Hello, s *session) proto.Message {
	if req.Protocol != version.Protocol {
		return &proto.Error{Message: fmt.Sprintf("protocol %d not supported, want %d", req.Protocol, version.Protocol)}
	}
	if req.Node != "" && req.Node != w.name {
		w.log.Warn("master expected another node", "expected", req.Node)
	}
	return &proto.WorkerInfo{
		Protocol:  version.Protocol,
		Version:   version.String(),
		Name:      w.name,
		SessionID: s.id,
		DType:     w.ectx.DType.String(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Device:    w.ectx.Device,
		Layers:    w.Layers(),
	}
}

// forwardBatch runs req.X through the named blocks in order. Every layer is
// checked before any block runs so a bad request leaves the cache untouched.
func (w *Worker) forwardBatch(ctx context.Context, req *proto.ForwardBatch, s *session) (*tensor.Tensor, error) {
	blocks := make([]*model.Block, len(req.Batch))
	for i, e := range req.Batch {
		b, ok := w.blocks[e.Layer]
		if !ok {
			return nil, fmt.Errorf("unknown layer %s", e.Layer)
		}
		if e.Index < 0 || e.Index >= w.ectx.Config.NumHiddenLayers {
			return nil, fmt.Errorf("block index %d out of range for %s", e.Index, e.Layer)
		}
		blocks[i] = b
	}

	if req.Batch[0].Position == 0 {
		s.cache.Clear()
	}
	x := req.X
	for i, e := range req.Batch {
		var err error
		if x, err = blocks[i].Forward(ctx, x, e.Position, e.Index, s.cache); err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	s.batches++
	w.mu.Unlock()
	return x, nil
}
