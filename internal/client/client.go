// Package client is the master side of a worker connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/proto"
	"github.com/samcharles93/strand/internal/tensor"
	"github.com/samcharles93/strand/internal/version"
)

// ErrClosed is returned by calls on a closed or broken client.
var ErrClosed = errors.New("client: connection closed")

// RemoteError is a failure reported by the worker itself.
type RemoteError struct {
	Node    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Node, e.Message)
}

// Options tunes a Client.
type Options struct {
	// Timeout bounds each round trip when the context has no earlier
	// deadline. Zero means no bound.
	Timeout time.Duration
	// DType is the encoding used for activations sent to the worker.
	DType  tensor.DType
	Logger logger.Logger
}

// Client owns one TCP connection to a worker. Calls are serialized.
type Client struct {
	node string
	host string
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	conn    net.Conn
	broken  error
	info    proto.WorkerInfo
	latency time.Duration
}

// Dial connects to host and performs the Hello/WorkerInfo handshake.
func Dial(ctx context.Context, node, host string, opts Options) (*Client, error) {
	var d net.Dialer
	if opts.Timeout > 0 {
		d.Timeout = opts.Timeout
	}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", node, host, err)
	}
	c, err := New(ctx, conn, node, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// New runs the handshake over an established connection.
func New(ctx context.Context, conn net.Conn, node string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	c := &Client{
		node: node,
		host: conn.RemoteAddr().String(),
		opts: opts,
		log:  opts.Logger.With("worker", node),
		conn: conn,
	}

	start := time.Now()
	reply, err := c.roundTrip(ctx, &proto.Hello{
		Protocol: version.Protocol,
		Version:  version.String(),
		Node:     node,
	})
	if err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", node, err)
	}
	info, ok := reply.(*proto.WorkerInfo)
	if !ok {
		return nil, fmt.Errorf("handshake with %s: unexpected %s reply", node, reply.Kind())
	}
	if info.Protocol != version.Protocol {
		return nil, fmt.Errorf("handshake with %s: protocol %d, want %d", node, info.Protocol, version.Protocol)
	}
	c.info = *info
	c.latency = time.Since(start)
	c.log.Debug("handshake complete", "session", info.SessionID, "latency", c.latency)
	return c, nil
}

// Node returns the topology name of the worker.
func (c *Client) Node() string { return c.node }

// Host returns the remote address.
func (c *Client) Host() string { return c.host }

// Info returns the worker's handshake reply.
func (c *Client) Info() proto.WorkerInfo { return c.info }

// Latency is the handshake round-trip time.
func (c *Client) Latency() time.Duration { return c.latency }

// ForwardBatch sends x through the listed blocks on the worker and returns
// the resulting activations.
func (c *Client) ForwardBatch(ctx context.Context, x *tensor.Tensor, batch []proto.BatchEntry) (*tensor.Tensor, error) {
	reply, err := c.roundTrip(ctx, &proto.ForwardBatch{DType: c.opts.DType, X: x, Batch: batch})
	if err != nil {
		return nil, err
	}
	out, ok := reply.(*proto.Tensor)
	if !ok {
		return nil, fmt.Errorf("worker %s: unexpected %s reply to forward batch", c.node, reply.Kind())
	}
	if out.X.Dim(0) != x.Dim(0) || out.X.Dim(1) != x.Dim(1) {
		return nil, fmt.Errorf("worker %s: returned %v for input %v", c.node, out.X, x)
	}
	return out.X, nil
}

// roundTrip writes req and reads one reply. Transport failures break the
// client for good; worker Error replies do not.
func (c *Client) roundTrip(ctx context.Context, req proto.Message) (proto.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if c.opts.Timeout > 0 {
		if limit := time.Now().Add(c.opts.Timeout); !ok || limit.Before(deadline) {
			deadline, ok = limit, true
		}
	}
	if ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	reply, err := c.exchange(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		c.broken = fmt.Errorf("%w: %s: %w", ErrClosed, c.node, err)
		_ = c.conn.Close()
		return nil, fmt.Errorf("worker %s: %w", c.node, err)
	}
	if e, isErr := reply.(*proto.Error); isErr {
		return nil, &RemoteError{Node: c.node, Message: e.Message}
	}
	return reply, nil
}

func (c *Client) exchange(req proto.Message) (proto.Message, error) {
	if err := proto.WriteMessage(c.conn, req); err != nil {
		return nil, err
	}
	reply, err := proto.ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read reply to %s: %w", req.Kind(), err)
	}
	return reply, nil
}

// Close says goodbye and closes the connection. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil
	}
	c.broken = fmt.Errorf("%w: %s", ErrClosed, c.node)
	_ = c.conn.SetDeadline(time.Now().Add(time.Second))
	werr := proto.WriteMessage(c.conn, &proto.Goodbye{})
	return errors.Join(werr, c.conn.Close())
}
