// Package attncache holds the per-session attention state of a transformer:
// rotary position tables, memoized causal masks and a bounded key/value
// history per block.
package attncache

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/strand/internal/tensor"
)

// MaxSeqLen is the default number of positions covered by the rotary tables
// and the default key/value window.
const MaxSeqLen = 4096

// seqAxis is the sequence axis of [batch, kvHeads, seq, headDim] tensors.
const seqAxis = 2

var (
	// ErrPosition is returned when a rotary lookup leaves the table.
	ErrPosition = errors.New("attncache: position out of range")
	// ErrBlock is returned for a block index outside [0, NumLayers).
	ErrBlock = errors.New("attncache: block index out of range")
)

// Options configures a Cache.
type Options struct {
	HeadDim   int
	NumLayers int
	RopeTheta float64
	// MaxSeqLen defaults to MaxSeqLen.
	MaxSeqLen int
	// Window bounds the cached keys and values per block. Defaults to
	// MaxSeqLen.
	Window int
	UseKV  bool
}

// Mask is a square causal mask: entry (i, j) is set when query i must not
// attend to key j.
type Mask struct {
	n    int
	bits []uint8
}

// Len is the side of the mask.
func (m *Mask) Len() int { return m.n }

// Masked reports whether (i, j) is hidden.
func (m *Mask) Masked(i, j int) bool { return m.bits[i*m.n+j] != 0 }

type kv struct {
	k, v *tensor.Tensor
}

// Cache is not safe for concurrent use. Each generation session owns one.
type Cache struct {
	opts Options

	// cos and sin are shared between a cache and its AsNew copies and are
	// never written after New.
	cos, sin [][]float32

	masks map[int]*Mask
	kvs   []*kv
}

// New precomputes the rotary tables for opts.
func New(opts Options) (*Cache, error) {
	if opts.HeadDim <= 0 || opts.HeadDim%2 != 0 {
		return nil, fmt.Errorf("attncache: head dim %d must be positive and even", opts.HeadDim)
	}
	if opts.NumLayers <= 0 {
		return nil, fmt.Errorf("attncache: need at least one layer, got %d", opts.NumLayers)
	}
	if opts.RopeTheta <= 0 {
		return nil, fmt.Errorf("attncache: rope theta %v must be positive", opts.RopeTheta)
	}
	if opts.MaxSeqLen <= 0 {
		opts.MaxSeqLen = MaxSeqLen
	}
	if opts.Window <= 0 {
		opts.Window = opts.MaxSeqLen
	}

	half := opts.HeadDim / 2
	theta := make([]float64, half)
	for i := range half {
		theta[i] = 1 / math.Pow(opts.RopeTheta, float64(2*i)/float64(opts.HeadDim))
	}
	cos := make([][]float32, opts.MaxSeqLen)
	sin := make([][]float32, opts.MaxSeqLen)
	for pos := range opts.MaxSeqLen {
		c := make([]float32, half)
		s := make([]float32, half)
		for i, th := range theta {
			angle := float64(pos) * th
			c[i] = float32(math.Cos(angle))
			s[i] = float32(math.Sin(angle))
		}
		cos[pos], sin[pos] = c, s
	}

	return &Cache{
		opts:  opts,
		cos:   cos,
		sin:   sin,
		masks: make(map[int]*Mask),
		kvs:   make([]*kv, opts.NumLayers),
	}, nil
}

// Options returns the effective options, defaults applied.
func (c *Cache) Options() Options { return c.opts }

// WithKVCache reports whether keys and values are retained between calls.
func (c *Cache) WithKVCache() bool { return c.opts.UseKV }

// Rotary returns the cos and sin rows for positions [pos, pos+length).
// The rows alias the shared tables and must not be modified.
func (c *Cache) Rotary(pos, length int) (cos, sin [][]float32, err error) {
	if pos < 0 || length < 0 || pos+length > len(c.cos) {
		return nil, nil, fmt.Errorf("%w: [%d, %d) of %d", ErrPosition, pos, pos+length, len(c.cos))
	}
	return c.cos[pos : pos+length], c.sin[pos : pos+length], nil
}

// Mask returns the causal mask of side length, building it on first use.
func (c *Cache) Mask(length int) *Mask {
	if m, ok := c.masks[length]; ok {
		return m
	}
	m := &Mask{n: length, bits: make([]uint8, length*length)}
	for i := range length {
		for j := i + 1; j < length; j++ {
			m.bits[i*length+j] = 1
		}
	}
	c.masks[length] = m
	return m
}

// MergeKV appends k and v to the history of blockIdx along the sequence
// axis and returns the full, window-bounded history. Without kv caching the
// inputs are returned unchanged.
func (c *Cache) MergeKV(blockIdx int, k, v *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if blockIdx < 0 || blockIdx >= len(c.kvs) {
		return nil, nil, fmt.Errorf("%w: merge kv block %d of %d", ErrBlock, blockIdx, len(c.kvs))
	}
	if k.Rank() != 4 || !tensor.SameShape(k, v) {
		return nil, nil, fmt.Errorf("attncache: merge kv block %d: k %v, v %v", blockIdx, k, v)
	}
	if !c.opts.UseKV {
		return k, v, nil
	}

	if prev := c.kvs[blockIdx]; prev != nil {
		var err error
		if k, err = tensor.Concat(seqAxis, prev.k, k); err != nil {
			return nil, nil, fmt.Errorf("attncache: merge keys block %d: %w", blockIdx, err)
		}
		if v, err = tensor.Concat(seqAxis, prev.v, v); err != nil {
			return nil, nil, fmt.Errorf("attncache: merge values block %d: %w", blockIdx, err)
		}
		if k, err = c.bound(k); err != nil {
			return nil, nil, fmt.Errorf("attncache: bound keys block %d: %w", blockIdx, err)
		}
		if v, err = c.bound(v); err != nil {
			return nil, nil, fmt.Errorf("attncache: bound values block %d: %w", blockIdx, err)
		}
	}
	c.kvs[blockIdx] = &kv{k: k, v: v}
	return k, v, nil
}

// bound keeps the most recent Window entries of the sequence axis.
func (c *Cache) bound(t *tensor.Tensor) (*tensor.Tensor, error) {
	n := t.Dim(seqAxis)
	if n <= c.opts.Window {
		return t, nil
	}
	return t.Narrow(seqAxis, n-c.opts.Window, c.opts.Window)
}

// Len returns the number of cached positions for blockIdx.
func (c *Cache) Len(blockIdx int) int {
	if blockIdx < 0 || blockIdx >= len(c.kvs) || c.kvs[blockIdx] == nil {
		return 0
	}
	return c.kvs[blockIdx].k.Dim(seqAxis)
}

// Clear drops the memoized masks and every cached key/value entry.
func (c *Cache) Clear() {
	clear(c.masks)
	clear(c.kvs)
}

// AsNew returns a cache sharing the rotary tables with empty masks and
// key/value slots.
func (c *Cache) AsNew() *Cache {
	return &Cache{
		opts:  c.opts,
		cos:   c.cos,
		sin:   c.sin,
		masks: make(map[int]*Mask),
		kvs:   make([]*kv, len(c.kvs)),
	}
}

// WithKV returns a fresh copy with kv caching switched on or off.
func (c *Cache) WithKV(on bool) *Cache {
	n := c.AsNew()
	n.opts.UseKV = on
	return n
}
