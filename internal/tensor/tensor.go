package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShape is wrapped by every shape mismatch reported by this package.
var ErrShape = errors.New("tensor: shape mismatch")

func shapeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...))
}

// Tensor is a contiguous row-major float32 array. Activations, attention
// keys and values and the payloads exchanged with workers are all Tensors.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps data with the given shape without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, shapeErrorf("%d elements for shape %v (%d)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(errNegativeDim)
		}
		n *= d
	}
	return n
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Dims returns a copy of the shape.
func (t *Tensor) Dims() []int { return append([]int(nil), t.Shape...) }

// Dim returns the size of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{Shape: t.Dims(), Data: append([]float32(nil), t.Data...)}
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// split returns the element counts before, at and after axis.
func (t *Tensor) split(axis int) (outer, dim, inner int) {
	outer, inner = 1, 1
	for i, d := range t.Shape {
		switch {
		case i < axis:
			outer *= d
		case i > axis:
			inner *= d
		}
	}
	return outer, t.Shape[axis], inner
}

// Narrow returns a copy of n entries of axis starting at start.
func (t *Tensor) Narrow(axis, start, n int) (*Tensor, error) {
	if axis < 0 || axis >= t.Rank() {
		return nil, shapeErrorf("narrow axis %d on rank %d", axis, t.Rank())
	}
	if start < 0 || n < 0 || start+n > t.Shape[axis] {
		return nil, shapeErrorf("narrow [%d, %d) of axis %d with size %d", start, start+n, axis, t.Shape[axis])
	}
	outer, dim, inner := t.split(axis)
	shape := t.Dims()
	shape[axis] = n
	out := New(shape...)
	for o := range outer {
		src := t.Data[(o*dim+start)*inner : (o*dim+start+n)*inner]
		copy(out.Data[o*n*inner:], src)
	}
	return out, nil
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, shapeErrorf("concat of nothing")
	}
	first := ts[0]
	if axis < 0 || axis >= first.Rank() {
		return nil, shapeErrorf("concat axis %d on rank %d", axis, first.Rank())
	}
	shape := first.Dims()
	shape[axis] = 0
	for _, t := range ts {
		if t.Rank() != first.Rank() {
			return nil, shapeErrorf("concat rank %d with rank %d", t.Rank(), first.Rank())
		}
		for i, d := range t.Shape {
			if i != axis && d != first.Shape[i] {
				return nil, shapeErrorf("concat %v with %v on axis %d", t.Shape, first.Shape, axis)
			}
		}
		shape[axis] += t.Shape[axis]
	}
	out := New(shape...)
	outer, _, inner := first.split(axis)
	off := 0
	for o := range outer {
		for _, t := range ts {
			n := t.Shape[axis] * inner
			copy(out.Data[off:off+n], t.Data[o*n:(o+1)*n])
			off += n
		}
	}
	return out, nil
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if a.Rank() != b.Rank() {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor[")
	for i, d := range t.Shape {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", d)
	}
	sb.WriteString("]")
	return sb.String()
}
