package tensor

import (
	"errors"
	"math/rand"
)

// Mat is a dense row-major weight matrix.
//
// f32 weights are kept decoded in Data. f16 and bf16 weights stay encoded in
// Raw and are widened row by row inside MatVec and RowTo, which halves the
// resident size of a shard.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

var (
	errNegativeDim     = errors.New("negative dimension for matrix")
	errMatTooLarge     = errors.New("matrix too large")
	errRawSizeMismatch = errors.New("raw data length mismatch")
)

// NewMat allocates a zeroed f32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(errNegativeDim)
	}
	return Mat{R: r, C: c, Stride: c, DType: F32, Data: make([]float32, r*c)}
}

// NewMatFromData wraps data as an r x c f32 matrix without copying.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, DType: F32, Data: data}
}

// NewMatFromRaw creates a matrix backed by little-endian bytes in dtype.
// f32 input is decoded eagerly.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	want := r * c
	if r != 0 && want/r != c {
		return Mat{}, errMatTooLarge
	}
	if len(raw) != want*dtype.ElemSize() {
		return Mat{}, errRawSizeMismatch
	}
	if dtype == F32 {
		data := make([]float32, want)
		if err := Decode(data, F32, raw); err != nil {
			return Mat{}, err
		}
		return NewMatFromData(r, c, data), nil
	}
	return Mat{R: r, C: c, Stride: c, DType: dtype, Raw: raw}, nil
}

func (m *Mat) encoded() bool {
	return m.Raw != nil && m.DType != F32
}

// Row returns row i. For f32 matrices the slice aliases the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if !m.encoded() {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes row i into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	start := i * m.Stride
	if !m.encoded() {
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	off := start * 2
	switch m.DType {
	case BF16:
		for j := 0; j < m.C; j++ {
			dst[j] = bf16ToF32(u16le(m.Raw, off+j*2))
		}
	case F16:
		for j := 0; j < m.C; j++ {
			dst[j] = fp16ToF32(u16le(m.Raw, off+j*2))
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

// Bytes reports the resident size of the matrix payload.
func (m *Mat) Bytes() int {
	if m.encoded() {
		return len(m.Raw)
	}
	return len(m.Data) * 4
}

// FillRand fills an f32 matrix with reproducible values in (-0.01, 0.01).
func FillRand(m *Mat, seed int64) {
	if m.encoded() {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}
