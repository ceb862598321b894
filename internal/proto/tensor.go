package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/samcharles93/strand/internal/tensor"
)

// maxRank bounds the dims header of an encoded tensor.
const maxRank = 8

// AppendTensor encodes x as [dtype:1][rank:1][dims:rank*4 BE][data LE].
func AppendTensor(dst []byte, dt tensor.DType, x *tensor.Tensor) ([]byte, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrMalformed)
	}
	if dt.ElemSize() == 0 {
		return nil, fmt.Errorf("%w: dtype %s", ErrMalformed, dt)
	}
	if x.Rank() == 0 || x.Rank() > maxRank {
		return nil, fmt.Errorf("%w: rank %d", ErrMalformed, x.Rank())
	}
	dst = append(dst, byte(dt), byte(x.Rank()))
	for _, d := range x.Shape {
		dst = binary.BigEndian.AppendUint32(dst, uint32(d))
	}
	return tensor.Encode(dst, dt, x.Data), nil
}

// DecodeTensor is the inverse of AppendTensor. The body must contain exactly
// one tensor.
func DecodeTensor(body []byte) (tensor.DType, *tensor.Tensor, error) {
	if len(body) < 2 {
		return 0, nil, fmt.Errorf("%w: short tensor header", ErrMalformed)
	}
	dt, rank := tensor.DType(body[0]), int(body[1])
	if dt.ElemSize() == 0 {
		return 0, nil, fmt.Errorf("%w: dtype %d", ErrMalformed, body[0])
	}
	if rank == 0 || rank > maxRank {
		return 0, nil, fmt.Errorf("%w: rank %d", ErrMalformed, rank)
	}
	body = body[2:]
	if len(body) < rank*4 {
		return 0, nil, fmt.Errorf("%w: short tensor dims", ErrMalformed)
	}
	shape := make([]int, rank)
	n := uint64(1)
	for i := range shape {
		d := binary.BigEndian.Uint32(body[i*4:])
		shape[i] = int(d)
		n *= uint64(d)
		if n > uint64(MaxMessageSize) {
			return 0, nil, fmt.Errorf("%w: tensor %v too large", ErrMalformed, shape[:i+1])
		}
	}
	body = body[rank*4:]
	if uint64(len(body)) != n*uint64(dt.ElemSize()) {
		return 0, nil, fmt.Errorf("%w: %d data bytes for %v %s", ErrMalformed, len(body), shape, dt)
	}
	data := make([]float32, n)
	if err := tensor.Decode(data, dt, body); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	x, err := tensor.FromData(data, shape...)
	if err != nil {
		return 0, nil, err
	}
	return dt, x, nil
}
