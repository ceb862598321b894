package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType describes how tensor elements are stored in weight files and on the
// wire. Arithmetic always happens in float32.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ElemSize returns the encoded size of one element in bytes.
func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// ParseDType maps the --dtype flag to a DType. The empty string selects f16.
func ParseDType(s string) (DType, error) {
	switch s {
	case "", "f16":
		return F16, nil
	case "bf16":
		return BF16, nil
	case "f32":
		return F32, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", s)
	}
}

// DTypeFromSafetensors maps a safetensors dtype tag ("F32", "BF16", ...).
func DTypeFromSafetensors(tag string) (DType, error) {
	switch tag {
	case "F32":
		return F32, nil
	case "F16":
		return F16, nil
	case "BF16":
		return BF16, nil
	default:
		return 0, fmt.Errorf("unsupported safetensors dtype %s", tag)
	}
}

// Encode appends the little-endian encoding of src in dtype d to dst.
func Encode(dst []byte, d DType, src []float32) []byte {
	switch d {
	case F32:
		for _, v := range src {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	case F16:
		for _, v := range src {
			dst = binary.LittleEndian.AppendUint16(dst, float16.Fromfloat32(v).Bits())
		}
	case BF16:
		for _, v := range src {
			dst = binary.LittleEndian.AppendUint16(dst, f32ToBF16(v))
		}
	default:
		panic("tensor: encode with unknown dtype")
	}
	return dst
}

// Decode fills dst from raw little-endian bytes in dtype d.
// raw must hold exactly len(dst) elements.
func Decode(dst []float32, d DType, raw []byte) error {
	if size := d.ElemSize(); size == 0 || len(raw) != len(dst)*size {
		return fmt.Errorf("decode %s: have %d bytes for %d elements", d, len(raw), len(dst))
	}
	switch d {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F16:
		for i := range dst {
			dst[i] = fp16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case BF16:
		for i := range dst {
			dst[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return nil
}

func u16le(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func fp16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// f32ToBF16 rounds to nearest even, keeping NaNs quiet.
func f32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7fffffff > 0x7f800000 {
		return uint16(bits>>16) | 0x40
	}
	rounding := uint32(0x7fff) + (bits>>16)&1
	return uint16((bits + rounding) >> 16)
}
