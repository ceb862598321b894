package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strand/internal/tensor"
)

// Write encodes tensors as a safetensors stream in dtype. Tensor order in the
// payload follows sorted names so output is reproducible.
func Write(w io.Writer, dtype tensor.DType, tensors map[string]*tensor.Tensor) error {
	tag := map[tensor.DType]string{tensor.F32: "F32", tensor.F16: "F16", tensor.BF16: "BF16"}[dtype]
	if tag == "" {
		return fmt.Errorf("write: unsupported dtype %s", dtype)
	}
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(tensors))
	var payload []byte
	for _, name := range names {
		t := tensors[name]
		start := int64(len(payload))
		payload = tensor.Encode(payload, dtype, t.Data)
		header[name] = tensorHeader{
			DType:       tag,
			Shape:       t.Dims(),
			DataOffsets: []int64{start, int64(len(payload))},
		}
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	for _, chunk := range [][]byte{lenBuf[:], headerBytes, payload} {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes tensors to path.
func WriteFile(path string, dtype tensor.DType, tensors map[string]*tensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, dtype, tensors); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
