package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strand/internal/tensor"
)

// Hello opens a session. The worker answers with WorkerInfo.
type Hello struct {
	Protocol int    `json:"protocol"`
	Version  string `json:"version"`
	// Node is the topology name the master expects to reach.
	Node string `json:"node"`
}

// WorkerInfo describes the worker side of a session.
type WorkerInfo struct {
	Protocol  int      `json:"protocol"`
	Version   string   `json:"version"`
	Name      string   `json:"name"`
	SessionID string   `json:"session_id"`
	DType     string   `json:"dtype"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	Device    string   `json:"device"`
	Layers    []string `json:"layers"`
}

func (i *WorkerInfo) String() string {
	return fmt.Sprintf("%s %s %s/%s %s", i.Version, i.DType, i.OS, i.Arch, i.Device)
}

// BatchEntry asks the worker to run one block: the layer name, the sequence
// position of the first token in x and the block index within the model.
type BatchEntry struct {
	Layer    string `json:"layer"`
	Position int    `json:"position"`
	Index    int    `json:"index"`
}

// ForwardBatch runs X through every entry of Batch in order.
type ForwardBatch struct {
	DType tensor.DType
	X     *tensor.Tensor
	Batch []BatchEntry
}

// Tensor carries the activations produced by a ForwardBatch.
type Tensor struct {
	DType tensor.DType
	X     *tensor.Tensor
}

// Error reports a failed request. The session stays usable.
type Error struct {
	Message string `json:"message"`
}

// Goodbye announces an orderly close.
type Goodbye struct{}

func (*Hello) Kind() Kind        { return KindHello }
func (*WorkerInfo) Kind() Kind   { return KindWorkerInfo }
func (*ForwardBatch) Kind() Kind { return KindForwardBatch }
func (*Tensor) Kind() Kind       { return KindTensor }
func (*Error) Kind() Kind        { return KindError }
func (*Goodbye) Kind() Kind      { return KindGoodbye }

func (m *Hello) appendBody(dst []byte) ([]byte, error)      { return appendJSON(dst, m) }
func (m *WorkerInfo) appendBody(dst []byte) ([]byte, error) { return appendJSON(dst, m) }
func (m *Error) appendBody(dst []byte) ([]byte, error)      { return appendJSON(dst, m) }
func (*Goodbye) appendBody(dst []byte) ([]byte, error)      { return dst, nil }

func (m *Tensor) appendBody(dst []byte) ([]byte, error) {
	return AppendTensor(dst, m.DType, m.X)
}

// ForwardBatch body: [descLen:4 BE][batch JSON][tensor].
func (m *ForwardBatch) appendBody(dst []byte) ([]byte, error) {
	if len(m.Batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformed)
	}
	desc, err := json.Marshal(m.Batch)
	if err != nil {
		return nil, err
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(desc)))
	dst = append(dst, desc...)
	return AppendTensor(dst, m.DType, m.X)
}

func decodeForwardBatch(body []byte) (*ForwardBatch, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: short batch descriptor", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(body)
	body = body[4:]
	if uint64(n) > uint64(len(body)) {
		return nil, fmt.Errorf("%w: batch descriptor of %d bytes, %d left", ErrMalformed, n, len(body))
	}
	var batch []BatchEntry
	if err := decodeJSON(body[:n], &batch); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformed)
	}
	dt, x, err := DecodeTensor(body[n:])
	if err != nil {
		return nil, err
	}
	return &ForwardBatch{DType: dt, X: x, Batch: batch}, nil
}

func decodeTensorMessage(body []byte) (*Tensor, error) {
	dt, x, err := DecodeTensor(body)
	if err != nil {
		return nil, err
	}
	return &Tensor{DType: dt, X: x}, nil
}

func appendJSON(dst []byte, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(dst, b...), nil
}

func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
