package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/strand/internal/tensor"
)

// trap fails the test if anything reads past the header.
type trap struct{ t *testing.T }

func (r trap) Read([]byte) (int, error) {
	r.t.Fatal("payload was read after an invalid header")
	return 0, io.EOF
}

func header(magic, size uint32) []byte {
	var h [8]byte
	binary.BigEndian.PutUint32(h[0:4], magic)
	binary.BigEndian.PutUint32(h[4:8], size)
	return h[:]
}

func TestHeaderRejectedBeforePayload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		hdr  []byte
		want error
	}{
		{"bad magic", header(0xdeadbeef, 16), ErrInvalidMagic},
		{"empty", header(Magic, 0), ErrEmptyMessage},
		{"too large", header(Magic, MaxMessageSize+1), ErrMessageTooLarge},
	}
	for _, tc := range tests {
		r := io.MultiReader(bytes.NewReader(tc.hdr), trap{t})
		_, err := ReadMessage(r)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestMaxSizeAccepted(t *testing.T) {
	t.Parallel()
	size, err := ReadHeader(bytes.NewReader(header(Magic, MaxMessageSize)))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if size != MaxMessageSize {
		t.Fatalf("size = %d", size)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	x, _ := tensor.FromData([]float32{1, -2, 0.5, 3, 4, 5}, 1, 2, 3)
	msgs := []Message{
		&Hello{Protocol: 1, Version: "v0.1.0", Node: "worker-a"},
		&WorkerInfo{Protocol: 1, Version: "v0.1.0", Name: "worker-a", SessionID: "abc", DType: "f16", OS: "linux", Arch: "amd64", Device: "cpu", Layers: []string{"model.layers.0"}},
		&ForwardBatch{DType: tensor.F32, X: x, Batch: []BatchEntry{{Layer: "model.layers.0", Position: 7, Index: 0}, {Layer: "model.layers.1", Position: 7, Index: 1}}},
		&Tensor{DType: tensor.F32, X: x},
		&Error{Message: "unknown layer model.layers.9"},
		&Goodbye{},
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage(%s): %v", m.Kind(), err)
		}
	}
	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage(%s): %v", want.Kind(), err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", want.Kind(), diff)
		}
	}
	if _, err := ReadMessage(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestHalfPrecisionTensors(t *testing.T) {
	t.Parallel()
	x, _ := tensor.FromData([]float32{1, 0.5, -3, 1024}, 2, 2)
	for _, dt := range []tensor.DType{tensor.F16, tensor.BF16} {
		frame, err := Encode(&Tensor{DType: dt, X: x})
		if err != nil {
			t.Fatalf("%s: Encode: %v", dt, err)
		}
		// header + kind + dtype + rank + 2 dims + 4 halves
		if want := 8 + 1 + 2 + 8 + 8; len(frame) != want {
			t.Fatalf("%s: frame is %d bytes, want %d", dt, len(frame), want)
		}
		m, err := ReadMessage(bytes.NewReader(frame))
		if err != nil {
			t.Fatalf("%s: ReadMessage: %v", dt, err)
		}
		got := m.(*Tensor)
		if got.DType != dt {
			t.Fatalf("dtype %s, want %s", got.DType, dt)
		}
		if diff := cmp.Diff(x, got.X); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", dt, diff)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	x, _ := tensor.FromData([]float32{1, 2}, 2)
	good, err := Encode(&Tensor{DType: tensor.F32, X: x})
	if err != nil {
		t.Fatal(err)
	}
	payload := good[8:]

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"unknown kind", []byte{0xff}, ErrUnknownKind},
		{"truncated tensor", payload[:len(payload)-1], ErrMalformed},
		{"bad dtype", append([]byte{byte(KindTensor), 9}, payload[2:]...), ErrMalformed},
		{"bad json", append([]byte{byte(KindHello)}, "{"...), ErrMalformed},
		{"goodbye body", []byte{byte(KindGoodbye), 1}, ErrMalformed},
		{"short batch", []byte{byte(KindForwardBatch), 0, 0}, ErrMalformed},
		{"empty batch", append([]byte{byte(KindForwardBatch), 0, 0, 0, 2, '[', ']'}, payload[1:]...), ErrMalformed},
	}
	for _, tc := range tests {
		if _, err := Decode(tc.payload); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEncodeRejectsEmptyBatch(t *testing.T) {
	t.Parallel()
	_, err := Encode(&ForwardBatch{DType: tensor.F32, X: tensor.New(1)})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestOverPipe(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	x, _ := tensor.FromData([]float32{1, 2, 3}, 1, 1, 3)
	go func() {
		_ = WriteMessage(a, &ForwardBatch{DType: tensor.F16, X: x, Batch: []BatchEntry{{Layer: "model.layers.0"}}})
	}()
	m, err := ReadMessage(b)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	fb, ok := m.(*ForwardBatch)
	if !ok {
		t.Fatalf("got %T", m)
	}
	if fb.Batch[0].Layer != "model.layers.0" || !tensor.SameShape(fb.X, x) {
		t.Fatalf("unexpected batch %+v", fb)
	}
}
