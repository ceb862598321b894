package safetensors

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/strand/internal/tensor"
)

// writeRaw writes a safetensors file with an arbitrary header and payload.
func writeRaw(t *testing.T, path string, header any, payload []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	data := append(append(lenBuf[:], headerBytes...), payload...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func openT(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, map[string]tensorHeader{
		"weight": {DType: "F32", Shape: []int{2, 3}, DataOffsets: []int64{0, 24}},
	}, make([]byte, 24))

	f := openT(t, path)
	if f.Path != path {
		t.Fatalf("expected path %q, got %q", path, f.Path)
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if diff := cmp.Diff(TensorInfo{DType: "F32", Shape: []int{2, 3}, Start: 0, End: 24}, info); diff != "" {
		t.Fatalf("info (-want +got):\n%s", diff)
	}
}

func TestOpenRejectsBadFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	truncated := filepath.Join(dir, "truncated.safetensors")
	if err := os.WriteFile(truncated, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatal(err)
	}

	invalid := filepath.Join(dir, "invalid.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	if err := os.WriteFile(invalid, append(lenBuf[:], "not valid js"...), 0o644); err != nil {
		t.Fatal(err)
	}

	badOffsets := filepath.Join(dir, "offsets.safetensors")
	writeRaw(t, badOffsets, map[string]any{
		"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, nil)

	huge := filepath.Join(dir, "huge.safetensors")
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	if err := os.WriteFile(huge, lenBuf[:], 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/nonexistent/file.safetensors", truncated, invalid, badOffsets, huge} {
		if f, err := Open(path); err == nil {
			_ = f.Close()
			t.Errorf("Open(%s): expected error", filepath.Base(path))
		}
	}
}

func TestMetadataIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "metadata.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}},
	}, make([]byte, 16))

	if f := openT(t, path); len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", len(f.Tensors))
	}
}

func TestReadTensorF32Decodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dtype string
		raw   []byte
		want  []float32
	}{
		{"F32", tensor.Encode(nil, tensor.F32, []float32{1, 2, 3, 4}), []float32{1, 2, 3, 4}},
		{"BF16", []byte{0x80, 0x3F, 0x00, 0x40}, []float32{1, 2}},
		{"F16", []byte{0x00, 0x3C}, []float32{1}},
	}
	for _, tc := range tests {
		path := filepath.Join(t.TempDir(), tc.dtype+".safetensors")
		writeRaw(t, path, map[string]tensorHeader{
			"test": {DType: tc.dtype, Shape: []int{len(tc.want)}, DataOffsets: []int64{0, int64(len(tc.raw))}},
		}, tc.raw)

		got, info, err := openT(t, path).ReadTensorF32("test")
		if err != nil {
			t.Fatalf("%s: ReadTensorF32: %v", tc.dtype, err)
		}
		if info.DType != tc.dtype {
			t.Fatalf("%s: info dtype %q", tc.dtype, info.DType)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", tc.dtype, diff)
		}
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "errors.safetensors")
	writeRaw(t, path, map[string]tensorHeader{
		"int":      {DType: "I32", Shape: []int{2}, DataOffsets: []int64{0, 8}},
		"short":    {DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 8}},
		"inverted": {DType: "F32", Shape: []int{2}, DataOffsets: []int64{8, 0}},
	}, make([]byte, 8))

	f := openT(t, path)
	for _, name := range []string{"int", "short", "inverted", "missing"} {
		if _, _, err := f.ReadTensorF32(name); err == nil {
			t.Errorf("ReadTensorF32(%q): expected error", name)
		}
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "closed.safetensors")
	writeRaw(t, path, map[string]tensorHeader{
		"a": {DType: "F32", Shape: []int{1}, DataOffsets: []int64{0, 4}},
	}, make([]byte, 4))

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.ReadTensor("a"); err == nil {
		t.Fatal("expected error reading a closed file")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{1}, 1, false},
		{[]int{4, 5, 6}, 120, false},
		{[]int{}, 0, true},
		{[]int{0}, 0, true},
		{[]int{2, -1}, 0, true},
	}

	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if (err != nil) != tc.wantErr {
			t.Errorf("numElements(%v): err = %v", tc.shape, err)
			continue
		}
		if n != tc.expected {
			t.Errorf("numElements(%v): expected %d, got %d", tc.shape, tc.expected, n)
		}
	}
}

func TestStoreSingleFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, _ := tensor.FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	norm, _ := tensor.FromData([]float32{0.5, 0.25, 2}, 3)
	err := WriteFile(filepath.Join(dir, SingleFile), tensor.F32, map[string]*tensor.Tensor{
		"model.layers.0.mlp.up_proj.weight": w,
		"model.norm.weight":                 norm,
	})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := OpenDir(dir, tensor.BF16)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer func() { _ = s.Close() }()

	if diff := cmp.Diff([]string{"model.layers.0.mlp.up_proj.weight", "model.norm.weight"}, s.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	m, err := s.Mat("model.layers.0.mlp.up_proj.weight")
	if err != nil {
		t.Fatalf("Mat: %v", err)
	}
	if m.DType != tensor.BF16 || m.R != 2 || m.C != 3 {
		t.Fatalf("unexpected mat %+v", m)
	}
	if diff := cmp.Diff([]float32{4, 5, 6}, m.Row(1)); diff != "" {
		t.Fatalf("row 1 (-want +got):\n%s", diff)
	}
	v, err := s.Vec("model.norm.weight")
	if err != nil {
		t.Fatalf("Vec: %v", err)
	}
	if diff := cmp.Diff([]float32{0.5, 0.25, 2}, v); diff != "" {
		t.Fatalf("vec (-want +got):\n%s", diff)
	}
	if _, err := s.Vec("model.layers.0.mlp.up_proj.weight"); err == nil {
		t.Fatal("expected rank error for Vec on a matrix")
	}
	if _, err := s.Mat("lm_head.weight"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreShardedIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, _ := tensor.FromData([]float32{1, 2}, 2)
	b, _ := tensor.FromData([]float32{3, 4}, 2)
	if err := WriteFile(filepath.Join(dir, "model-00001-of-00002.safetensors"), tensor.F16, map[string]*tensor.Tensor{"a": a}); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(filepath.Join(dir, "model-00002-of-00002.safetensors"), tensor.F32, map[string]*tensor.Tensor{"b": b}); err != nil {
		t.Fatal(err)
	}
	idx, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{"total_size": 12},
		"weight_map": map[string]string{
			"a": "model-00001-of-00002.safetensors",
			"b": "model-00002-of-00002.safetensors",
		},
	})
	if err := os.WriteFile(filepath.Join(dir, IndexFile), idx, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenDir(dir, tensor.F32)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer func() { _ = s.Close() }()

	for name, want := range map[string][]float32{"a": {1, 2}, "b": {3, 4}} {
		got, err := s.Vec(name)
		if err != nil {
			t.Fatalf("Vec(%s): %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", name, diff)
		}
	}
	if !s.Has("a") || s.Has("c") {
		t.Fatal("Has reports wrong membership")
	}
}

func TestOpenDirWithoutCheckpoint(t *testing.T) {
	t.Parallel()
	if _, err := OpenDir(t.TempDir(), tensor.F16); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
