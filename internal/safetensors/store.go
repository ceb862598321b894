package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strand/internal/tensor"
)

const (
	// IndexFile maps tensor names to shard files in sharded checkpoints.
	IndexFile = "model.safetensors.index.json"
	// SingleFile is the checkpoint name used by unsharded models.
	SingleFile = "model.safetensors"
)

// ErrNotFound is returned when a tensor is absent from every shard.
var ErrNotFound = errors.New("safetensors: tensor not found")

type index struct {
	WeightMap map[string]string `json:"weight_map"`
}

// Store resolves tensor names across the shards of a model directory and
// converts them to the working dtype on load.
type Store struct {
	dir    string
	dtype  tensor.DType
	byName map[string]string
	files  map[string]*File
}

// OpenDir opens the checkpoint in dir. It prefers the sharded index and
// falls back to a single model.safetensors.
func OpenDir(dir string, dtype tensor.DType) (*Store, error) {
	s := &Store{
		dir:    dir,
		dtype:  dtype,
		byName: make(map[string]string),
		files:  make(map[string]*File),
	}

	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	switch {
	case err == nil:
		var idx index
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
		}
		if len(idx.WeightMap) == 0 {
			return nil, fmt.Errorf("%s: empty weight_map", IndexFile)
		}
		s.byName = idx.WeightMap
	case errors.Is(err, os.ErrNotExist):
		f, err := s.open(SingleFile)
		if err != nil {
			return nil, err
		}
		for name := range f.Tensors {
			s.byName[name] = SingleFile
		}
	default:
		return nil, err
	}
	return s, nil
}

func (s *Store) open(shard string) (*File, error) {
	if f, ok := s.files[shard]; ok {
		return f, nil
	}
	f, err := Open(filepath.Join(s.dir, shard))
	if err != nil {
		return nil, err
	}
	s.files[shard] = f
	return f, nil
}

// DType is the working dtype tensors are converted to.
func (s *Store) DType() tensor.DType { return s.dtype }

// Has reports whether name exists in the checkpoint.
func (s *Store) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Names lists every tensor in the checkpoint, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) file(name string) (*File, error) {
	shard, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.open(shard)
}

// Vec loads a 1D tensor as float32. Norm weights stay in f32 regardless of
// the working dtype.
func (s *Store) Vec(name string) ([]float32, error) {
	f, err := s.file(name)
	if err != nil {
		return nil, err
	}
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 {
		return nil, fmt.Errorf("%s: expected 1D tensor, got shape %v", name, info.Shape)
	}
	return data, nil
}

// Mat loads a 2D tensor stored as [rows, cols] in the working dtype.
func (s *Store) Mat(name string) (*tensor.Mat, error) {
	f, err := s.file(name)
	if err != nil {
		return nil, err
	}
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected 2D tensor, got shape %v", name, info.Shape)
	}
	src, err := tensor.DTypeFromSafetensors(info.DType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	r, c := info.Shape[0], info.Shape[1]
	if src != s.dtype {
		wide := make([]float32, r*c)
		if err := tensor.Decode(wide, src, raw); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		raw = tensor.Encode(nil, s.dtype, wide)
	}
	m, err := tensor.NewMatFromRaw(r, c, s.dtype, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &m, nil
}

// Close releases every open shard.
func (s *Store) Close() error {
	var errs []error
	for shard, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.files, shard)
	}
	return errors.Join(errs...)
}
