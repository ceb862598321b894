package tensor

import (
	"math"
	"testing"
)

func matVecNaive(dst []float32, w *Mat, x []float32) {
	for i := 0; i < w.R; i++ {
		row := w.Row(i)
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func closeEnough(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()
	for _, size := range [][2]int{{1, 1}, {3, 5}, {257, 129}, {512, 512}} {
		w := NewMat(size[0], size[1])
		FillRand(&w, int64(size[0]))
		x := make([]float32, size[1])
		for i := range x {
			x[i] = float32(i%7) - 3
		}
		got := make([]float32, size[0])
		want := make([]float32, size[0])
		MatVec(got, &w, x)
		matVecNaive(want, &w, x)
		for i := range got {
			if !closeEnough(got[i], want[i], 1e-4) {
				t.Fatalf("%dx%d row %d: got %v want %v", size[0], size[1], i, got[i], want[i])
			}
		}
	}
}

func TestMatVecHalfPrecision(t *testing.T) {
	t.Parallel()
	const r, c = 64, 300
	f32 := NewMat(r, c)
	FillRand(&f32, 7)
	x := make([]float32, c)
	for i := range x {
		x[i] = float32(i%5) * 0.5
	}
	want := make([]float32, r)
	MatVec(want, &f32, x)

	for _, dt := range []DType{F16, BF16} {
		raw := Encode(nil, dt, f32.Data)
		m, err := NewMatFromRaw(r, c, dt, raw)
		if err != nil {
			t.Fatalf("%s: NewMatFromRaw: %v", dt, err)
		}
		if m.Bytes() != r*c*2 {
			t.Fatalf("%s: Bytes() = %d", dt, m.Bytes())
		}
		got := make([]float32, r)
		MatVec(got, &m, x)
		for i := range got {
			if !closeEnough(got[i], want[i], 1e-2) {
				t.Fatalf("%s row %d: got %v want %v", dt, i, got[i], want[i])
			}
		}
	}
}

func TestNewMatFromRawRejectsShortBuffer(t *testing.T) {
	t.Parallel()
	if _, err := NewMatFromRaw(2, 2, BF16, make([]byte, 6)); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := NewMatFromRaw(-1, 2, F32, nil); err == nil {
		t.Fatal("expected negative dimension error")
	}
}

func TestLinear(t *testing.T) {
	t.Parallel()
	// w = [[1 0 1], [0 2 0]]
	w := NewMatFromData(2, 3, []float32{1, 0, 1, 0, 2, 0})
	x, err := FromData([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	y, err := Linear(x, &w)
	if err != nil {
		t.Fatalf("Linear: %v", err)
	}
	want := []float32{4, 4, 10, 10}
	if y.Dim(-1) != 2 || y.Dim(1) != 2 {
		t.Fatalf("unexpected shape %v", y.Shape)
	}
	for i := range want {
		if y.Data[i] != want[i] {
			t.Fatalf("y = %v, want %v", y.Data, want)
		}
	}
	if _, err := Linear(y, &w); err == nil {
		t.Fatal("expected width mismatch error")
	}
}

func BenchmarkMatVec(b *testing.B) {
	r, c := 2048, 2048
	w := NewMat(r, c)
	x := make([]float32, c)
	dst := make([]float32, r)
	FillRand(&w, 1)

	for b.Loop() {
		MatVec(dst, &w, x)
	}
}

func BenchmarkMatVecBF16(b *testing.B) {
	r, c := 2048, 2048
	f := NewMat(r, c)
	FillRand(&f, 1)
	w, err := NewMatFromRaw(r, c, BF16, Encode(nil, BF16, f.Data))
	if err != nil {
		b.Fatal(err)
	}
	x := make([]float32, c)
	dst := make([]float32, r)

	for b.Loop() {
		MatVec(dst, &w, x)
	}
}
