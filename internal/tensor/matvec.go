package tensor

import (
	"runtime"
	"sync"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool(runtime.GOMAXPROCS(0))
	})
	return matVecWorkPool
}

func newMatVecPool(size int) *matVecPool {
	size = max(size, 1)
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x, splitting rows across a shared worker pool.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}

	pool := getMatVecPool()
	workers := min(pool.size, w.R)
	// Small matrices are not worth the channel round trips.
	if workers <= 1 || w.R*w.C < 1<<14 {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots

	active := 0
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	if !w.encoded() {
		matVecRangeF32(dst, w, x, rs, re)
		return
	}
	switch w.DType {
	case BF16:
		matVecRangeHalf(dst, w, x, rs, re, bf16ToF32)
	case F16:
		matVecRangeHalf(dst, w, x, rs, re, fp16ToF32)
	default:
		panic("unsupported dtype for matvec")
	}
}

func matVecRangeF32(dst []float32, w *Mat, x []float32, rs, re int) {
	for i := rs; i < re; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		j := 0
		for ; j+3 < w.C; j += 4 {
			sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
		}
		for ; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func matVecRangeHalf(dst []float32, w *Mat, x []float32, rs, re int, widen func(uint16) float32) {
	raw := w.Raw
	rowBytes := w.Stride * 2
	for i := rs; i < re; i++ {
		off := i * rowBytes
		// Help bounds-check elimination for the inner loop.
		_ = raw[off+(w.C-1)*2+1]
		var sum float32
		j := 0
		for ; j+3 < w.C; j += 4 {
			o := off + j*2
			sum += widen(u16le(raw, o))*x[j] +
				widen(u16le(raw, o+2))*x[j+1] +
				widen(u16le(raw, o+4))*x[j+2] +
				widen(u16le(raw, o+6))*x[j+3]
		}
		for ; j < w.C; j++ {
			sum += widen(u16le(raw, off+j*2)) * x[j]
		}
		dst[i] = sum
	}
}

// Linear applies w to every row of x: the last dimension of x must equal
// w.C and is replaced by w.R in the result.
func Linear(x *Tensor, w *Mat) (*Tensor, error) {
	in := x.Dim(-1)
	if in != w.C {
		return nil, shapeErrorf("linear: input width %d, weight %dx%d", in, w.R, w.C)
	}
	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = w.R
	out := New(shape...)
	rows := x.Len() / max(in, 1)
	for r := range rows {
		MatVec(out.Data[r*w.R:(r+1)*w.R], w, x.Data[r*in:(r+1)*in])
	}
	return out, nil
}
