// Package logits turns a logits vector into the next token id.
package logits

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ErrEmptyLogits is returned when there is nothing to sample from.
var ErrEmptyLogits = errors.New("logits: empty logits")

// ErrDegenerateLogits is returned when the logits hold NaN or infinite values
// or give no finite probability mass.
var ErrDegenerateLogits = errors.New("logits: degenerate distribution")

// Strategy selects how a token is drawn from the distribution.
type Strategy uint8

const (
	ArgMax Strategy = iota
	All
	TopK
	TopP
	TopKThenTopP
)

func (s Strategy) String() string {
	switch s {
	case ArgMax:
		return "argmax"
	case All:
		return "all"
	case TopK:
		return "top-k"
	case TopP:
		return "top-p"
	case TopKThenTopP:
		return "top-k+top-p"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Sampling is a strategy with its parameters. K and P are only meaningful
// for the strategies that name them.
type Sampling struct {
	Strategy    Strategy
	K           int
	P           float64
	Temperature float64
}

func (s Sampling) String() string {
	switch s.Strategy {
	case ArgMax:
		return "argmax"
	case All:
		return fmt.Sprintf("all(t=%g)", s.Temperature)
	case TopK:
		return fmt.Sprintf("top-k(k=%d t=%g)", s.K, s.Temperature)
	case TopP:
		return fmt.Sprintf("top-p(p=%g t=%g)", s.P, s.Temperature)
	default:
		return fmt.Sprintf("top-k+top-p(k=%d p=%g t=%g)", s.K, s.P, s.Temperature)
	}
}

// SamplingFor picks the strategy from the CLI parameters. A temperature of
// zero or below is greedy; topK <= 0 and topP <= 0 mean "not set".
func SamplingFor(temperature float64, topK int, topP float64) Sampling {
	if temperature <= 0 {
		return Sampling{Strategy: ArgMax}
	}
	switch {
	case topK <= 0 && topP <= 0:
		return Sampling{Strategy: All, Temperature: temperature}
	case topP <= 0:
		return Sampling{Strategy: TopK, K: topK, Temperature: temperature}
	case topK <= 0:
		return Sampling{Strategy: TopP, P: topP, Temperature: temperature}
	default:
		return Sampling{Strategy: TopKThenTopP, K: topK, P: topP, Temperature: temperature}
	}
}

// Sampler draws tokens with a seeded generator. Two samplers built with the
// same seed and sampling return the same sequence for the same inputs.
type Sampler struct {
	rng      *rand.Rand
	sampling Sampling

	topIdx []int
	topVal []float32
	prob   []float64
	order  []int
}

// New returns a sampler seeded with seed.
func New(seed uint64, sampling Sampling) *Sampler {
	return &Sampler{
		rng:      rand.New(rand.NewSource(int64(seed))),
		sampling: sampling,
	}
}

// Sampling returns the configured strategy.
func (s *Sampler) Sampling() Sampling { return s.sampling }

// Sample returns the index of the chosen token. logits is not modified.
func (s *Sampler) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, fmt.Errorf("%w: %v at index %d", ErrDegenerateLogits, v, i)
		}
	}

	sp := s.sampling
	if sp.Strategy == ArgMax || sp.Temperature <= 0 {
		return argmax(logits), nil
	}
	invTemp := float32(1 / sp.Temperature)

	var (
		idx    []int
		val    []float32
		p      = 1.0
		ranked bool
	)
	switch sp.Strategy {
	case All:
		idx, val = s.scaled(logits, invTemp)
	case TopK:
		idx, val = s.topK(logits, sp.K, invTemp)
	case TopP:
		idx, val = s.scaled(logits, invTemp)
		p, ranked = sp.P, true
	case TopKThenTopP:
		// topK already returns candidates in descending order.
		idx, val = s.topK(logits, sp.K, invTemp)
		p = sp.P
	default:
		return 0, fmt.Errorf("logits: unknown sampling strategy %s", sp.Strategy)
	}
	prob, err := s.softmax(val)
	if err != nil {
		return 0, err
	}
	if ranked {
		idx, prob = s.sortDesc(idx, prob)
	}
	return s.draw(idx, prob, p), nil
}

// argmax returns the index of the largest value, the first one on ties.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

func (s *Sampler) scaled(logits []float32, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < len(logits) {
		s.topIdx = make([]int, len(logits))
		s.topVal = make([]float32, len(logits))
	}
	idx, val := s.topIdx[:len(logits)], s.topVal[:len(logits)]
	for i, l := range logits {
		idx[i] = i
		val[i] = l * invTemp
	}
	return idx, val
}

// topK returns the indices and scaled values of the k largest logits, in
// descending order. This is O(V*K), fine for the small K used in practice.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	k = max(min(k, len(logits)), 1)
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}

// softmax writes the normalised probabilities of val into a scratch slice.
// Values pushed out of float32 range by the temperature leave no usable mass.
func (s *Sampler) softmax(val []float32) ([]float64, error) {
	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	maxv := val[0]
	for _, v := range val[1:] {
		maxv = max(maxv, v)
	}
	var sum float64
	for i, v := range val {
		prob[i] = math.Exp(float64(v - maxv))
		sum += prob[i]
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) || sum <= 0 {
		return nil, fmt.Errorf("%w: softmax mass %v", ErrDegenerateLogits, sum)
	}
	for i := range prob {
		prob[i] /= sum
	}
	return prob, nil
}

func (s *Sampler) sortDesc(idx []int, prob []float64) ([]int, []float64) {
	if cap(s.order) < len(idx) {
		s.order = make([]int, len(idx))
	}
	order := s.order[:len(idx)]
	copy(order, idx)
	sort.SliceStable(order, func(a, b int) bool { return prob[order[a]] > prob[order[b]] })
	sorted := make([]float64, len(order))
	for i, id := range order {
		sorted[i] = prob[id]
	}
	return order, sorted
}

// draw samples from prob (aligned with idx, descending when p < 1). Only the
// shortest prefix whose cumulative mass reaches p takes part.
func (s *Sampler) draw(idx []int, prob []float64, p float64) int {
	cut := len(prob)
	var mass float64
	if p < 1 {
		for i := range prob {
			mass += prob[i]
			if mass >= p {
				cut = i + 1
				break
			}
		}
	} else {
		mass = 1
	}
	if cut < len(prob) {
		mass = 0
		for _, v := range prob[:cut] {
			mass += v
		}
	}

	r := s.rng.Float64() * mass
	var c float64
	for i := range cut {
		c += prob[i]
		if r < c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

// ApplyRepeatPenalty lowers the logits of every token in context: positive
// logits are divided by penalty and negative ones multiplied. Each distinct
// token is penalised once. A penalty of 1 leaves logits untouched.
func ApplyRepeatPenalty(logits []float32, penalty float32, context []int) {
	if penalty == 1 {
		return
	}
	seen := make(map[int]struct{}, len(context))
	for _, id := range context {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if logits[id] >= 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}
