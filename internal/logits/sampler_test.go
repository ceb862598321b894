package logits

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSamplingFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		temp float64
		k    int
		p    float64
		want Sampling
	}{
		{0, 5, 0.9, Sampling{Strategy: ArgMax}},
		{-1, 0, 0, Sampling{Strategy: ArgMax}},
		{0.8, 0, 0, Sampling{Strategy: All, Temperature: 0.8}},
		{0.8, 40, 0, Sampling{Strategy: TopK, K: 40, Temperature: 0.8}},
		{0.8, 0, 0.9, Sampling{Strategy: TopP, P: 0.9, Temperature: 0.8}},
		{0.8, 40, 0.9, Sampling{Strategy: TopKThenTopP, K: 40, P: 0.9, Temperature: 0.8}},
	}
	for _, tc := range tests {
		got := SamplingFor(tc.temp, tc.k, tc.p)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("SamplingFor(%v, %d, %v) (-want +got):\n%s", tc.temp, tc.k, tc.p, diff)
		}
	}
}

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	logs := []float32{0, 1, 2, 3, 4, 5}
	for _, sp := range []Sampling{
		SamplingFor(0.9, 0, 0),
		SamplingFor(0.9, 4, 0),
		SamplingFor(0.9, 0, 0.95),
		SamplingFor(0.9, 4, 0.95),
	} {
		s1 := New(42, sp)
		s2 := New(42, sp)
		for i := range 20 {
			a, err := s1.Sample(logs)
			if err != nil {
				t.Fatal(err)
			}
			b, _ := s2.Sample(logs)
			if a != b {
				t.Fatalf("%s draw %d: %d vs %d", sp, i, a, b)
			}
		}
	}
}

func TestArgMax(t *testing.T) {
	t.Parallel()
	logs := []float32{-1, 5, 3, 7, 2, 7}
	s := New(99, SamplingFor(0, 0, 0))
	idx, err := s.Sample(logs)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 3 {
		t.Fatalf("expected first maximum at 3, got %d", idx)
	}
}

func TestTopKOneEqualsArgMax(t *testing.T) {
	t.Parallel()
	logs := []float32{0.3, -2, 4.5, 4.4, 1}
	greedy, _ := New(1, SamplingFor(0, 0, 0)).Sample(logs)
	s := New(1234, SamplingFor(1.7, 1, 0))
	for range 50 {
		got, err := s.Sample(logs)
		if err != nil {
			t.Fatal(err)
		}
		if got != greedy {
			t.Fatalf("top-k 1 returned %d, argmax %d", got, greedy)
		}
	}
}

func TestTopPKeepsDominantToken(t *testing.T) {
	t.Parallel()
	logs := []float32{0, 0, 10, 0, 0}
	for _, sp := range []Sampling{SamplingFor(1, 0, 0.5), SamplingFor(1, 5, 0.5)} {
		s := New(7, sp)
		for range 20 {
			idx, err := s.Sample(logs)
			if err != nil {
				t.Fatal(err)
			}
			if idx != 2 {
				t.Fatalf("%s returned %d", sp, idx)
			}
		}
	}
}

func TestTopKRestrictsCandidates(t *testing.T) {
	t.Parallel()
	logs := []float32{1, 1, 1, 5, 5}
	s := New(3, SamplingFor(100, 2, 0))
	for range 100 {
		idx, _ := s.Sample(logs)
		if idx != 3 && idx != 4 {
			t.Fatalf("sampled %d outside the top 2", idx)
		}
	}
}

func TestSampleErrors(t *testing.T) {
	t.Parallel()
	s := New(1, SamplingFor(1, 0, 0))
	if _, err := s.Sample(nil); !errors.Is(err, ErrEmptyLogits) {
		t.Fatalf("expected ErrEmptyLogits, got %v", err)
	}
	if _, err := s.Sample([]float32{1, float32(math.NaN())}); !errors.Is(err, ErrDegenerateLogits) {
		t.Fatalf("expected ErrDegenerateLogits for NaN, got %v", err)
	}
}

func TestSampleRejectsDegenerateLogits(t *testing.T) {
	t.Parallel()
	posInf := float32(math.Inf(1))
	negInf := float32(math.Inf(-1))
	inputs := []struct {
		name   string
		logits []float32
	}{
		{"positive infinity", []float32{posInf, 0, -1}},
		{"all negative infinity", []float32{negInf, negInf, negInf}},
		{"mixed infinities", []float32{negInf, posInf, 2}},
		{"single negative infinity", []float32{3, negInf, 1}},
	}
	samplings := []Sampling{
		SamplingFor(0, 0, 0),
		SamplingFor(1, 0, 0),
		SamplingFor(1, 2, 0),
		SamplingFor(1, 0, 0.9),
		SamplingFor(1, 2, 0.9),
	}
	for _, in := range inputs {
		for _, sp := range samplings {
			t.Run(in.name+"/"+sp.Strategy.String(), func(t *testing.T) {
				t.Parallel()
				id, err := New(1, sp).Sample(in.logits)
				if !errors.Is(err, ErrDegenerateLogits) {
					t.Fatalf("Sample(%v) = %d, %v; want ErrDegenerateLogits", in.logits, id, err)
				}
			})
		}
	}
}

func TestSampleRejectsOverflowingTemperature(t *testing.T) {
	t.Parallel()
	// Scaling by 1/temperature overflows float32 for every logit.
	s := New(1, SamplingFor(1e-38, 0, 0))
	if _, err := s.Sample([]float32{1e3, 2e3, 3e3}); !errors.Is(err, ErrDegenerateLogits) {
		t.Fatalf("expected ErrDegenerateLogits, got %v", err)
	}
}

func TestApplyRepeatPenalty(t *testing.T) {
	t.Parallel()
	logs := []float32{2, -2, 4, 1}
	ApplyRepeatPenalty(logs, 2, []int{0, 1, 0, 7, -1})
	if diff := cmp.Diff([]float32{1, -4, 4, 1}, logs); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	same := []float32{2, -2}
	ApplyRepeatPenalty(same, 1, []int{0, 1})
	if diff := cmp.Diff([]float32{2, -2}, same); diff != "" {
		t.Fatalf("penalty 1 changed logits (-want +got):\n%s", diff)
	}
}
