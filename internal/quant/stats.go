package quant

import (
	"fmt"
	"math"

	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/tensor"
)

// Stats accumulates the input statistics of one linear layer over the
// calibration samples.
type Stats struct {
	In int

	xtx     []float64 // [In, In], sum over samples of XᵀX
	absSum  []float64 // [In], sum of |x| over tokens
	samples int
	tokens  int
}

// NewStats returns an empty accumulator for a layer with in inputs.
func NewStats(in int) *Stats {
	return &Stats{In: in, xtx: make([]float64, in*in), absSum: make([]float64, in)}
}

// Add accumulates one sample's inputs x [tokens, In].
func (s *Stats) Add(x *tensor.Tensor) error {
	if x.Cols() != s.In {
		return fmt.Errorf("capture: input width %d, expected %d", x.Cols(), s.In)
	}
	n := s.In
	for r := range x.Rows() {
		row := x.Row(r)
		for i, vi := range row {
			s.absSum[i] += math.Abs(float64(vi))
			if vi == 0 {
				continue
			}
			fi := float64(vi)
			dst := s.xtx[i*n : (i+1)*n]
			for j, vj := range row {
				dst[j] += fi * float64(vj)
			}
		}
	}
	s.samples++
	s.tokens += x.Rows()
	return nil
}

// Samples returns the number of samples accumulated.
func (s *Stats) Samples() int { return s.samples }

// Hessian returns H = 2/N Σ XᵀX as a row-major [In, In] matrix, where N is
// the number of samples.
func (s *Stats) Hessian() []float64 {
	h := make([]float64, len(s.xtx))
	if s.samples == 0 {
		return h
	}
	f := 2 / float64(s.samples)
	for i, v := range s.xtx {
		h[i] = v * f
	}
	return h
}

// MeanAbs returns the mean absolute activation per input channel.
func (s *Stats) MeanAbs() []float64 {
	out := make([]float64, s.In)
	if s.tokens == 0 {
		return out
	}
	for i, v := range s.absSum {
		out[i] = v / float64(s.tokens)
	}
	return out
}

// Hook returns a pre-call hook that feeds the first positional argument
// into s.
func (s *Stats) Hook() nn.PreHook {
	return func(_ nn.Module, in *nn.Args) (*nn.Args, error) {
		x, err := in.Tensor(0)
		if err != nil {
			return nil, err
		}
		return nil, s.Add(x)
	}
}
