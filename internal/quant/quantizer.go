package quant

import (
	"math"

	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/tensor"
)

// Quantizer is an asymmetric (or symmetric) min-max quantizer with one
// scale and zero point per output row.
type Quantizer struct {
	Bits  int
	Sym   bool
	MaxQ  int32
	Scale []float32
	Zero  []float32
}

// NewQuantizer returns an unfitted quantizer for bits.
func NewQuantizer(bits int, sym bool) *Quantizer {
	return &Quantizer{Bits: bits, Sym: sym, MaxQ: kernels.MaxQ(bits)}
}

// Fit computes per-row parameters for columns [lo, hi) of w [out, in].
// The range always includes zero; an all-zero row gets the range [-1, 1].
func (q *Quantizer) Fit(w *tensor.Tensor, lo, hi int) {
	out := w.Rows()
	q.Scale = make([]float32, out)
	q.Zero = make([]float32, out)
	maxq := float32(q.MaxQ)
	for o := range out {
		row := w.Row(o)[lo:hi]
		xmin, xmax := float32(0), float32(0)
		for _, v := range row {
			xmin, xmax = min(xmin, v), max(xmax, v)
		}
		if q.Sym {
			xmax = max(-xmin, xmax)
			if xmin < 0 {
				xmin = -xmax
			}
		}
		if xmin == 0 && xmax == 0 {
			xmin, xmax = -1, 1
		}
		s := (xmax - xmin) / maxq
		q.Scale[o] = s
		if q.Sym {
			q.Zero[o] = (maxq + 1) / 2
		} else {
			q.Zero[o] = float32(math.RoundToEven(float64(-xmin / s)))
		}
	}
}

// QDQ quantizes and dequantizes v with the parameters of row o.
func (q *Quantizer) QDQ(v float32, o int) float32 {
	s, z := q.Scale[o], q.Zero[o]
	return kernels.DequantizeValue(kernels.QuantizeValue(v, s, z, q.MaxQ), s, z)
}

// Params are the fitted parameters of one layer.
type Params struct {
	// State is the quantizer of the last group fitted.
	State *Quantizer
	Scale *tensor.Tensor // [groups, out]
	Zero  *tensor.Tensor // [groups, out]
	// GIdx maps every input column to its group.
	GIdx []int
	// ActScale is the per-input scale of activation-aware quantization.
	ActScale []float32

	Bits      int
	GroupSize int
	Method    Method
}

// Groups returns the number of groups.
func (p *Params) Groups() int { return p.Scale.Rows() }

// PackInput pairs the dense weight and bias of a layer with p.
func (p *Params) PackInput(weight, bias *tensor.Tensor) kernels.PackInput {
	return kernels.PackInput{
		Weight:   weight,
		Bias:     bias,
		Scale:    p.Scale,
		Zero:     p.Zero,
		GIdx:     p.GIdx,
		ActScale: p.ActScale,
	}
}

// QDQ returns the effective dense weight after quantizing w [out, in] with
// p and dequantizing it again.
func QDQ(w *tensor.Tensor, p *Params) *tensor.Tensor {
	out, in := w.Shape[0], w.Shape[1]
	maxq := kernels.MaxQ(p.Bits)
	res := tensor.New(out, in)
	res.Device = w.Device
	for o := range out {
		src, dst := w.Row(o), res.Row(o)
		for i, v := range src {
			g := p.GIdx[i]*out + o
			s, z := p.Scale.Data[g], p.Zero.Data[g]
			if p.ActScale != nil {
				v *= p.ActScale[i]
			}
			d := kernels.DequantizeValue(kernels.QuantizeValue(v, s, z, maxq), s, z)
			if p.ActScale != nil {
				d /= p.ActScale[i]
			}
			dst[i] = d
		}
	}
	return res
}

// contiguousGIdx maps in columns to groups of size groupSize.
func contiguousGIdx(in, groupSize int) []int {
	g := make([]int, in)
	if groupSize <= 0 {
		return g
	}
	for i := range g {
		g[i] = i / groupSize
	}
	return g
}

// RTN fits round-to-nearest parameters for w [out, in] with contiguous
// groups.
func RTN(w *tensor.Tensor, lc LayerConfig, sym bool) *Params {
	out, in := w.Shape[0], w.Shape[1]
	groups := kernels.Groups(in, lc.GroupSize)
	p := &Params{
		Scale:     tensor.New(groups, out),
		Zero:      tensor.New(groups, out),
		GIdx:      contiguousGIdx(in, lc.GroupSize),
		Bits:      lc.Bits,
		GroupSize: lc.GroupSize,
		Method:    MethodRTN,
	}
	width := in
	if lc.GroupSize > 0 {
		width = lc.GroupSize
	}
	q := NewQuantizer(lc.Bits, sym)
	for g := range groups {
		lo, hi := g*width, min((g+1)*width, in)
		q.Fit(w, lo, hi)
		copy(p.Scale.Row(g), q.Scale)
		copy(p.Zero.Row(g), q.Zero)
	}
	p.State = q
	return p
}
