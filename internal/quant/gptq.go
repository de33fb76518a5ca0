package quant

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/tensor"
)

// ErrNumeric is returned when the Hessian stays singular after every
// damping retry.
var ErrNumeric = errors.New("quant: hessian is not positive definite")

const dampRetries = 4

// GPTQ quantizes one column at a time and spreads each column's rounding
// error over the columns not yet quantized, weighted by the inverse
// Hessian of the layer inputs.
type GPTQ struct {
	PercDamp     float64
	ActOrder     bool
	StaticGroups bool
	Sym          bool
}

// Solve fits parameters for w [out, in] given the Hessian h [in, in]. It
// returns the parameters and the quantized weight.
func (g GPTQ) Solve(w *tensor.Tensor, h []float64, lc LayerConfig) (*Params, *tensor.Tensor, error) {
	out, in := w.Shape[0], w.Shape[1]
	if len(h) != in*in {
		return nil, nil, fmt.Errorf("gptq: hessian has %d entries, expected %d", len(h), in*in)
	}
	W := make([]float64, out*in)
	for i, v := range w.Data {
		W[i] = float64(v)
	}
	H := slices.Clone(h)
	for i := range in {
		if H[i*in+i] == 0 {
			H[i*in+i] = 1
			for o := range out {
				W[o*in+i] = 0
			}
		}
	}

	gs := lc.GroupSize
	grouped := gs > 0
	groups := kernels.Groups(in, gs)
	var static []*Quantizer
	if grouped && g.StaticGroups {
		for k := range groups {
			q := NewQuantizer(lc.Bits, g.Sym)
			q.Fit(columns(W, out, in, k*gs, min((k+1)*gs, in)), 0, min((k+1)*gs, in)-k*gs)
			static = append(static, q)
		}
	}

	perm := make([]int, in)
	for i := range perm {
		perm[i] = i
	}
	if g.ActOrder {
		slices.SortStableFunc(perm, func(a, b int) int {
			return cmp.Compare(H[b*in+b], H[a*in+a])
		})
		W, H = permute(W, H, out, in, perm)
	}

	U, err := g.inverseFactor(H, in)
	if err != nil {
		return nil, nil, err
	}

	p := &Params{
		Scale:     tensor.New(groups, out),
		Zero:      tensor.New(groups, out),
		GIdx:      make([]int, in),
		Bits:      lc.Bits,
		GroupSize: gs,
		Method:    MethodGPTQ,
	}
	record := func(k int, q *Quantizer) {
		copy(p.Scale.Row(k), q.Scale)
		copy(p.Zero.Row(k), q.Zero)
	}
	for k, q := range static {
		record(k, q)
	}

	Q := make([]float32, out*in)
	var cur *Quantizer
	for i := range in {
		col := perm[i]
		switch {
		case static != nil:
			cur = static[col/gs]
			p.GIdx[col] = col / gs
		case grouped:
			if i%gs == 0 {
				cur = NewQuantizer(lc.Bits, g.Sym)
				hi := min(i+gs, in)
				cur.Fit(columns(W, out, in, i, hi), 0, hi-i)
				record(i/gs, cur)
			}
			p.GIdx[col] = i / gs
		default:
			if i == 0 {
				cur = NewQuantizer(lc.Bits, g.Sym)
				cur.Fit(columns(W, out, in, 0, in), 0, in)
				record(0, cur)
			}
		}
		d := U[i*in+i]
		urow := U[i*in : (i+1)*in]
		for o := range out {
			wrow := W[o*in : (o+1)*in]
			v := float32(wrow[i])
			qv := cur.QDQ(v, o)
			Q[o*in+col] = qv
			e := (float64(v) - float64(qv)) / d
			for j := i + 1; j < in; j++ {
				wrow[j] -= e * urow[j]
			}
		}
	}
	p.State = cur

	qt := tensor.FromData(Q, out, in)
	qt.Device = w.Device
	return p, qt, nil
}

// inverseFactor returns the upper Cholesky factor of (H + λI)⁻¹ as a
// row-major matrix, raising λ tenfold on every failed attempt.
func (g GPTQ) inverseFactor(H []float64, n int) ([]float64, error) {
	mean := 0.0
	for i := range n {
		mean += H[i*n+i]
	}
	mean /= float64(n)
	damp := g.PercDamp * mean
	if damp <= 0 {
		damp = 1e-6 * max(mean, 1)
	}
	for range dampRetries {
		u, ok := choleskyInverseUpper(H, n, damp)
		if ok {
			return u, nil
		}
		damp *= 10
	}
	return nil, ErrNumeric
}

func choleskyInverseUpper(H []float64, n int, damp float64) ([]float64, bool) {
	data := slices.Clone(H)
	for i := range n {
		data[i*n+i] += damp
	}
	var chol mat.Cholesky
	if !chol.Factorize(mat.NewSymDense(n, data)) {
		return nil, false
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, false
	}
	var cinv mat.Cholesky
	if !cinv.Factorize(&inv) {
		return nil, false
	}
	var u mat.TriDense
	cinv.UTo(&u)
	out := make([]float64, n*n)
	for i := range n {
		for j := i; j < n; j++ {
			out[i*n+j] = u.At(i, j)
		}
	}
	return out, true
}

// columns copies columns [lo, hi) of the row-major matrix W [out, in] into
// a float32 tensor.
func columns(W []float64, out, in, lo, hi int) *tensor.Tensor {
	dst := tensor.New(out, hi-lo)
	for o := range out {
		row := dst.Row(o)
		for j := lo; j < hi; j++ {
			row[j-lo] = float32(W[o*in+j])
		}
	}
	return dst
}

// permute reorders the columns of W and both axes of H by perm.
func permute(W, H []float64, out, in int, perm []int) ([]float64, []float64) {
	pw := make([]float64, len(W))
	for o := range out {
		for i, c := range perm {
			pw[o*in+i] = W[o*in+c]
		}
	}
	ph := make([]float64, len(H))
	for i, r := range perm {
		for j, c := range perm {
			ph[i*in+j] = H[r*in+c]
		}
	}
	return pw, ph
}
