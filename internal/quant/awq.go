package quant

import (
	"math"

	"github.com/samcharles93/qllm/internal/tensor"
)

// AWQ searches a per-input scale s = mean|x|^α, α on a grid in [0, 1),
// that minimises the output error of round-to-nearest quantization of
// W·diag(s). The error of a candidate is tr(ΔW H ΔWᵀ).
type AWQ struct {
	Grid int
	Sym  bool
}

const defaultAWQGrid = 20

// Solve fits parameters for w [out, in] from the layer's input statistics.
func (a AWQ) Solve(w *tensor.Tensor, st *Stats, lc LayerConfig) *Params {
	grid := a.Grid
	if grid <= 0 {
		grid = defaultAWQGrid
	}
	out, in := w.Shape[0], w.Shape[1]
	h := st.Hessian()
	mean := st.MeanAbs()

	var best *Params
	bestLoss := math.Inf(1)
	ws := tensor.New(out, in)
	for k := range grid {
		s := awqScales(mean, float64(k)/float64(grid))
		for o := range out {
			src, dst := w.Row(o), ws.Row(o)
			for i, v := range src {
				dst[i] = v * s[i]
			}
		}
		p := RTN(ws, lc, a.Sym)
		p.ActScale = s
		loss := outputError(w, QDQ(w, p), h)
		if loss < bestLoss {
			best, bestLoss = p, loss
		}
	}
	if best == nil {
		return RTN(w, lc, a.Sym)
	}
	best.Method = MethodAWQ
	return best
}

// awqScales returns mean^alpha normalised so that max·min = 1.
func awqScales(mean []float64, alpha float64) []float32 {
	s := make([]float64, len(mean))
	lo, hi := math.Inf(1), 0.0
	for i, m := range mean {
		v := max(math.Pow(m, alpha), 1e-4)
		s[i] = v
		lo, hi = min(lo, v), max(hi, v)
	}
	norm := math.Sqrt(lo * hi)
	out := make([]float32, len(s))
	for i, v := range s {
		out[i] = float32(v / norm)
	}
	return out
}

// outputError returns Σ_o Δw_o H Δw_oᵀ with Δ = w - q.
func outputError(w, q *tensor.Tensor, h []float64) float64 {
	in := w.Cols()
	delta := make([]float64, in)
	total := 0.0
	for o := range w.Rows() {
		wr, qr := w.Row(o), q.Row(o)
		for i := range delta {
			delta[i] = float64(wr[i] - qr[i])
		}
		for i, di := range delta {
			if di == 0 {
				continue
			}
			row := h[i*in : (i+1)*in]
			acc := 0.0
			for j, dj := range delta {
				acc += row[j] * dj
			}
			total += di * acc
		}
	}
	return total
}
