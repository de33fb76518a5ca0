package tensor

import (
	"math"
	"slices"
)

// Row-level kernels of the reference decoder. Sums accumulate in float64.

// Add accumulates src into dst.
func Add(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float32 {
	var s float64
	for i, v := range a {
		s += float64(v) * float64(b[i])
	}
	return float32(s)
}

// RMSNorm writes src / rms(src) * weight into dst.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var ss float64
	for _, v := range src {
		ss += float64(v) * float64(v)
	}
	inv := 1 / math.Sqrt(ss/float64(len(src))+float64(eps))
	for i, v := range src {
		dst[i] = float32(float64(v)*inv) * weight[i]
	}
}

// Softmax normalizes x in place. Entries at -Inf get zero weight.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	hi := float64(slices.Max(x))
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v) - hi)
		x[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / sum)
	}
}

// Silu is x * sigmoid(x).
func Silu(x float32) float32 {
	return float32(float64(x) / (1 + math.Exp(-float64(x))))
}

// MaxAbsDiff returns the largest element-wise |a-b|.
func MaxAbsDiff(a, b []float32) float32 {
	var m float64
	for i, v := range a {
		m = max(m, math.Abs(float64(v-b[i])))
	}
	return float32(m)
}
