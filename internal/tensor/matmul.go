package tensor

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelThreshold is the multiply-add count above which MatMulT splits
// output rows across goroutines.
const parallelThreshold = 1 << 18

// MatMulT computes x @ wᵀ for x [n, in] and w [out, in] and returns a new
// [n, out] tensor on x's device. Operands must share a device.
func MatMulT(x, w *Tensor) (*Tensor, error) {
	if err := SameDevice(x, w); err != nil {
		return nil, err
	}
	if !x.IsFloat() || !w.IsFloat() {
		return nil, fmt.Errorf("tensor: matmul needs float operands")
	}
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("tensor: matmul weight must be rank-2, got %v", w.Shape)
	}
	in := x.Cols()
	if in != w.Shape[1] {
		return nil, fmt.Errorf("tensor: matmul inner dim mismatch: %d vs %d", in, w.Shape[1])
	}
	n, out := x.Rows(), w.Shape[0]
	shape := append(append([]int(nil), x.Shape[:len(x.Shape)-1]...), out)
	y := New(shape...)
	y.Device = x.Device

	row := func(i int) {
		xr := x.Data[i*in : (i+1)*in]
		yr := y.Data[i*out : (i+1)*out]
		for j := 0; j < out; j++ {
			yr[j] = Dot(xr, w.Data[j*in:(j+1)*in])
		}
	}

	if n*out*in < parallelThreshold || n == 1 {
		for i := 0; i < n; i++ {
			row(i)
		}
		return y, nil
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			row(i)
			return nil
		})
	}
	_ = g.Wait()
	return y, nil
}

// AddBias adds b [out] to every row of y [n, out] in place.
func AddBias(y, b *Tensor) error {
	if b == nil {
		return nil
	}
	if err := SameDevice(y, b); err != nil {
		return err
	}
	out := y.Cols()
	if b.Numel() != out {
		return fmt.Errorf("tensor: bias size %d does not match %d", b.Numel(), out)
	}
	for i := 0; i < y.Rows(); i++ {
		Add(y.Row(i), b.Data)
	}
	return nil
}
