// Package pipeline splits a quantized model across devices block by block
// and keeps activations on the device of the module that consumes them.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/quant"
	"github.com/samcharles93/qllm/internal/tensor"
)

// ErrDistribution wraps any failure of the validation pass.
var ErrDistribution = errors.New("pipeline: distributed forward failed")

// Assignment maps blocks to devices.
type Assignment struct {
	Devices []tensor.Device
	// Blocks holds the device of every block.
	Blocks []tensor.Device
	// PerDevice is the number of blocks on every device but the last,
	// which also takes the remainder.
	PerDevice int
}

// Assign spreads n blocks over devices in contiguous runs of n/len(devices)
// blocks; the last device takes the remainder.
func Assign(n int, devices []tensor.Device) (*Assignment, error) {
	k := len(devices)
	if k == 0 {
		return nil, fmt.Errorf("%w: empty device list", quant.ErrConfig)
	}
	if k > n {
		return nil, fmt.Errorf("%w: %d devices for %d blocks", quant.ErrConfig, k, n)
	}
	per := n / k
	a := &Assignment{Devices: devices, Blocks: make([]tensor.Device, n), PerDevice: per}
	for i := range n {
		a.Blocks[i] = devices[min(i/per, k-1)]
	}
	return a, nil
}

// Counts returns the number of blocks placed on each device.
func (a *Assignment) Counts() []int {
	out := make([]int, len(a.Devices))
	for i, d := range a.Devices {
		for _, b := range a.Blocks {
			if b == d {
				out[i]++
			}
		}
	}
	return out
}

// Relocate is a pre-call hook that moves every tensor argument to the
// device of the receiving module's first parameter, or to the device of
// the first positional tensor when the module owns no parameters.
func Relocate(m nn.Module, in *nn.Args) (*nn.Args, error) {
	dev, ok := nn.Device(m)
	if !ok {
		for _, v := range in.Pos {
			if t, isT := v.(*tensor.Tensor); isT && t != nil {
				dev, ok = t.Device, true
				break
			}
		}
	}
	if !ok {
		return nil, nil
	}
	return in.To(dev), nil
}

// Distribute casts root to half precision, places its blocks on devices
// according to Assign and everything else on devices[0], installs
// relocation hooks and runs sample through the result. The returned
// module is root behind its own relocation hook.
func Distribute(root nn.Stack, devices []tensor.Device, sample *tensor.Tensor, log logger.Logger) (nn.Module, error) {
	if log == nil {
		log = logger.Discard()
	}
	blocks := root.Blocks()
	a, err := Assign(blocks.Len(), devices)
	if err != nil {
		return nil, err
	}

	for _, p := range nn.StateDict(root) {
		p.T.Half()
	}
	nn.MoveParams(root, devices[0])
	for i, blk := range blocks.Items {
		nn.MoveParams(blk, a.Blocks[i])
	}

	wrapped, err := installHooks(root)
	if err != nil {
		return nil, err
	}
	log.Info("model distributed", "devices", len(devices), "blocks", blocks.Len(), "per_device", a.Counts())

	if _, err := wrapped.Forward(nn.Call(sample)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDistribution, err)
	}
	return wrapped, nil
}

// hookPaths lists the root's children, their children and every block,
// without duplicates.
func hookPaths(root nn.Stack) []string {
	var paths []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, c := range nn.Unwrap(root).Children() {
		add(c.Name)
		for _, cc := range nn.Unwrap(c.Module).Children() {
			add(nn.Join(c.Name, cc.Name))
		}
	}
	for i := range root.Blocks().Len() {
		add(nn.BlockPath(root, i))
	}
	return paths
}

// installHooks installs Relocate on root and on every hook path. Either
// all hooks are installed or none.
func installHooks(root nn.Stack) (nn.Module, error) {
	wrapped := nn.Wrap(root)
	removes := []func(){wrapped.Add(Relocate)}
	rollback := func() {
		for _, r := range removes {
			r()
		}
	}
	for _, p := range hookPaths(root) {
		rm, err := nn.InstallHook(root, p, Relocate)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("install hook on %s: %w", p, err)
		}
		removes = append(removes, rm)
	}
	return wrapped, nil
}
