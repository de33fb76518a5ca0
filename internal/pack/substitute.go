// Package pack replaces the dense linear layers of a quantized model with
// packed kernels and fills them from the fitted quantization parameters.
package pack

import (
	"fmt"
	"strings"

	"github.com/samcharles93/qllm/internal/kernels"
	"github.com/samcharles93/qllm/internal/logger"
	"github.com/samcharles93/qllm/internal/nn"
	"github.com/samcharles93/qllm/internal/quant"
)

// Substitute swaps every target layer of root for an empty kernel sized
// like the dense layer and configured from the layer's record in info.
// The kernel kind comes from the record when it names one, otherwise from
// sel; a layer the selected kind cannot hold gets the portable kernel.
// It returns the new kernels by path.
func Substitute(root nn.Module, targets *nn.Registry, info *quant.Info, sel *kernels.Selector, log logger.Logger) (map[string]*kernels.QuantLinear, error) {
	if log == nil {
		log = logger.Discard()
	}
	awq := strings.Contains(string(info.Method), string(quant.MethodAWQ))
	out := make(map[string]*kernels.QuantLinear, targets.Len())
	for _, path := range targets.Paths() {
		mod, _ := targets.Get(path)
		lin, ok := mod.(*nn.Linear)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %s, not a dense linear layer", quant.ErrConfig, path, mod.Kind())
		}
		lc, err := info.Lookup(path)
		if err != nil {
			return nil, err
		}
		if lc.Dense() {
			continue
		}
		kind, err := kindFor(lc, sel)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", quant.ErrConfig, path, err)
		}
		if kind == kernels.Optimized {
			if err := kernels.Check(kind, lin.In, lin.Out, lc.Bits, lc.GroupSize); err != nil {
				log.Info("layer does not fit the optimized kernel, using portable", "layer", path, "reason", err)
				kind = kernels.Portable
			}
		}
		q, err := kernels.New(kind, lin.In, lin.Out, lc.Bits, lc.GroupSize, lin.Bias != nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", quant.ErrConfig, path, err)
		}
		if awq {
			q.WithActScale()
		}
		if dev, ok := nn.Device(lin); ok {
			nn.MoveParams(q, dev)
		}
		if err := nn.Replace(root, path, q); err != nil {
			return nil, fmt.Errorf("%w: %v", quant.ErrConfig, err)
		}
		out[path] = q
	}
	return out, nil
}

func kindFor(lc quant.LayerConfig, sel *kernels.Selector) (kernels.Kind, error) {
	if lc.Kernel != "" {
		return kernels.ParseVersion(lc.Kernel)
	}
	if sel == nil {
		return kernels.Portable, nil
	}
	return sel.Kind(lc.Bits), nil
}
