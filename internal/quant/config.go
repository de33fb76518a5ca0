// Package quant fits low-bit quantization parameters for the linear layers
// of a model, one transformer block at a time, using activation statistics
// captured from calibration data.
package quant

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/samcharles93/qllm/internal/tensor"
)

// ErrConfig marks configuration errors: missing inputs, missing per-layer
// records, malformed paths or empty calibration data.
var ErrConfig = errors.New("quant: configuration error")

// Method names a quantization algorithm. Combined methods such as
// "gptq+rtn" record per-layer fallbacks.
type Method string

const (
	MethodGPTQ Method = "gptq"
	MethodAWQ  Method = "awq"
	MethodRTN  Method = "rtn"
)

// ParseMethod normalises a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodGPTQ, nil
	case MethodGPTQ, MethodAWQ, MethodRTN:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown method %q (expected gptq, awq, or rtn)", ErrConfig, s)
	}
}

// DenseBits is the width at or above which layers stay unquantized.
const DenseBits = 16

// LayerConfig is the per-layer bit width and group size. GroupSize -1
// means one group spanning all inputs. Kernel records the packed layout
// ("GEMM" or "DQ") once a layer has been packed.
type LayerConfig struct {
	Bits      int    `json:"bits"`
	GroupSize int    `json:"group_size"`
	Kernel    string `json:"kernel,omitempty"`
}

// Dense reports whether the layer is kept at full precision.
func (c LayerConfig) Dense() bool { return c.Bits >= DenseBits }

func (c LayerConfig) validate() error {
	if c.Dense() {
		return nil
	}
	if c.Bits < 2 || c.Bits > 8 {
		return fmt.Errorf("%w: bits %d out of range [2,8]", ErrConfig, c.Bits)
	}
	if c.GroupSize == 0 || c.GroupSize < -1 {
		return fmt.Errorf("%w: group size %d", ErrConfig, c.GroupSize)
	}
	return nil
}

// Config controls a sequential quantization run.
type Config struct {
	Bits      int
	GroupSize int
	Method    Method

	// ActOrder processes columns by decreasing Hessian diagonal.
	ActOrder bool
	// StaticGroups fixes group parameters from the unmodified weight
	// before error compensation.
	StaticGroups bool
	Sym          bool
	// PercDamp is the Hessian damping as a fraction of its mean diagonal.
	PercDamp float64
	// WriteBack stores the quantize-dequantized weight into each dense
	// layer after it is solved, so later layers see the quantization error.
	WriteBack bool
	// Device is where each block runs while it is calibrated.
	Device tensor.Device

	// Mix overrides bits and group size per layer path.
	Mix map[string]LayerConfig
}

// DefaultConfig returns 4-bit GPTQ with 128-wide groups.
func DefaultConfig() Config {
	return Config{
		Bits:      4,
		GroupSize: 128,
		Method:    MethodGPTQ,
		PercDamp:  0.01,
		WriteBack: true,
		Device:    tensor.CPU,
	}
}

// Validate checks the global settings and every override.
func (c Config) Validate() error {
	if _, err := ParseMethod(string(c.Method)); err != nil {
		return err
	}
	if err := (LayerConfig{Bits: c.Bits, GroupSize: c.GroupSize}).validate(); err != nil {
		return err
	}
	if c.PercDamp < 0 {
		return fmt.Errorf("%w: negative damping %g", ErrConfig, c.PercDamp)
	}
	for path, lc := range c.Mix {
		if err := lc.validate(); err != nil {
			return fmt.Errorf("layer %s: %w", path, err)
		}
	}
	return nil
}

// For returns the settings of the layer at path.
func (c Config) For(path string) LayerConfig {
	if lc, ok := c.Mix[path]; ok {
		return lc
	}
	return LayerConfig{Bits: c.Bits, GroupSize: c.GroupSize}
}

// LoadMix reads a mixed precision override file. It has the same layout
// as quant.op.json; a "method" entry is ignored.
func LoadMix(path string) (map[string]LayerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mix config: %w", err)
	}
	info, err := ParseInfo(raw)
	if err != nil {
		return nil, fmt.Errorf("mix config %s: %w", path, err)
	}
	return info.Layers, nil
}
