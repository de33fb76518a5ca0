package quant

import (
	"fmt"
	"os"
	"slices"

	json "github.com/goccy/go-json"
)

// File names of the quantization artifacts.
const (
	InfoFile         = "quant.op.json"
	KernelConfigFile = "quant_config.json"
)

// Info is the per-layer record of a quantized model, stored as
// quant.op.json: {"<path>": {"bits": b, "group_size": g}, "method": m}.
type Info struct {
	Layers map[string]LayerConfig
	Method Method
}

// NewInfo returns an empty Info for method m.
func NewInfo(m Method) *Info {
	return &Info{Layers: make(map[string]LayerConfig), Method: m}
}

// Paths returns the recorded layer paths in sorted order.
func (i *Info) Paths() []string {
	out := make([]string, 0, len(i.Layers))
	for p := range i.Layers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Lookup returns the record for path or an ErrConfig error.
func (i *Info) Lookup(path string) (LayerConfig, error) {
	lc, ok := i.Layers[path]
	if !ok {
		return LayerConfig{}, fmt.Errorf("%w: no quantization record for %s", ErrConfig, path)
	}
	return lc, nil
}

func (i *Info) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(i.Layers)+1)
	for p, lc := range i.Layers {
		doc[p] = lc
	}
	if i.Method != "" {
		doc["method"] = i.Method
	}
	return json.Marshal(doc)
}

// layerRecord accepts both the current and the legacy key names.
type layerRecord struct {
	Bits      *int   `json:"bits"`
	WBits     *int   `json:"wbits"`
	GroupSize *int   `json:"group_size"`
	LegacyGS  *int   `json:"groupsize"`
	Kernel    string `json:"kernel"`
}

func (i *Info) UnmarshalJSON(raw []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	i.Layers = make(map[string]LayerConfig, len(doc))
	i.Method = ""
	for key, v := range doc {
		if key == "method" {
			var m string
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("method: %w", err)
			}
			i.Method = Method(m)
			continue
		}
		var rec layerRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("layer %s: %w", key, err)
		}
		bits := rec.Bits
		if bits == nil {
			bits = rec.WBits
		}
		gs := rec.GroupSize
		if gs == nil {
			gs = rec.LegacyGS
		}
		if bits == nil {
			return fmt.Errorf("%w: layer %s has no bit width", ErrConfig, key)
		}
		lc := LayerConfig{Bits: *bits, GroupSize: -1, Kernel: rec.Kernel}
		if gs != nil {
			lc.GroupSize = *gs
		}
		i.Layers[key] = lc
	}
	return nil
}

// ParseInfo decodes a quant.op.json document.
func ParseInfo(raw []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReadInfo reads a quant.op.json file.
func ReadInfo(path string) (*Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := ParseInfo(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return info, nil
}

// Write stores i at path.
func (i *Info) Write(path string) error {
	return writeJSON(path, i)
}

// KernelConfig describes the packed layout for loaders of the saved model
// (quant_config.json).
type KernelConfig struct {
	ZeroPoint bool   `json:"zero_point"`
	GroupSize int    `json:"q_group_size"`
	Bits      int    `json:"w_bit"`
	Version   string `json:"version"`
}

// Write stores c at path.
func (c KernelConfig) Write(path string) error {
	return writeJSON(path, c)
}

// ReadKernelConfig reads a quant_config.json file.
func ReadKernelConfig(path string) (KernelConfig, error) {
	var c KernelConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
