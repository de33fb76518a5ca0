package model

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFile is the name of the model configuration inside a model directory.
const ConfigFile = "config.json"

// Config holds the decoder hyper-parameters.
type Config struct {
	Arch          string
	Hidden        int
	Intermediate  int
	Layers        int
	Heads         int
	KVHeads       int
	HeadDim       int
	Vocab         int
	MaxPosition   int
	RMSEps        float32
	RopeTheta     float64
	RopeScaling   *RopeScaling
	QKVBias       bool
	TieEmbeddings bool
}

// ParseConfig decodes a Hugging Face style config.json.
func ParseConfig(raw []byte) (*Config, error) {
	hf, err := loadHFConfigBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	spec, err := detectArch(hf)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Arch:          spec.Name,
		Hidden:        hf.HiddenSize,
		Intermediate:  hf.IntermediateSize,
		Layers:        hf.NumHiddenLayers,
		Heads:         hf.NumAttentionHeads,
		KVHeads:       hf.NumKeyValueHeads,
		HeadDim:       hf.HeadDim,
		Vocab:         hf.VocabSize,
		MaxPosition:   hf.MaxPosition,
		RMSEps:        float32(rmsEpsilonForConfig(hf)),
		RopeTheta:     hf.RopeTheta,
		RopeScaling:   ropeScalingFor(hf),
		QKVBias:       spec.QKVBias || hf.AttentionBias,
		TieEmbeddings: hf.TieEmbeddings,
	}
	if cfg.KVHeads == 0 {
		cfg.KVHeads = cfg.Heads
	}
	if cfg.HeadDim == 0 && cfg.Heads > 0 {
		cfg.HeadDim = cfg.Hidden / cfg.Heads
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10000
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads config.json from a model directory.
func LoadConfig(dir string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(raw)
}

// Validate checks that the dimensions describe a buildable decoder.
func (c *Config) Validate() error {
	switch {
	case c.Hidden <= 0 || c.Intermediate <= 0 || c.Vocab <= 0:
		return fmt.Errorf("config: hidden/intermediate/vocab sizes must be positive")
	case c.Layers <= 0:
		return fmt.Errorf("config: num_hidden_layers must be positive")
	case c.Heads <= 0 || c.KVHeads <= 0 || c.Heads%c.KVHeads != 0:
		return fmt.Errorf("config: %d heads cannot share %d kv heads", c.Heads, c.KVHeads)
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return fmt.Errorf("config: head_dim %d must be positive and even", c.HeadDim)
	}
	return nil
}
