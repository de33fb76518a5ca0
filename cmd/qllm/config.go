package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the qllm configuration file (~/.config/qllm/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Quantization defaults
	Method    string `yaml:"method"`
	WBits     *int   `yaml:"wbits"`
	GroupSize *int   `yaml:"groupsize"`
	PackMode  string `yaml:"pack_mode"`

	// Calibration defaults
	Dataset  string `yaml:"dataset"`
	NSamples *int   `yaml:"nsamples"`
	SeqLen   *int   `yaml:"seqlen"`
	Seed     *int64 `yaml:"seed"`
	CacheDir string `yaml:"cache_dir"`

	// Backend
	Backend string `yaml:"backend"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qllm", "config.yaml")
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qllm")
}

// applyQuantizeConfig applies config file defaults to the quantize command
// variables when the corresponding CLI flag was not explicitly set.
func applyQuantizeConfig(c *cli.Command, cfg Config) {
	if cfg.Method != "" && !c.IsSet("method") {
		method = cfg.Method
	}
	if cfg.WBits != nil && !c.IsSet("wbits") {
		wBits = *cfg.WBits
	}
	if cfg.GroupSize != nil && !c.IsSet("groupsize") {
		groupSize = *cfg.GroupSize
	}
	if cfg.PackMode != "" && !c.IsSet("pack-mode") {
		packMode = cfg.PackMode
	}
	if cfg.Dataset != "" && !c.IsSet("dataset") {
		dataset = cfg.Dataset
	}
	if cfg.NSamples != nil && !c.IsSet("nsamples") {
		nSamples = *cfg.NSamples
	}
	if cfg.SeqLen != nil && !c.IsSet("seqlen") {
		seqLen = *cfg.SeqLen
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
	}
	applyCommonConfig(c, cfg)
}

// applyCommonConfig applies the backend and logging defaults.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return readConfig(configPath())
}

func readConfig(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
