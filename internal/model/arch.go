package model

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDim           int     `json:"head_dim"`
	VocabSize         int     `json:"vocab_size"`
	MaxPosition       int     `json:"max_position_embeddings"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	LayerNormEps      float64 `json:"layer_norm_eps"`
	NormEps           float64 `json:"norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`
	AttentionBias     bool    `json:"attention_bias"`
	TieEmbeddings     bool    `json:"tie_word_embeddings"`

	RopeScaling    *ropeConfig `json:"rope_scaling"`
	RopeParameters *ropeConfig `json:"rope_parameters"`

	NumLocalExperts  int `json:"num_local_experts"`
	NumExperts       int `json:"num_experts"`
	NumExpertsPerTok int `json:"num_experts_per_tok"`

	// textModelType is text_config.model_type of a multimodal wrapper.
	textModelType string
}

// ropeConfig is the rope_scaling object, also found as rope_parameters in
// newer configs where it carries the base frequency too.
type ropeConfig struct {
	RopeType        string  `json:"rope_type"`
	Type            string  `json:"type"`
	Factor          float64 `json:"factor"`
	OrigMaxPosition int     `json:"original_max_position_embeddings"`
	LowFreqFactor   float64 `json:"low_freq_factor"`
	HighFreqFactor  float64 `json:"high_freq_factor"`
	AttentionFactor float64 `json:"attention_factor"`
	BetaFast        float64 `json:"beta_fast"`
	BetaSlow        float64 `json:"beta_slow"`
	MScale          float64 `json:"mscale"`
	MScaleAllDim    float64 `json:"mscale_all_dim"`
	Truncate        *bool   `json:"truncate"`
	RopeTheta       float64 `json:"rope_theta"`
}

// archSpec describes how a model family maps onto the decoder.
type archSpec struct {
	Name string
	// QKVBias forces biases on the q/k/v projections.
	QKVBias bool
}

func loadHFConfigBytes(raw []byte) (*hfConfig, error) {
	var cfg hfConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := mergeTextConfigMissing(&cfg, raw); err != nil {
		return nil, err
	}
	if cfg.RopeTheta == 0 && cfg.RopeParameters != nil {
		cfg.RopeTheta = cfg.RopeParameters.RopeTheta
	}
	return &cfg, nil
}

// mergeTextConfigMissing fills missing fields from a nested text_config
// object, as found in multimodal checkpoints.
func mergeTextConfigMissing(dst *hfConfig, raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 {
		return nil
	}
	var text hfConfig
	if err := json.Unmarshal(textRaw, &text); err != nil {
		return err
	}

	fill := func(d *int, s int) {
		if *d == 0 && s > 0 {
			*d = s
		}
	}
	fillF := func(d *float64, s float64) {
		if *d == 0 && s > 0 {
			*d = s
		}
	}
	dst.textModelType = text.ModelType
	fill(&dst.HiddenSize, text.HiddenSize)
	fill(&dst.IntermediateSize, text.IntermediateSize)
	fill(&dst.NumHiddenLayers, text.NumHiddenLayers)
	fill(&dst.NumAttentionHeads, text.NumAttentionHeads)
	fill(&dst.NumKeyValueHeads, text.NumKeyValueHeads)
	fill(&dst.HeadDim, text.HeadDim)
	fill(&dst.VocabSize, text.VocabSize)
	fill(&dst.MaxPosition, text.MaxPosition)
	fillF(&dst.RMSNormEps, text.RMSNormEps)
	fillF(&dst.RopeTheta, text.RopeTheta)
	if dst.RopeParameters == nil {
		dst.RopeParameters = text.RopeParameters
	}
	if dst.RopeScaling == nil {
		dst.RopeScaling = text.RopeScaling
	}
	if !dst.AttentionBias && text.AttentionBias {
		dst.AttentionBias = true
	}
	return nil
}

func detectArch(cfg *hfConfig) (*archSpec, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	modelType := strings.ToLower(strings.TrimSpace(cfg.ModelType))
	archs := make([]string, 0, len(cfg.Architectures)+1)
	for _, a := range cfg.Architectures {
		archs = append(archs, strings.ToLower(a))
	}
	if cfg.textModelType != "" {
		archs = append(archs, strings.ToLower(cfg.textModelType))
	}
	hasArch := func(substr string) bool {
		if strings.Contains(modelType, substr) {
			return true
		}
		for _, a := range archs {
			if strings.Contains(a, substr) {
				return true
			}
		}
		return false
	}

	if hasMoE(cfg) {
		return nil, fmt.Errorf("moe models are not supported")
	}

	switch {
	case hasArch("qwen2"):
		return &archSpec{Name: "qwen2", QKVBias: true}, nil
	case hasArch("mistral"):
		return &archSpec{Name: "mistral"}, nil
	case hasArch("llama"):
		return &archSpec{Name: "llama"}, nil
	default:
		return nil, fmt.Errorf("unsupported model_type %q (architectures=%v)", cfg.ModelType, cfg.Architectures)
	}
}

func hasMoE(cfg *hfConfig) bool {
	return cfg.NumLocalExperts > 0 || cfg.NumExperts > 0 || cfg.NumExpertsPerTok > 0
}

func rmsEpsilonForConfig(cfg *hfConfig) float64 {
	switch {
	case cfg.RMSNormEps != 0:
		return cfg.RMSNormEps
	case cfg.LayerNormEps != 0:
		return cfg.LayerNormEps
	case cfg.NormEps != 0:
		return cfg.NormEps
	default:
		return 1e-6
	}
}
