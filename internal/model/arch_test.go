package model

import "testing"

func TestDetectArch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       hfConfig
		wantArch  string
		wantBias  bool
		wantError bool
	}{
		{
			name:     "llama",
			cfg:      hfConfig{ModelType: "llama"},
			wantArch: "llama",
		},
		{
			name:     "llama-by-architecture",
			cfg:      hfConfig{Architectures: []string{"LlamaForCausalLM"}},
			wantArch: "llama",
		},
		{
			name:     "qwen2",
			cfg:      hfConfig{ModelType: "qwen2"},
			wantArch: "qwen2",
			wantBias: true,
		},
		{
			name:     "mistral3",
			cfg:      hfConfig{ModelType: "mistral3"},
			wantArch: "mistral",
		},
		{
			name:      "unknown",
			cfg:       hfConfig{ModelType: "mamba"},
			wantError: true,
		},
		{
			name:      "moe-unsupported",
			cfg:       hfConfig{ModelType: "mistral", NumLocalExperts: 4},
			wantError: true,
		},
		{
			name:      "experts-per-token",
			cfg:       hfConfig{ModelType: "qwen2", NumExperts: 8, NumExpertsPerTok: 2},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			spec, err := detectArch(&tt.cfg)
			if tt.wantError {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if spec.Name != tt.wantArch || spec.QKVBias != tt.wantBias {
				t.Fatalf("expected %s (bias %t), got %s (bias %t)", tt.wantArch, tt.wantBias, spec.Name, spec.QKVBias)
			}
		})
	}
}

func TestTextConfigMerge(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"architectures": ["LlavaForConditionalGeneration"],
		"model_type": "llava",
		"hidden_size": 1024,
		"text_config": {
			"model_type": "llama",
			"hidden_size": 4096,
			"intermediate_size": 14336,
			"num_hidden_layers": 32,
			"num_attention_heads": 32,
			"num_key_value_heads": 8,
			"max_position_embeddings": 131072,
			"rms_norm_eps": 1e-5,
			"rope_theta": 500000,
			"rope_scaling": {
				"rope_type": "llama3",
				"factor": 8,
				"low_freq_factor": 1,
				"high_freq_factor": 4,
				"original_max_position_embeddings": 8192
			},
			"vocab_size": 128256
		}
	}`)

	hf, err := loadHFConfigBytes(raw)
	if err != nil {
		t.Fatalf("loadHFConfigBytes: %v", err)
	}
	if hf.HiddenSize != 1024 {
		t.Fatalf("expected top-level hidden_size to win, got %d", hf.HiddenSize)
	}
	if hf.NumHiddenLayers != 32 || hf.NumKeyValueHeads != 8 || hf.VocabSize != 128256 || hf.RopeTheta != 500000 {
		t.Fatalf("text_config fields not merged: %+v", hf)
	}

	rs := ropeScalingFor(hf)
	if rs == nil || rs.Type != "llama3" || rs.Factor != 8 || rs.OrigMaxCtx != 8192 || rs.HighFactor != 4 {
		t.Fatalf("expected llama3 scaling from text_config, got %+v", rs)
	}
	if rs.AttentionFactor != 1 {
		t.Fatalf("expected llama3 attention factor 1, got %g", rs.AttentionFactor)
	}

	spec, err := detectArch(hf)
	if err != nil {
		t.Fatalf("detectArch: %v", err)
	}
	if spec.Name != "llama" {
		t.Fatalf("expected llama from text_config.model_type, got %s", spec.Name)
	}
}

func TestRopeParametersCarryTheta(t *testing.T) {
	t.Parallel()

	hf, err := loadHFConfigBytes([]byte(`{
		"model_type": "mistral",
		"max_position_embeddings": 32768,
		"rope_parameters": {"rope_type": "yarn", "factor": 4, "original_max_position_embeddings": 8192, "rope_theta": 1000000}
	}`))
	if err != nil {
		t.Fatalf("loadHFConfigBytes: %v", err)
	}
	if hf.RopeTheta != 1_000_000 {
		t.Fatalf("expected rope_theta from rope_parameters, got %g", hf.RopeTheta)
	}
	if rs := ropeScalingFor(hf); rs == nil || rs.Type != "yarn" || rs.AttentionFactor <= 1 {
		t.Fatalf("expected yarn scaling with an attention factor above 1, got %+v", rs)
	}
}

func TestRMSEpsilonFallback(t *testing.T) {
	t.Parallel()

	if got := rmsEpsilonForConfig(&hfConfig{LayerNormEps: 1e-5}); got != 1e-5 {
		t.Fatalf("expected layer_norm_eps 1e-5, got %g", got)
	}
	if got := rmsEpsilonForConfig(&hfConfig{}); got != 1e-6 {
		t.Fatalf("expected default 1e-6, got %g", got)
	}
}
