package model

import (
	"math"
	"strings"
)

// RopeScaling stretches the rotary frequencies of a model trained on
// OrigMaxCtx positions. Type is linear, llama3 or yarn. LowFactor and
// HighFactor bound the llama3 interpolation band; AttentionFactor
// multiplies the rotated queries and keys.
type RopeScaling struct {
	Type            string
	Factor          float64
	OrigMaxCtx      int
	LowFactor       float64
	HighFactor      float64
	AttentionFactor float64
	BetaFast        float64
	BetaSlow        float64
	MScale          float64
	MScaleAllDim    float64
	Truncate        bool
}

// ropeScalingFor reads rope_scaling, falling back to rope_parameters. An
// absent or unsupported scheme yields nil.
func ropeScalingFor(cfg *hfConfig) *RopeScaling {
	if rs := parseRopeScaling(cfg.RopeScaling, cfg.MaxPosition); rs != nil {
		return rs
	}
	return parseRopeScaling(cfg.RopeParameters, cfg.MaxPosition)
}

func parseRopeScaling(rc *ropeConfig, maxPosition int) *RopeScaling {
	if rc == nil {
		return nil
	}
	kind := strings.ToLower(strings.TrimSpace(rc.RopeType))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(rc.Type))
	}
	if kind == "" || kind == "default" {
		if rc.Factor <= 0 {
			return nil
		}
		kind = "linear"
	}
	switch kind {
	case "linear", "llama3", "yarn":
	default:
		return nil
	}

	rs := &RopeScaling{
		Type:            kind,
		Factor:          rc.Factor,
		OrigMaxCtx:      rc.OrigMaxPosition,
		LowFactor:       rc.LowFreqFactor,
		HighFactor:      rc.HighFreqFactor,
		AttentionFactor: rc.AttentionFactor,
		BetaFast:        rc.BetaFast,
		BetaSlow:        rc.BetaSlow,
		MScale:          rc.MScale,
		MScaleAllDim:    rc.MScaleAllDim,
		Truncate:        rc.Truncate == nil || *rc.Truncate,
	}
	if rs.OrigMaxCtx <= 0 {
		rs.OrigMaxCtx = maxPosition
	}
	if rs.LowFactor <= 0 {
		rs.LowFactor = 1
	}
	if rs.HighFactor <= 0 {
		rs.HighFactor = rs.LowFactor
	}
	if rs.BetaFast <= 0 {
		rs.BetaFast = 32
	}
	if rs.BetaSlow <= 0 {
		rs.BetaSlow = 1
	}
	if rs.Factor <= 0 && rs.OrigMaxCtx > 0 && maxPosition > 0 && maxPosition != rs.OrigMaxCtx {
		rs.Factor = float64(maxPosition) / float64(rs.OrigMaxCtx)
	}
	if rs.Factor <= 0 {
		rs.Factor = 1
	}
	if rs.AttentionFactor <= 0 {
		rs.AttentionFactor = 1
		if rs.Type == "yarn" {
			rs.AttentionFactor = yarnAttentionFactor(rs.Factor, rs.MScale, rs.MScaleAllDim)
		}
	}
	return rs
}

// rotary applies rotary position embeddings to one head vector, rotating
// element i against element i+headDim/2.
type rotary struct {
	invFreq []float64
	scale   float64
}

func newRotary(headDim int, theta float64, rs *RopeScaling) *rotary {
	if theta <= 0 {
		theta = 10_000
	}
	r := &rotary{invFreq: make([]float64, headDim/2), scale: 1}
	for i := range r.invFreq {
		r.invFreq[i] = 1 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	if rs == nil {
		return r
	}
	switch rs.Type {
	case "llama3":
		scaleLlama3(r.invFreq, rs)
	case "yarn":
		scaleYarn(r.invFreq, theta, rs)
	default:
		for i := range r.invFreq {
			r.invFreq[i] /= rs.Factor
		}
	}
	r.scale = rs.AttentionFactor
	return r
}

func (r *rotary) apply(x []float32, pos int) {
	half := len(r.invFreq)
	for i, f := range r.invFreq {
		sin, cos := math.Sincos(float64(pos) * f)
		sin, cos = sin*r.scale, cos*r.scale
		a, b := float64(x[i]), float64(x[i+half])
		x[i] = float32(a*cos - b*sin)
		x[i+half] = float32(a*sin + b*cos)
	}
}

// scaleLlama3 divides low frequencies by the factor, keeps high ones and
// blends the band in between.
func scaleLlama3(invFreq []float64, rs *RopeScaling) {
	if rs.Factor == 1 || rs.OrigMaxCtx <= 0 {
		return
	}
	if rs.HighFactor <= rs.LowFactor {
		for i := range invFreq {
			invFreq[i] /= rs.Factor
		}
		return
	}
	orig := float64(rs.OrigMaxCtx)
	lowWavelen := orig / rs.LowFactor
	highWavelen := orig / rs.HighFactor
	for i, f := range invFreq {
		wavelen := 2 * math.Pi / f
		switch {
		case wavelen > lowWavelen:
			invFreq[i] = f / rs.Factor
		case wavelen < highWavelen:
		default:
			smooth := (orig/wavelen - rs.LowFactor) / (rs.HighFactor - rs.LowFactor)
			invFreq[i] = (1-smooth)*f/rs.Factor + smooth*f
		}
	}
}

func yarnAttentionFactor(factor, mscale, mscaleAllDim float64) float64 {
	get := func(scale, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}
	if mscale > 0 && mscaleAllDim > 0 {
		return get(factor, mscale) / get(factor, mscaleAllDim)
	}
	return get(factor, mscale)
}

// scaleYarn interpolates the dimensions below the beta_fast correction
// range and extrapolates those above beta_slow, ramping linearly between.
func scaleYarn(invFreq []float64, base float64, rs *RopeScaling) {
	if rs.Factor == 1 {
		return
	}
	orig := float64(rs.OrigMaxCtx)
	if base <= 1 || orig <= 0 {
		for i := range invFreq {
			invFreq[i] /= rs.Factor
		}
		return
	}
	dim := float64(2 * len(invFreq))
	correction := func(rotations float64) float64 {
		return dim * math.Log(orig/(rotations*2*math.Pi)) / (2 * math.Log(base))
	}
	low, high := correction(rs.BetaFast), correction(rs.BetaSlow)
	if rs.Truncate {
		low, high = math.Floor(low), math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)
	if low == high {
		high += 0.001
	}
	for i, f := range invFreq {
		ramp := min(max((float64(i)-low)/(high-low), 0), 1)
		invFreq[i] = f/rs.Factor*ramp + f*(1-ramp)
	}
}
