// Package kernels holds the quantized linear kernels and the selection
// logic that picks one for a bit width on the running host.
package kernels

import (
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/qllm/internal/backend"
	"github.com/samcharles93/qllm/internal/logger"
)

// Kind is the kernel variant used for a quantized layer.
type Kind uint8

const (
	// Portable bit-packs along the input dimension and supports 2, 3, 4
	// and 8 bits.
	Portable Kind = iota
	// Optimized packs eight interleaved 4-bit values per word along the
	// output dimension. Only 4 bits.
	Optimized
)

// Version is the layout name recorded in quant_config.json.
func (k Kind) Version() string {
	if k == Optimized {
		return "GEMM"
	}
	return "DQ"
}

func (k Kind) String() string {
	if k == Optimized {
		return "optimized"
	}
	return "portable"
}

// PortableBits are the widths the portable kernel can store.
var PortableBits = []int{2, 3, 4, 8}

// Supports reports whether k can store values of the given width.
func (k Kind) Supports(bits int) bool {
	if k == Optimized {
		return bits == 4
	}
	for _, b := range PortableBits {
		if b == bits {
			return true
		}
	}
	return false
}

// Pack modes accepted by NewSelector.
const (
	ModeAuto = "auto"
	ModeGEMM = "gemm"
	ModeDQ   = "dq"
)

// ParseMode normalises a pack mode name.
func ParseMode(s string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(s))
	switch m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeGEMM, ModeDQ:
		return m, nil
	default:
		return "", fmt.Errorf("unknown pack mode %q (expected auto, gemm, or dq)", s)
	}
}

// Select returns the kernel for bits on the host described by p. The
// optimized kernel is chosen for 4 bits when the host reports the grouped
// int4 capability; everything else gets the portable kernel.
func Select(bits int, p backend.Prober) Kind {
	if bits == 4 && p != nil && p.Probe().GroupedInt4() {
		return Optimized
	}
	return Portable
}

// Selector memoizes kernel decisions per bit width.
type Selector struct {
	mode   string
	prober backend.Prober
	log    logger.Logger

	mu    sync.Mutex
	cache map[int]Kind
}

// NewSelector returns a Selector for a pack mode. gemm forces the optimized
// kernel where the width allows it; dq always picks the portable kernel.
func NewSelector(mode string, p backend.Prober, log logger.Logger) (*Selector, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	if p == nil {
		p = backend.HostProber{}
	}
	return &Selector{mode: m, prober: p, log: log, cache: make(map[int]Kind)}, nil
}

// Mode returns the normalised pack mode.
func (s *Selector) Mode() string { return s.mode }

// Kind returns the kernel for bits. The first decision for a width is
// logged and reused afterwards.
func (s *Selector) Kind(bits int) Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.cache[bits]; ok {
		return k
	}
	var k Kind
	switch s.mode {
	case ModeDQ:
		k = Portable
	case ModeGEMM:
		k = Portable
		if Optimized.Supports(bits) {
			k = Optimized
		} else {
			s.log.Warn("optimized kernel does not support width, using portable", "bits", bits)
		}
	default:
		k = Select(bits, s.prober)
		if k == Portable && bits == 4 {
			s.log.Info("grouped int4 capability not detected, using portable kernel", "arch", s.prober.Probe().Arch)
		}
	}
	if !k.Supports(bits) {
		s.log.Warn("no kernel stores this width", "bits", bits)
	}
	s.log.Debug("kernel selected", "bits", bits, "kernel", k.Version())
	s.cache[bits] = k
	return k
}

// ParseVersion returns the kind recorded under a layout name.
func ParseVersion(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GEMM":
		return Optimized, nil
	case "DQ", "":
		return Portable, nil
	default:
		return Portable, fmt.Errorf("unknown kernel layout %q", s)
	}
}
