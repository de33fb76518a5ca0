package backend

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// Capabilities describes what the host can execute.
type Capabilities struct {
	Backend Name
	Arch    string
	AVX2    bool
	FMA     bool
	AVX512F bool
	ASIMD   bool
}

// GroupedInt4 reports whether the optimized grouped int4 kernel can run:
// AVX2 with FMA on x86-64, or Advanced SIMD on arm64.
func (c Capabilities) GroupedInt4() bool {
	switch c.Arch {
	case "amd64":
		return c.AVX2 && c.FMA
	case "arm64":
		return c.ASIMD
	default:
		return false
	}
}

// Features lists the detected vector extensions.
func (c Capabilities) Features() []string {
	var out []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"avx2", c.AVX2},
		{"fma", c.FMA},
		{"avx512f", c.AVX512F},
		{"asimd", c.ASIMD},
	} {
		if f.ok {
			out = append(out, f.name)
		}
	}
	return out
}

// Prober reports host capabilities.
type Prober interface {
	Probe() Capabilities
}

// HostProber reads the capabilities of the running CPU.
type HostProber struct{}

func (HostProber) Probe() Capabilities {
	return Capabilities{
		Backend: CPU,
		Arch:    runtime.GOARCH,
		AVX2:    cpu.X86.HasAVX2,
		FMA:     cpu.X86.HasFMA,
		AVX512F: cpu.X86.HasAVX512F,
		ASIMD:   cpu.ARM64.HasASIMD,
	}
}

// Static is a Prober that always reports the same capabilities.
type Static Capabilities

func (s Static) Probe() Capabilities { return Capabilities(s) }
