package backend

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const gb = 1024 * 1024 * 1024

// Host summarises the machine a quantization run executes on.
type Host struct {
	CPUName        string  `json:"cpu_name"`
	Cores          int     `json:"cpu_cores"`
	TotalRAMGB     float64 `json:"total_ram_gb"`
	AvailableRAMGB float64 `json:"available_ram_gb"`
	Capabilities
}

// DetectHost reads CPU and memory information and probes capabilities.
func DetectHost(p Prober) (*Host, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("mem: %w", err)
	}
	name := "Unknown CPU"
	if infos, _ := cpu.Info(); len(infos) > 0 {
		name = infos[0].ModelName
		if name == "" {
			name = infos[0].VendorID
		}
	}
	avail := float64(v.Available) / gb
	if v.Available == 0 && v.Total > 0 {
		avail = float64(v.Total) / gb * 0.8
	}
	return &Host{
		CPUName:        name,
		Cores:          runtime.NumCPU(),
		TotalRAMGB:     float64(v.Total) / gb,
		AvailableRAMGB: avail,
		Capabilities:   p.Probe(),
	}, nil
}

// FitsInMemory reports whether bytes fit into the available RAM.
func (h *Host) FitsInMemory(bytes int64) bool {
	return float64(bytes)/gb <= h.AvailableRAMGB
}
