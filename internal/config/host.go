package config

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
)

// HostResources describes the machine the workers run on.
type HostResources struct {
	CPUCores int `json:"cpuCores"`
	MemoryGB int `json:"memoryGB"`
}

// DetectHost reads the core count and total memory. Memory reads as 8GB when
// the platform does not report it.
func DetectHost() HostResources {
	h := HostResources{CPUCores: runtime.NumCPU(), MemoryGB: 8}
	if v, err := mem.VirtualMemory(); err == nil {
		h.MemoryGB = int(v.Total / (1 << 30))
	}
	return h
}

// WorkerConcurrency sizes consumers per channel: at most one per core and one
// per 2GB, between 1 and 8.
func (h HostResources) WorkerConcurrency() int {
	return max(1, min(h.CPUCores, h.MemoryGB/2, 8))
}
