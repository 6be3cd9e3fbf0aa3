package api

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostInfo describes the machine the server runs on.
type HostInfo struct {
	CPUs          int     `json:"cpus"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemTotal      uint64  `json:"mem_total"`
	MemUsed       uint64  `json:"mem_used"`
	MemPercent    float64 `json:"mem_percent"`
	Goroutines    int     `json:"goroutines"`
	HeapAllocated uint64  `json:"heap_allocated"`
}

// Host samples cpu and memory usage. Fields the platform cannot report
// stay zero.
func Host() HostInfo {
	h := HostInfo{CPUs: runtime.NumCPU(), Goroutines: runtime.NumGoroutine()}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		h.CPUs = n
	}
	if p, err := cpu.Percent(0, false); err == nil && len(p) > 0 {
		h.CPUPercent = p[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemTotal = vm.Total
		h.MemUsed = vm.Used
		h.MemPercent = vm.UsedPercent
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h.HeapAllocated = ms.HeapAlloc
	return h
}
