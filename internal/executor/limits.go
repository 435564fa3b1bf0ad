package executor

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// LoadSnapshot captures host load at the start of a tick
type LoadSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
}

// sampleLoad reads current CPU and memory usage
func sampleLoad() (LoadSnapshot, error) {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return LoadSnapshot{}, fmt.Errorf("failed to sample CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return LoadSnapshot{}, fmt.Errorf("failed to sample memory usage: %w", err)
	}

	snapshot := LoadSnapshot{MemoryPercent: memInfo.UsedPercent}
	if len(cpuPercent) > 0 {
		snapshot.CPUPercent = cpuPercent[0]
	}
	return snapshot, nil
}
