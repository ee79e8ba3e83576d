package monitor

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HardwareMetrics is a host resource snapshot.
type HardwareMetrics struct {
	CPUPercent     float64  `json:"cpu_percent"`
	RAMPercent     float64  `json:"ram_percent"`
	RAMAvailableGB float64  `json:"ram_available_gb"`
	GPUAvailable   bool     `json:"gpu_available"`
	GPUPercent     *float64 `json:"gpu_percent,omitempty"`
	GPUMemoryGB    *float64 `json:"gpu_memory_gb,omitempty"`
}

// HardwareReader samples host resources.
type HardwareReader interface {
	Read(ctx context.Context) (*HardwareMetrics, error)
}

// HostReader reads CPU and memory from the host. GPU figures come from
// the optional NVML exporter sidecar via environment, since the engine
// itself never links CUDA.
type HostReader struct{}

// Read implements HardwareReader.
func (HostReader) Read(ctx context.Context) (*HardwareMetrics, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}

	metrics := &HardwareMetrics{
		CPUPercent:     cpuPct,
		RAMPercent:     vm.UsedPercent,
		RAMAvailableGB: float64(vm.Available) / (1 << 30),
	}

	if raw := os.Getenv("GPU_UTILIZATION_PERCENT"); raw != "" {
		if pct, err := strconv.ParseFloat(raw, 64); err == nil {
			metrics.GPUAvailable = true
			metrics.GPUPercent = &pct
		}
	}
	if raw := os.Getenv("GPU_MEMORY_GB"); raw != "" {
		if gb, err := strconv.ParseFloat(raw, 64); err == nil {
			metrics.GPUAvailable = true
			metrics.GPUMemoryGB = &gb
		}
	}
	return metrics, nil
}
