// Package metrics collects host resource utilization for CheckHealth
// replies (C8). Fulfills the teacher's own TODO in agent/internal/metrics:
// it was a zero-value stub pending github.com/shirou/gopsutil wiring; this
// version actually calls it.
package metrics

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time read of host resource usage, percentages in
// [0, 100].
type Snapshot struct {
	CpuPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// DiskPath is the path whose filesystem metrics reports disk usage for;
// it defaults to "/" and nothing in the worker changes it.
var DiskPath = "/"

// Collect returns a snapshot of current host resource usage. A failed
// individual probe is reported as 0 rather than failing the whole
// snapshot — CheckHealth must degrade gracefully, not go unavailable just
// because one gopsutil probe errored.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CpuPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemPercent = vm.UsedPercent
	}

	if usage, err := disk.UsageWithContext(ctx, DiskPath); err == nil {
		snap.DiskPercent = usage.UsedPercent
	}

	return snap
}
