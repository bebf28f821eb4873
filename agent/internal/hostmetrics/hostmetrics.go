// Package hostmetrics collects the host resource snapshot carried on every
// agent.heartbeat notification. Grounded on the host process's metrics
// package, which documented the gopsutil wiring as a planned follow-up
// (Collect returned hard zeros pending it) — that follow-up is carried out
// here.
package hostmetrics

import (
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is the payload shape of spec.md §4.8's agent.heartbeat params.
type Snapshot struct {
	CPUPercent     float64 `json:"cpu_percent,omitempty"`
	MemoryPercent  float64 `json:"memory_percent,omitempty"`
	UptimeSeconds  uint64  `json:"uptime_seconds,omitempty"`
}

// Collect samples current CPU, memory, and uptime. Errors from any one
// collector are non-fatal — the corresponding field is simply omitted, since
// heartbeats are advisory and must not be held back by a metrics hiccup.
func Collect() Snapshot {
	var snap Snapshot

	if percents, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}

	if uptime, err := host.Uptime(); err == nil {
		snap.UptimeSeconds = uptime
	}

	return snap
}
