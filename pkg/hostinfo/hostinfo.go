// Package hostinfo supplies host-level context (hostname, load, memory)
// for the core and local controllers' /info statistics endpoints. Since the
// data-plane stage is out of scope (spec.md §1), the stage-handshake
// response schema's hostname/pid/ppid fields come from the stage's own
// STAGE_HANDSHAKE reply; this package instead gives gopsutil a home on
// the controller side, surfacing the same kind of host context for
// operators inspecting a running controller.
package hostinfo

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time view of the host a controller runs on.
type Snapshot struct {
	Hostname     string  `json:"hostname"`
	Platform     string  `json:"platform"`
	Uptime       uint64  `json:"uptime_seconds"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemUsedBytes uint64  `json:"mem_used_bytes"`
	MemTotal     uint64  `json:"mem_total_bytes"`
}

// Collect gathers a best-effort Snapshot. Individual collector failures
// (e.g. unsupported platform) are non-fatal; the corresponding field is
// left at its zero value.
func Collect() Snapshot {
	var snap Snapshot

	if info, err := host.Info(); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.Uptime = info.Uptime
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedBytes = vm.Used
		snap.MemTotal = vm.Total
	}

	return snap
}
