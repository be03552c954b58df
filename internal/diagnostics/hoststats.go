package diagnostics

import (
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// HostStats is a point-in-time snapshot of the device's own health,
// folded into the status dump alongside Counters. Not persisted — it is
// always read fresh (§7: "diagnostic counters ... exposed via the
// backend's diagnostics channel").
type HostStats struct {
	UptimeSeconds uint64
	CPUPercent    float64
	MemUsedBytes  uint64
	MemTotalBytes uint64
}

// SnapshotHost reads current host stats. Any individual collector failing
// (common on constrained/embedded targets without full /proc support)
// is tolerated; the corresponding field is left zero rather than
// failing the whole snapshot.
func SnapshotHost() HostStats {
	var hs HostStats
	if info, err := host.Info(); err == nil {
		hs.UptimeSeconds = info.Uptime
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemUsedBytes = vm.Used
		hs.MemTotalBytes = vm.Total
	}
	return hs
}
