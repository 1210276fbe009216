// Package hostmetrics samples host resource usage (CPU, memory, disk,
// uptime) for the heartbeat payload, via gopsutil/v3.
package hostmetrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sshguardian/core/internal/wire"
)

// DiskPath is the mount point sampled for disk usage. The agent reports
// a single aggregate figure for the host's primary volume, matching the
// flat HeartbeatMetrics shape in the wire protocol.
var DiskPath = "/"

// Sample collects current CPU, memory, disk, and uptime figures into
// the wire shape sent on every heartbeat.
func Sample(ctx context.Context) (wire.HeartbeatMetrics, error) {
	var m wire.HeartbeatMetrics

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, fmt.Errorf("sample cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		m.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("sample memory: %w", err)
	}
	m.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, DiskPath)
	if err != nil {
		return m, fmt.Errorf("sample disk: %w", err)
	}
	m.DiskPercent = du.UsedPercent

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("sample uptime: %w", err)
	}
	m.UptimeSeconds = int64(uptime)

	return m, nil
}

// HealthTag derives a coarse health tag from sampled metrics, used as
// HeartbeatRequest.HealthStatus. Thresholds are deliberately simple:
// the server's own scoring pipeline is where nuance belongs, not the
// agent's self-report.
func HealthTag(m wire.HeartbeatMetrics) string {
	switch {
	case m.CPUPercent >= 95 || m.MemoryPercent >= 95 || m.DiskPercent >= 95:
		return "unhealthy"
	case m.CPUPercent >= 80 || m.MemoryPercent >= 80 || m.DiskPercent >= 90:
		return "degraded"
	default:
		return "healthy"
	}
}
