package hostmetrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sshguardian/core/internal/wire"
)

func TestHealthTag(t *testing.T) {
	cases := []struct {
		name string
		m    wire.HeartbeatMetrics
		want string
	}{
		{"healthy", wire.HeartbeatMetrics{CPUPercent: 10, MemoryPercent: 20, DiskPercent: 30}, "healthy"},
		{"degraded cpu", wire.HeartbeatMetrics{CPUPercent: 85}, "degraded"},
		{"degraded disk", wire.HeartbeatMetrics{DiskPercent: 91}, "degraded"},
		{"unhealthy mem", wire.HeartbeatMetrics{MemoryPercent: 96}, "unhealthy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, HealthTag(tc.m))
		})
	}
}
