//go:build linux

package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// SystemMemoryCheck checks host memory. Buffers count as available.
type SystemMemoryCheck struct {
	MaxUsagePercent float64
}

func (c *SystemMemoryCheck) Name() string { return "system_memory" }

func (c *SystemMemoryCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Timestamp: time.Now(), Metadata: map[string]any{}}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("sysinfo: %v", err)
		return result
	}

	unit := uint64(info.Unit)
	total := uint64(info.Totalram) * unit
	avail := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if avail > total {
		avail = total
	}
	usage := float64(total-avail) / float64(total) * 100

	result.Metadata["total_bytes"] = total
	result.Metadata["available_bytes"] = avail
	result.Metadata["usage_percent"] = fmt.Sprintf("%.2f%%", usage)

	if c.MaxUsagePercent > 0 && usage > c.MaxUsagePercent {
		result.Status = StatusDegraded
		result.Error = fmt.Sprintf("memory usage %.2f%% exceeds %.2f%%", usage, c.MaxUsagePercent)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("memory usage: %.2f%%", usage)
	return result
}
