package storage

import (
	"context"

	"github.com/shirou/gopsutil/v4/mem"
)

// Memory limits by device class.
const (
	ConstrainedMemoryLimit int64 = 256 << 20
	StandardMemoryLimit    int64 = 1 << 30

	// constrainedHostMemory is the total RAM below which a host counts as
	// constrained.
	constrainedHostMemory uint64 = 4 << 30
)

// MemoryLimitForHost returns the default storage budget for a host with
// totalRAM bytes of memory.
func MemoryLimitForHost(totalRAM uint64) int64 {
	if totalRAM < constrainedHostMemory {
		return ConstrainedMemoryLimit
	}
	return StandardMemoryLimit
}

// DefaultMemoryLimit picks the storage budget from the host's total RAM.
// Hosts whose memory cannot be read are treated as constrained.
func DefaultMemoryLimit(ctx context.Context) int64 {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ConstrainedMemoryLimit
	}
	return MemoryLimitForHost(vm.Total)
}

// ResolveMemoryLimit returns configured when positive, else the device
// class default.
func ResolveMemoryLimit(ctx context.Context, configured int64) int64 {
	if configured > 0 {
		return configured
	}
	return DefaultMemoryLimit(ctx)
}
