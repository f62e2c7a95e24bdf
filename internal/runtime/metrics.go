package runtime

import (
	"errors"
	"fmt"
	"sync/atomic"

	"skylift/orchestrator/internal/messages"
)

var (
	// ErrNoStatsAvailable reports that a required field was absent from the sample.
	ErrNoStatsAvailable = errors.New("stat not present in sample")
	// ErrSysCPULessThanCurrent reports a host cpu counter rollback between samples.
	ErrSysCPULessThanCurrent = errors.New("cumulative system cpu is less than previous total")
	// ErrContainerCPULessThanCurrent reports a container cpu counter rollback between samples.
	ErrContainerCPULessThanCurrent = errors.New("cumulative container cpu is less than previous total")
)

// ConvertStats derives a metrics message from a raw sample plus the caller-owned
// cumulative cpu counters from the previous sample.
//
// On success the counters advance to the new cumulative values; on any failure
// they are left untouched.
func ConvertStats(stats RawStats, backendID string, prevSysCPU, prevContainerCPU *atomic.Uint64) (messages.BackendMetricsMessage, error) {
	var zero messages.BackendMetricsMessage

	//1.- Refuse to guess when the sample is missing any required field.
	if len(stats.MemoryStats) == 0 {
		return zero, fmt.Errorf("%w: memory_stats.stats", ErrNoStatsAvailable)
	}
	if stats.SystemCPUUsage == nil {
		return zero, fmt.Errorf("%w: cpu_stats.system_cpu_usage", ErrNoStatsAvailable)
	}
	if stats.MemoryUsage == nil {
		return zero, fmt.Errorf("%w: memory_stats.usage", ErrNoStatsAvailable)
	}

	containerCPU := stats.CPUTotalUsage
	systemCPU := *stats.SystemCPUUsage
	prevContainer := prevContainerCPU.Load()
	prevSys := prevSysCPU.Load()

	//2.- Cumulative counters only grow; a smaller sample is a protocol violation.
	if containerCPU < prevContainer {
		return zero, fmt.Errorf("%w: current %d, previous %d", ErrContainerCPULessThanCurrent, containerCPU, prevContainer)
	}
	if systemCPU < prevSys {
		return zero, fmt.Errorf("%w: current %d, previous %d", ErrSysCPULessThanCurrent, systemCPU, prevSys)
	}

	memory, err := deriveMemory(*stats.MemoryUsage, stats.MemoryStats)
	if err != nil {
		return zero, err
	}

	//3.- Store the new cumulative totals only once the sample is fully accepted.
	prevContainerCPU.Store(containerCPU)
	prevSysCPU.Store(systemCPU)

	return messages.BackendMetricsMessage{
		BackendID:      backendID,
		CPUUsed:        containerCPU - prevContainer,
		SysCPU:         systemCPU - prevSys,
		MemUsed:        memory.used,
		MemTotal:       memory.total,
		MemActive:      memory.active,
		MemInactive:    memory.inactive,
		MemUnevictable: memory.unevictable,
	}, nil
}

type memoryBreakdown struct {
	used        uint64
	total       uint64
	active      uint64
	inactive    uint64
	unevictable uint64
}

func deriveMemory(usage uint64, stats map[string]uint64) (memoryBreakdown, error) {
	//1.- The cgroup v1 layout prefixes every counter with "total_".
	if _, v1 := stats["total_rss"]; v1 {
		return memoryBreakdown{
			used:        usage - stats["total_inactive_file"],
			total:       stats["total_rss"] + stats["total_cache"],
			active:      stats["total_active_anon"] + stats["total_active_file"],
			inactive:    stats["total_inactive_anon"] + stats["total_inactive_file"],
			unevictable: stats["total_unevictable"],
		}, nil
	}
	//2.- The cgroup v2 layout reports flat counters plus kernel allocations.
	if _, v2 := stats["anon"]; v2 {
		kernel := stats["kernel_stack"] + stats["sock"] + stats["slab"]
		return memoryBreakdown{
			used:        usage - stats["inactive_file"],
			total:       stats["file"] + stats["anon"] + kernel,
			active:      stats["active_anon"] + stats["active_file"],
			inactive:    stats["inactive_anon"] + stats["inactive_file"],
			unevictable: stats["unevictable"],
		}, nil
	}
	return memoryBreakdown{}, fmt.Errorf("%w: memory_stats.stats layout", ErrNoStatsAvailable)
}
