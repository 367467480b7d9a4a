package crashlog

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time view of process and system resource usage,
// attached to crash records and the debug endpoint.
type Snapshot struct {
	PID                 int32   `json:"pid"`
	MemoryMB            float64 `json:"memory_mb"`
	CPUPercent          float64 `json:"cpu_percent"`
	ThreadCount         int32   `json:"thread_count"`
	SystemMemoryPercent float64 `json:"system_memory_percent"`
	Error               string  `json:"error,omitempty"`
}

// TakeSnapshot samples current resource usage. Sampling failures are
// reported inside the snapshot rather than as an error: diagnostics must
// never fail the request that asked for them.
func TakeSnapshot() Snapshot {
	snap := Snapshot{PID: int32(os.Getpid())}

	proc, err := process.NewProcess(snap.PID)
	if err != nil {
		snap.Error = err.Error()
		return snap
	}

	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		snap.MemoryMB = float64(mi.RSS) / 1024 / 1024
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if threads, err := proc.NumThreads(); err == nil {
		snap.ThreadCount = threads
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		snap.SystemMemoryPercent = vm.UsedPercent
	}
	return snap
}
