// Package procstats enriches the metrics exporter with the child process's
// resource usage. Purely observational — no supervisor decision depends on
// these values.
package procstats

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a snapshot of a process's resource usage.
type Stats struct {
	RSSBytes   uint64
	CPUPercent float64
}

// Read samples RSS and CPU percentage for pid.
func Read(pid int) (Stats, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Stats{}, fmt.Errorf("open process %d: %w", pid, err)
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		return Stats{}, fmt.Errorf("read memory info for pid %d: %w", pid, err)
	}

	cpuPct, err := proc.CPUPercent()
	if err != nil {
		return Stats{}, fmt.Errorf("read cpu percent for pid %d: %w", pid, err)
	}

	return Stats{RSSBytes: mem.RSS, CPUPercent: cpuPct}, nil
}
