// Package oom adjusts Linux OOM-score so memory pressure kills the child
// before the supervisor.
package oom

import (
	"fmt"
	"os"
	"strconv"
)

// DefaultChildScore is the OOM-score adjustment written for the child right
// after it is spawned, so it is preferentially killed under memory pressure.
const DefaultChildScore = 200

// SupervisorScore is the adjustment the supervisor applies to itself at
// startup, making it comparatively less likely to be killed than the child.
const SupervisorScore = 100

// Adjust writes score to /proc/self/oom_score_adj.
func Adjust(score int) error {
	if err := os.WriteFile("/proc/self/oom_score_adj", []byte(strconv.Itoa(score)), 0o644); err != nil {
		return fmt.Errorf("adjust oom_score_adj to %d: %w", score, err)
	}
	return nil
}

// AdjustPID writes score to /proc/<pid>/oom_score_adj, used right after
// spawning the child since Go's os/exec has no pre-exec hook equivalent to
// a fork-time callback.
func AdjustPID(pid int, score int) error {
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	if err := os.WriteFile(path, []byte(strconv.Itoa(score)), 0o644); err != nil {
		return fmt.Errorf("adjust %s to %d: %w", path, score, err)
	}
	return nil
}
