package childproc

import (
	"fmt"
	"os"
	"syscall"
)

// DynamicConfigEditor implements maintenance.ConfigEditor against a child's
// config.json, satisfying the unconditional-restore contract: Apply takes
// an in-memory snapshot before mutating, and the returned restore closure
// rewrites the original bytes regardless of what happened in between.
type DynamicConfigEditor struct {
	childHome string
	pid       func() int
}

// NewDynamicConfigEditor builds an editor rooted at childHome. pid reports
// the child's current PID at signal time, since the tracked process may be
// restarted between planner calls.
func NewDynamicConfigEditor(childHome string, pid func() int) *DynamicConfigEditor {
	return &DynamicConfigEditor{childHome: childHome, pid: pid}
}

// ApplyExpectedShutdown edits config.json in place, adding or clearing the
// expected_shutdown field, and returns a restore closure that rewrites the
// original file content byte-for-byte.
func (e *DynamicConfigEditor) ApplyExpectedShutdown(height *uint64) (func() error, error) {
	path := configPath(e.childHome)
	original, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot config before dynamic apply: %w", err)
	}

	cfg, err := ReadConfig(e.childHome)
	if err != nil {
		return nil, err
	}
	cfg.ExpectedShutdown = height

	if err := WriteConfig(e.childHome, cfg); err != nil {
		return nil, err
	}

	restore := func() error {
		return os.WriteFile(path, original, 0o644)
	}
	return restore, nil
}

// SignalReload sends the child its reload signal.
func (e *DynamicConfigEditor) SignalReload() error {
	pid := e.pid()
	if pid == 0 {
		return fmt.Errorf("signal reload: no child process tracked")
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("send sighup to pid %d: %w", pid, err)
	}
	return nil
}
