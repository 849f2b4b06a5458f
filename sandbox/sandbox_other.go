//go:build !linux

package sandbox

import (
	"os"
	"syscall"
)

func sysProcAttr(bool) *syscall.SysProcAttr { return nil }

// networkIsolationSupported is always false off Linux: creation with
// network_access=false fails closed rather than leaking host networking.
func networkIsolationSupported() bool { return false }

// applyRlimits is a no-op off Linux; the timeout remains the only bound.
func applyRlimits(int, int, int) error { return nil }

func killTree(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
