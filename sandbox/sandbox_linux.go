//go:build linux

package sandbox

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the child in its own session (so the whole tree is
// killable via the process group) and, when isolate is set, a fresh
// network namespace.
func sysProcAttr(isolate bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true}
	if isolate {
		attr.Cloneflags = syscall.CLONE_NEWNET
	}
	return attr
}

var (
	netnsOnce  sync.Once
	netnsAvail bool
)

// networkIsolationSupported probes whether this process may create
// network namespaces. Root always can; otherwise unprivileged user
// namespaces would be required, which the probe checks by attempting a
// clone.
func networkIsolationSupported() bool {
	netnsOnce.Do(func() {
		if os.Geteuid() == 0 {
			netnsAvail = true
			return
		}
		cmd := exec.Command("/bin/true")
		cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWNET}
		if err := cmd.Start(); err != nil {
			netnsAvail = false
			return
		}
		_ = cmd.Wait()
		netnsAvail = true
	})
	return netnsAvail
}

// applyRlimits sets the memory and CPU rlimits on the already-started
// child via prlimit, before it has had time to consume anything.
func applyRlimits(pid, maxMemoryMB, maxCPUSeconds int) error {
	mem := uint64(maxMemoryMB) << 20
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: mem, Max: mem}, nil); err != nil {
		return err
	}
	cpu := uint64(maxCPUSeconds)
	return unix.Prlimit(pid, unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpu, Max: cpu}, nil)
}

// killTree kills the child's whole process group.
func killTree(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
