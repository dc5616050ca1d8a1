//go:build linux

package worker

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/agentctl/pkg/log"
)

var gracefulStopSignal os.Signal = syscall.SIGTERM

// niceness matches the original scheduler's background-process CPU
// priority policy (nice(5) in epc/pc/scheduler.py).
const niceness = 5

// ioprioClassIdle is IOPRIO_CLASS_IDLE, the original's I/O priority
// class for task workers, shifted into the ioprio_set "ioprio" value
// per ioprio_set(2): (class << ioprioClassShift) | data.
const (
	ioprioWhoProcess = 1
	ioprioClassIdle  = 3
	ioprioClassShift = 13
	ioprioValueIdle  = ioprioClassIdle << ioprioClassShift
)

// lowerChildPriority puts the child into its own process group so a
// stop signal to the group doesn't also hit the parent.
func lowerChildPriority(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// renice lowers the scheduling and I/O priority of an already-started
// process, mirroring the original's nice(5) + psutil IOPRIO_CLASS_IDLE
// pairing. Best-effort: logged, never returned as a startup error.
func renice(pid int) {
	logger := log.WithComponent("worker")
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, niceness); err != nil {
		logger.Debug().Err(err).Int("pid", pid).Msg("setpriority failed")
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, uintptr(ioprioWhoProcess), uintptr(pid), uintptr(ioprioValueIdle)); errno != 0 {
		logger.Debug().Err(errno).Int("pid", pid).Msg("ioprio_set failed")
	}
}
