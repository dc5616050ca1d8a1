//go:build darwin

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
// priority policy (nice(5) in epc/pc/scheduler.py). Darwin has no
// ioprio_set equivalent, so only CPU niceness is applied here.
const niceness = 5

// lowerChildPriority puts the child into its own process group so a
// stop signal to the group doesn't also hit the parent.
func lowerChildPriority(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// renice lowers the scheduling priority of an already-started process.
// Best-effort: logged, never returned as a startup error.
func renice(pid int) {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, niceness); err != nil {
		log.WithComponent("worker").Debug().Err(err).Int("pid", pid).Msg("setpriority failed")
	}
}
