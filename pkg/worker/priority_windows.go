//go:build windows

package worker

import (
	"os"
	"os/exec"
	"syscall"
)

var gracefulStopSignal os.Signal = os.Interrupt

const belowNormalPriorityClass = 0x00004000

func lowerChildPriority(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= belowNormalPriorityClass
}

func renice(pid int) {
	// priority class is set at process creation on Windows; nothing
	// further to do once the process has started.
}
