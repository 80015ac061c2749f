//go:build unix

package backend

import (
	"os/exec"
	"syscall"
)

// killProcessGroupOnCancel starts the command as a process group leader and
// makes context cancellation SIGKILL the entire group, so agent subprocesses
// (shells, test runners) cannot outlive the deadline.
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
