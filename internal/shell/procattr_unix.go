//go:build unix

package shell

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup puts the command in its own process group so signals
// reach the shell and all of its children. Cancellation sends SIGTERM to
// the group and escalates to SIGKILL after grace.
func setProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if grace <= 0 {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return
	}

	cmd.Cancel = func() error {
		group := -cmd.Process.Pid
		if err := syscall.Kill(group, syscall.SIGTERM); err != nil {
			return syscall.Kill(group, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH from a group that already exited is harmless.
			_ = syscall.Kill(group, syscall.SIGKILL)
		}()
		return nil
	}
}
