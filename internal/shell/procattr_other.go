//go:build !unix

package shell

import (
	"os/exec"
	"time"
)

// setProcessGroup falls back to killing the direct child only.
func setProcessGroup(cmd *exec.Cmd, _ time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
