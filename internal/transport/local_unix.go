//go:build unix

package transport

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the shell in its own process group and kills the
// whole group on cancellation, so children spawned by the script die too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
