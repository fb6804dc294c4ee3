//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group and asks the
// kernel to kill it if the primary dies without draining.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
