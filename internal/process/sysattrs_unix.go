//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts background processes in a new session so they
// survive the supervisor, and foreground ones in their own process group so
// stop signals reach their children too.
func configureSysProcAttr(cmd *exec.Cmd, background bool) {
	if background {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
