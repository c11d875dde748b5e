//go:build unix

package lipsync

import (
	"os/exec"
	"syscall"
)

// killProcessGroup runs the model in its own process group and makes
// cancellation kill the whole group, so helpers the script spawns (the
// ffmpeg mux step) cannot outlive the timeout and write output late.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
