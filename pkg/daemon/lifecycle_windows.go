//go:build windows

package daemon

import (
	"os/exec"
	"syscall"
)

// detachProcess detaches the spawned daemon from the parent console.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: 0x00000008} // DETACHED_PROCESS
}
