//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureCmdSysProcAttr gives the launched ComfyUI server its own
// session so a Ctrl-C against the menu does not tear the server down
// mid-request.
func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
